package notes

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/store"
)

// FailedMessage is the error text broadcast when a note cannot be generated
const FailedMessage = "Note generation failed. Please try again."

// finishTimeout bounds the status write that closes out a failed generation
const finishTimeout = 10 * time.Second

// Generator produces a note for a transcript
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Broadcaster delivers events to a user's connections
type Broadcaster interface {
	Broadcast(requestingConnectionID, userID string, event protocol.Event) int
}

// RunnerConfig contains configuration for the note runner
type RunnerConfig struct {
	// Timeout bounds one whole generation including retries
	Timeout time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

// RunnerStats is reported by the monitoring API
type RunnerStats struct {
	Enabled   bool         `json:"enabled"`
	Running   int          `json:"running"`
	Generated uint64       `json:"generated"`
	Failed    uint64       `json:"failed"`
	Client    *ClientStats `json:"client,omitempty"`
}

// Runner generates notes in the background. A Runner without a generator
// is disabled and ignores requests.
type Runner struct {
	generator   Generator
	store       store.VisitStore
	broadcaster Broadcaster
	logger      *slog.Logger
	metrics     *metrics.Metrics
	config      RunnerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   int
	generated uint64
	failed    uint64
}

// NewRunner creates a note runner. generator may be nil to disable it.
func NewRunner(generator Generator, visits store.VisitStore, broadcaster Broadcaster, logger *slog.Logger, m *metrics.Metrics, config RunnerConfig) *Runner {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		generator:   generator,
		store:       visits,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     m,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enabled reports whether the runner generates notes
func (r *Runner) Enabled() bool {
	return r.generator != nil
}

// Generate starts note generation for a visit in GENERATING_NOTE and
// returns at once. The visit ends up FINISHED whether or not a note is
// produced.
func (r *Runner) Generate(visitID, userID, requestingConnectionID string) {
	if r.generator == nil {
		r.logger.Debug("Note generation disabled",
			slog.String("visit_id", visitID),
		)
		return
	}

	select {
	case <-r.ctx.Done():
		r.logger.Warn("Note generation skipped, runner stopped",
			slog.String("visit_id", visitID),
		)
		r.finish(visitID)
		return
	default:
	}

	r.mu.Lock()
	r.running++
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(visitID, userID, requestingConnectionID)
	}()
}

// Wait blocks until every started generation has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop cancels running generations and waits for them to return
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Stats returns runner statistics
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	stats := RunnerStats{
		Enabled:   r.generator != nil,
		Running:   r.running,
		Generated: r.generated,
		Failed:    r.failed,
	}
	r.mu.Unlock()

	if client, ok := r.generator.(*Client); ok {
		clientStats := client.GetStats()
		stats.Client = &clientStats
	}

	return stats
}

func (r *Runner) run(visitID, userID, requestingConnectionID string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.ctx, r.config.Timeout)
	defer cancel()

	note, err := r.generate(ctx, visitID)

	r.mu.Lock()
	r.running--
	if err != nil {
		r.failed++
	} else {
		r.generated++
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.RecordNoteGeneration("failed", time.Since(start).Seconds())
		r.logger.Error("Note generation failed",
			slog.String("visit_id", visitID),
			slog.String("error", err.Error()),
		)
		r.finish(visitID)
		r.broadcaster.Broadcast(requestingConnectionID, userID, protocol.NewErrorEvent(visitID, FailedMessage))
		return
	}

	r.metrics.RecordNoteGeneration("success", time.Since(start).Seconds())
	r.logger.Info("Note generated",
		slog.String("visit_id", visitID),
		slog.Int("length", len(note)),
		slog.Duration("duration", time.Since(start)),
	)

	event := protocol.NewNoteEvent(visitID, note, r.config.Now())
	r.broadcaster.Broadcast(requestingConnectionID, userID, event)
}

func (r *Runner) generate(ctx context.Context, visitID string) (string, error) {
	visit, err := r.store.GetVisit(ctx, visitID)
	if err != nil {
		return "", err
	}

	resp, err := r.generator.Generate(ctx, Request{
		VisitID:           visitID,
		Transcript:        visit.Transcript,
		AdditionalContext: visit.AdditionalContext,
	})
	if err != nil {
		return "", err
	}
	for i := 1; i < resp.Attempts; i++ {
		r.metrics.RecordNoteRetry()
	}

	update := store.VisitUpdate{
		Note:   store.StringPtr(resp.Note),
		Status: store.StatusPtr(store.StatusFinished),
	}
	if _, err := r.store.UpdateVisit(ctx, visitID, update); err != nil {
		return "", err
	}

	return resp.Note, nil
}

// finish marks a visit FINISHED without a note. It runs on its own context
// so a cancelled generation still releases the visit.
func (r *Runner) finish(visitID string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if _, err := r.store.UpdateVisit(ctx, visitID, store.VisitUpdate{Status: store.StatusPtr(store.StatusFinished)}); err != nil {
		r.logger.Warn("Failed to finish visit after note generation",
			slog.String("visit_id", visitID),
			slog.String("error", err.Error()),
		)
	}
}
