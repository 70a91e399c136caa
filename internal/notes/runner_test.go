package notes

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/protocol"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/store"
)

type fakeGenerator struct {
	note     string
	err      error
	attempts int
}

func (g *fakeGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &Response{Note: g.note + " " + req.Transcript, Attempts: g.attempts}, nil
}

type delivery struct {
	requester string
	userID    string
	event     protocol.Event
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (b *fakeBroadcaster) Broadcast(requestingConnectionID, userID string, event protocol.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, delivery{requestingConnectionID, userID, event})
	return 1
}

func newTestRunner(t *testing.T, generator Generator) (*Runner, *store.MemoryStore, *fakeBroadcaster, *metrics.Metrics) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	visits := store.NewMemoryStore()
	visits.Put(&store.Visit{ID: "v1", UserID: "u1", Status: store.StatusGeneratingNote, Transcript: "[09:00:00] cough"})
	b := &fakeBroadcaster{}

	runner := NewRunner(generator, visits, b, logger, m, RunnerConfig{
		Timeout: time.Second,
		Now:     func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(runner.Stop)

	return runner, visits, b, m
}

func TestRunnerStoresAndBroadcastsNote(t *testing.T) {
	runner, visits, b, m := newTestRunner(t, &fakeGenerator{note: "Assessment:", attempts: 2})

	runner.Generate("v1", "u1", "c1")
	runner.Wait()

	visit, _ := visits.GetVisit(context.Background(), "v1")
	if visit.Note != "Assessment: [09:00:00] cough" {
		t.Errorf("Expected note to be stored, got %q", visit.Note)
	}
	if visit.Status != store.StatusFinished {
		t.Errorf("Expected status FINISHED, got %s", visit.Status)
	}

	if len(b.deliveries) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(b.deliveries))
	}
	d := b.deliveries[0]
	if d.event.Type != protocol.EventNoteGenerated || d.requester != "c1" || d.userID != "u1" {
		t.Errorf("Unexpected broadcast %+v", d)
	}
	if d.event.Data["note_generated_at"] != "2025-03-01T10:00:00Z" {
		t.Errorf("Unexpected generated at %v", d.event.Data["note_generated_at"])
	}

	if got := testutil.ToFloat64(m.NoteGenerationRetries); got != 1 {
		t.Errorf("Expected 1 retry recorded, got %v", got)
	}
	if stats := runner.Stats(); stats.Generated != 1 || stats.Running != 0 || !stats.Enabled {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestRunnerBroadcastsErrorOnFailure(t *testing.T) {
	runner, visits, b, _ := newTestRunner(t, &fakeGenerator{err: errors.New("overloaded")})

	runner.Generate("v1", "u1", "c1")
	runner.Wait()

	if len(b.deliveries) != 1 || b.deliveries[0].event.Type != protocol.EventError {
		t.Fatalf("Expected one error broadcast, got %+v", b.deliveries)
	}
	if b.deliveries[0].event.Data["visit_id"] != "v1" {
		t.Errorf("Expected error for v1, got %v", b.deliveries[0].event.Data)
	}

	visit, _ := visits.GetVisit(context.Background(), "v1")
	if visit.Note != "" {
		t.Errorf("Expected no note, got %q", visit.Note)
	}
	if visit.Status != store.StatusFinished {
		t.Errorf("Expected status FINISHED after failure, got %s", visit.Status)
	}
	if runner.Stats().Failed != 1 {
		t.Error("Expected failure to be counted")
	}
}

func TestRunnerMissingVisit(t *testing.T) {
	runner, _, b, _ := newTestRunner(t, &fakeGenerator{note: "n"})

	runner.Generate("missing", "u1", "c1")
	runner.Wait()

	if len(b.deliveries) != 1 || b.deliveries[0].event.Type != protocol.EventError {
		t.Errorf("Expected error broadcast for a missing visit, got %+v", b.deliveries)
	}
}

func TestDisabledRunner(t *testing.T) {
	runner, _, b, _ := newTestRunner(t, nil)

	runner.Generate("v1", "u1", "c1")
	runner.Wait()

	if len(b.deliveries) != 0 {
		t.Errorf("Expected disabled runner to do nothing, got %d broadcasts", len(b.deliveries))
	}
	if runner.Enabled() {
		t.Error("Expected runner to report disabled")
	}
}

func TestStoppedRunnerIgnoresRequests(t *testing.T) {
	runner, visits, b, _ := newTestRunner(t, &fakeGenerator{note: "n"})
	runner.Stop()

	runner.Generate("v1", "u1", "c1")
	runner.Wait()

	if len(b.deliveries) != 0 {
		t.Errorf("Expected no work after stop, got %d broadcasts", len(b.deliveries))
	}

	visit, _ := visits.GetVisit(context.Background(), "v1")
	if visit.Status != store.StatusFinished {
		t.Errorf("Expected status FINISHED after stop, got %s", visit.Status)
	}
	if visit.Note != "" {
		t.Errorf("Expected no note, got %q", visit.Note)
	}
}

// blockingGenerator holds every request until its context ends
type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	close(g.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStopDuringGenerationFinishesVisit(t *testing.T) {
	generator := &blockingGenerator{started: make(chan struct{})}
	runner, visits, b, _ := newTestRunner(t, generator)

	runner.Generate("v1", "u1", "c1")
	<-generator.started
	runner.Stop()

	visit, _ := visits.GetVisit(context.Background(), "v1")
	if visit.Status != store.StatusFinished {
		t.Errorf("Expected status FINISHED, got %s", visit.Status)
	}
	if len(b.deliveries) != 1 || b.deliveries[0].event.Type != protocol.EventError {
		t.Errorf("Expected one error broadcast, got %+v", b.deliveries)
	}
}
