// Package transcript appends finalized utterances to a visit's stored
// transcript as timestamped lines.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/metrics"
	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/store"
)

// DefaultTimeout bounds one read-modify-write against the store
const DefaultTimeout = 10 * time.Second

// FormatLine renders an utterance as "[HH:MM:SS] text" in UTC
func FormatLine(text string, ts time.Time) string {
	return fmt.Sprintf("[%s] %s", ts.UTC().Format("15:04:05"), text)
}

// Append adds line to transcript, separated by a newline when the transcript
// already has content
func Append(transcript, line string) string {
	if transcript == "" {
		return line
	}
	return transcript + "\n" + line
}

// Assembler persists utterances for visits. Writes are last-write-wins; each
// visit has a single active speech stream so appends do not race.
type Assembler struct {
	store   store.VisitStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewAssembler creates an assembler writing to visits
func NewAssembler(visits store.VisitStore, logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Assembler{
		store:   visits,
		logger:  logger,
		metrics: m,
		timeout: timeout,
	}
}

// Store appends one utterance to the visit transcript and returns the stored
// line. A store failure is logged and the utterance is dropped; ok is false.
func (a *Assembler) Store(ctx context.Context, visitID, text string, ts time.Time) (line string, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	line = FormatLine(text, ts)

	visit, err := a.store.GetVisit(ctx, visitID)
	if err != nil {
		a.drop(visitID, line, fmt.Errorf("read visit: %w", err))
		return line, false
	}

	transcript := Append(visit.Transcript, line)
	if _, err := a.store.UpdateVisit(ctx, visitID, store.VisitUpdate{Transcript: &transcript}); err != nil {
		a.drop(visitID, line, fmt.Errorf("update visit: %w", err))
		return line, false
	}

	a.metrics.RecordUtterance(true)
	a.logger.Debug("Utterance stored",
		slog.String("visit_id", visitID),
		slog.Int("length", len(text)),
	)

	return line, true
}

func (a *Assembler) drop(visitID, line string, err error) {
	a.metrics.RecordUtterance(false)
	a.logger.Error("Dropping utterance",
		slog.String("visit_id", visitID),
		slog.String("line", line),
		slog.String("error", err.Error()),
	)
}
