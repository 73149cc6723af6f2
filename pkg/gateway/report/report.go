// Package report stores the terminal outcome of every interview session.
package report

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
)

// Sink records terminal session reports.
type Sink interface {
	Record(ctx context.Context, r relay.Report) error
}

// Record is the flattened, storable form of a relay.Report.
type Record struct {
	SessionID       string    `json:"session_id"`
	State           string    `json:"state"`
	Cause           string    `json:"cause"`
	Direction       string    `json:"direction,omitempty"`
	Recoverable     bool      `json:"recoverable"`
	Error           string    `json:"error,omitempty"`
	SecondaryErrors []string  `json:"secondary_errors,omitempty"`
	Intent          string    `json:"intent,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMS      int64     `json:"duration_ms"`
	ChunksIn        int64     `json:"chunks_in"`
	ChunksOut       int64     `json:"chunks_out"`
	BytesIn         int64     `json:"bytes_in"`
	BytesOut        int64     `json:"bytes_out"`
	Dropped         int64     `json:"dropped"`
}

func FromReport(r relay.Report) Record {
	rec := Record{
		SessionID:   r.SessionID,
		State:       r.State.String(),
		Cause:       r.CauseKind(),
		Recoverable: true,
		Intent:      r.Intent,
		StartedAt:   r.StartedAt.UTC(),
		EndedAt:     r.EndedAt.UTC(),
		DurationMS:  r.Duration().Milliseconds(),
		ChunksIn:    r.ChunksIn,
		ChunksOut:   r.ChunksOut,
		BytesIn:     r.BytesIn,
		BytesOut:    r.BytesOut,
		Dropped:     r.Dropped,
	}
	if r.Cause != nil {
		rec.Direction = r.Cause.Direction.String()
		rec.Recoverable = r.Cause.Recoverable
		rec.Error = r.Cause.Error()
	}
	for _, err := range r.Errors {
		if err != nil {
			rec.SecondaryErrors = append(rec.SecondaryErrors, err.Error())
		}
	}
	return rec
}

// Outcome is the "<state>:<cause>" key used for outcome counters.
func (r Record) Outcome() string {
	return r.State + ":" + r.Cause
}

// Multi fans a report out to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, r relay.Report) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one structured line per session.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(_ context.Context, r relay.Report) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := FromReport(r)
	logger.Info("session report",
		"session_id", rec.SessionID,
		"outcome", rec.Outcome(),
		"recoverable", rec.Recoverable,
		"duration_ms", rec.DurationMS,
		"bytes_in", rec.BytesIn,
		"bytes_out", rec.BytesOut,
	)
	return nil
}
