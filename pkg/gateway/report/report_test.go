package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/interview-relay/pkg/gateway/live/relay"
)

func sampleReport() relay.Report {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return relay.Report{
		SessionID: "sess_abc",
		State:     relay.StateClosed,
		Cause:     relay.NewError(relay.KindSendFailed, relay.DirectionUpstreamToClient, io.ErrClosedPipe),
		Errors:    []error{errors.New("close upstream: already closed"), nil},
		Intent:    "start",
		StartedAt: start,
		EndedAt:   start.Add(1500 * time.Millisecond),
		ChunksIn:  3,
		ChunksOut: 2,
		BytesIn:   9600,
		BytesOut:  9600,
		Dropped:   1,
	}
}

func TestFromReport(t *testing.T) {
	rec := FromReport(sampleReport())

	assert.Equal(t, "sess_abc", rec.SessionID)
	assert.Equal(t, "closed", rec.State)
	assert.Equal(t, "send_failed", rec.Cause)
	assert.Equal(t, "upstream_to_client", rec.Direction)
	assert.False(t, rec.Recoverable)
	assert.Contains(t, rec.Error, "closed pipe")
	assert.Equal(t, []string{"close upstream: already closed"}, rec.SecondaryErrors)
	assert.EqualValues(t, 1500, rec.DurationMS)
	assert.Equal(t, "closed:send_failed", rec.Outcome())
}

func TestFromReport_NoCause(t *testing.T) {
	rec := FromReport(relay.Report{SessionID: "s", State: relay.StateClosed})
	assert.Equal(t, "none", rec.Cause)
	assert.True(t, rec.Recoverable)
	assert.Empty(t, rec.Direction)
	assert.Equal(t, "closed:none", rec.Outcome())
}

type sinkFunc func(context.Context, relay.Report) error

func (f sinkFunc) Record(ctx context.Context, r relay.Report) error { return f(ctx, r) }

func TestMulti_RecordsEverySinkAndJoinsErrors(t *testing.T) {
	var calls int
	errA := errors.New("redis down")
	errB := errors.New("postgres down")
	m := Multi{
		sinkFunc(func(context.Context, relay.Report) error { calls++; return errA }),
		nil,
		sinkFunc(func(context.Context, relay.Report) error { calls++; return nil }),
		sinkFunc(func(context.Context, relay.Report) error { calls++; return errB }),
	}

	err := m.Record(context.Background(), sampleReport())
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)

	assert.NoError(t, Multi{}.Record(context.Background(), sampleReport()))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, s.Record(context.Background(), sampleReport()))

	out := buf.String()
	assert.Contains(t, out, "session report")
	assert.Contains(t, out, "session_id=sess_abc")
	assert.Contains(t, out, "outcome=closed:send_failed")
}
