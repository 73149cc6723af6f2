package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// It is used for readiness draining during graceful shutdown.
type Lifecycle struct {
	draining  atomic.Bool
	startedAt time.Time
}

func New(now time.Time) *Lifecycle {
	return &Lifecycle{startedAt: now}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is measured from New. It is zero for a nil or zero Lifecycle.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil || l.startedAt.IsZero() {
		return 0
	}
	return now.Sub(l.startedAt)
}
