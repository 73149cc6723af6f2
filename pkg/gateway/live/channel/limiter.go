package channel

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundLimiter is a token bucket over client audio frames, limiting both
// frames per second and bytes per second. A nil limiter allows everything.
type inboundLimiter struct {
	now func() time.Time
	fps *rate.Limiter
	bps *rate.Limiter
}

func newInboundLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundLimiter{now: now}
	if fps > 0 {
		l.fps = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bps = rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds)
	}
	return l
}

// Allow takes one frame and frameBytes bytes, or nothing when either budget
// is short.
func (l *inboundLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	now := l.now()

	frame, ok := reserveNow(l.fps, now, 1)
	if !ok {
		return false
	}
	if _, ok := reserveNow(l.bps, now, frameBytes); !ok {
		if frame != nil {
			frame.CancelAt(now)
		}
		return false
	}
	return true
}

// reserveNow reserves n tokens only if they are available at now. A nil
// limiter always succeeds.
func reserveNow(lim *rate.Limiter, now time.Time, n int) (*rate.Reservation, bool) {
	if lim == nil {
		return nil, true
	}
	r := lim.ReserveN(now, n)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, false
	}
	return r, true
}
