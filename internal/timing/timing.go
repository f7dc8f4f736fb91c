package timing

import (
	"context"
	"sync"
	"time"
)

// Sliding is a liveness deadline: it expires only when no Extend happened
// for a whole period.
type Sliding struct {
	period time.Duration
	timer  *time.Timer
}

func NewSliding(period time.Duration) *Sliding {
	return &Sliding{period: period, timer: time.NewTimer(period)}
}

func (s *Sliding) C() <-chan time.Time { return s.timer.C }

// Extend pushes the deadline to now+period.
func (s *Sliding) Extend() { s.timer.Reset(s.period) }

func (s *Sliding) Stop() { s.timer.Stop() }

// Watchdog calls OnExpire whenever Tap was not called for Timeout.
type Watchdog struct {
	timeout  time.Duration
	onExpire func(ctx context.Context)

	tap      chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
}

func NewWatchdog(timeout time.Duration, onExpire func(ctx context.Context)) *Watchdog {
	return &Watchdog{
		timeout:  timeout,
		onExpire: onExpire,
		tap:      make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (w *Watchdog) Tap() {
	select {
	case w.tap <- struct{}{}:
	default:
	}
}

func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watchdog) Run(ctx context.Context) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.tap:
			timer.Reset(w.timeout)
		case <-timer.C:
			if w.onExpire != nil {
				w.onExpire(ctx)
			}
			timer.Reset(w.timeout)
		}
	}
}
