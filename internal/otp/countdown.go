package otp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Countdown is a uniquely owned one-second countdown. Starting it while a
// run is active replaces that run; there is never more than one ticker.
//
// The tick callback runs while the countdown's lock is held. It may call
// Remaining and Active but must not call Start or Cancel.
type Countdown struct {
	clock    clockwork.Clock
	interval time.Duration
	onTick   func(remaining int)

	remaining atomic.Int64

	mu   sync.Mutex
	gen  uint64
	stop chan struct{}
}

type CountdownOption func(*Countdown)

func WithCountdownClock(c clockwork.Clock) CountdownOption {
	return func(cd *Countdown) {
		if c != nil {
			cd.clock = c
		}
	}
}

// WithTickInterval overrides the one-second tick.
func WithTickInterval(d time.Duration) CountdownOption {
	return func(cd *Countdown) {
		if d > 0 {
			cd.interval = d
		}
	}
}

// OnTick registers fn to run after every decrement, including the final one
// that reaches zero.
func OnTick(fn func(remaining int)) CountdownOption {
	return func(cd *Countdown) {
		cd.onTick = fn
	}
}

func NewCountdown(opts ...CountdownOption) *Countdown {
	cd := &Countdown{
		clock:    clockwork.NewRealClock(),
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(cd)
	}
	return cd
}

// Start sets the countdown to seconds and begins ticking. Any active run is
// stopped first. Zero or negative seconds leave the countdown at 0 with no
// timer running.
func (cd *Countdown) Start(seconds int) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.stopLocked()
	if seconds <= 0 {
		cd.remaining.Store(0)
		return
	}
	cd.remaining.Store(int64(seconds))
	stop := make(chan struct{})
	cd.stop = stop
	go cd.run(cd.clock.NewTicker(cd.interval), stop, cd.gen)
}

// Cancel stops the active run and resets the countdown to 0. No tick
// callback fires after Cancel returns.
func (cd *Countdown) Cancel() {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.stopLocked()
	cd.remaining.Store(0)
}

// Remaining returns the seconds left. It never blocks.
func (cd *Countdown) Remaining() int {
	return int(cd.remaining.Load())
}

// Active reports whether a ticker is running.
func (cd *Countdown) Active() bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.stop != nil
}

func (cd *Countdown) stopLocked() {
	cd.gen++
	if cd.stop != nil {
		close(cd.stop)
		cd.stop = nil
	}
}

func (cd *Countdown) run(ticker clockwork.Ticker, stop <-chan struct{}, gen uint64) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !cd.tick(gen) {
				return
			}
		}
	}
}

// tick applies one decrement and reports whether the run continues.
func (cd *Countdown) tick(gen uint64) bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if cd.gen != gen {
		return false
	}
	left := cd.remaining.Add(-1)
	if left <= 0 {
		cd.remaining.Store(0)
		left = 0
		cd.stop = nil
	}
	if cd.onTick != nil {
		cd.onTick(int(left))
	}
	return left > 0
}
