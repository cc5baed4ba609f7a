package session

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// countdownTick is the recompute period of every countdown slot.
const countdownTick = time.Second

// CountdownValue is what a countdown slot publishes: the whole seconds left,
// or inactive.
type CountdownValue struct {
	Seconds int  `json:"seconds"`
	Active  bool `json:"active"`
}

// Inactive is the value published when a slot has nothing to count.
var Inactive = CountdownValue{}

// Countdown turns an absolute server instant plus a duration into a
// decreasing whole-second countdown. At most one tick loop is live per slot:
// Arm cancels the previous loop before scheduling a new one, and the loop
// stops itself once the countdown reaches zero.
type Countdown struct {
	name     string
	clock    clockwork.Clock
	onChange func(CountdownValue)

	mu       sync.Mutex
	deadline time.Time
	value    CountdownValue
	ticker   clockwork.Ticker
	stop     chan struct{}
	gen      uint64

	live atomic.Int32
}

// NewCountdown creates an inactive slot. onChange is called with every
// published value while the slot's lock is held, so it must not block or
// call back into the slot.
func NewCountdown(name string, clock clockwork.Clock, onChange func(CountdownValue)) *Countdown {
	if onChange == nil {
		onChange = func(CountdownValue) {}
	}
	return &Countdown{
		name:     name,
		clock:    clock,
		onChange: onChange,
	}
}

// Arm (re)starts the countdown towards target+duration. A nil target makes
// the slot inactive without scheduling anything.
func (c *Countdown) Arm(target *time.Time, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()

	if target == nil {
		c.publishLocked(Inactive)
		return
	}

	c.deadline = target.Add(duration)
	remaining := c.remainingLocked()
	if remaining <= 0 {
		c.publishLocked(Inactive)
		return
	}
	c.publishLocked(CountdownValue{Seconds: remaining, Active: true})

	c.ticker = c.clock.NewTicker(countdownTick)
	c.stop = make(chan struct{})
	c.live.Add(1)
	go c.loop(c.gen, c.ticker, c.stop)

	log.Debug().
		Str("slot", c.name).
		Time("deadline", c.deadline).
		Int("remaining", remaining).
		Msg("countdown armed")
}

// Cancel stops the slot and marks it inactive.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()
	c.value = Inactive
}

// Value returns the last published value.
func (c *Countdown) Value() CountdownValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// LiveTicks returns the number of tick loops that have not exited yet.
func (c *Countdown) LiveTicks() int {
	return int(c.live.Load())
}

func (c *Countdown) loop(gen uint64, ticker clockwork.Ticker, stop chan struct{}) {
	defer c.live.Add(-1)

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if done := c.tick(gen); done {
				return
			}
		}
	}
}

// tick recomputes the countdown. It reports true once the loop should exit,
// either because the slot was re-armed or because it reached zero.
func (c *Countdown) tick(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return true
	}

	remaining := c.remainingLocked()
	if remaining > 0 {
		c.publishLocked(CountdownValue{Seconds: remaining, Active: true})
		return false
	}

	c.cancelLocked()
	c.publishLocked(Inactive)
	log.Debug().Str("slot", c.name).Msg("countdown finished")
	return true
}

// cancelLocked stops the live ticker, if any, and invalidates its loop.
func (c *Countdown) cancelLocked() {
	c.gen++
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	close(c.stop)
	c.ticker = nil
	c.stop = nil
}

func (c *Countdown) remainingLocked() int {
	return int(math.Round(c.deadline.Sub(c.clock.Now()).Seconds()))
}

func (c *Countdown) publishLocked(v CountdownValue) {
	c.value = v
	c.onChange(v)
}
