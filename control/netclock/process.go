package netclock

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/netclock/calendar"
)

// ErrNotSeeded is returned by ProcessClock.ReadTime before the first Seed.
var ErrNotSeeded = errors.New("process clock not seeded")

// ProcessClock is wall time carried forward by the monotonic clock from the last time someone
// told us what time it was.  Reading it never touches the bus.
type ProcessClock struct {
	clock clockwork.Clock
	loc   *time.Location

	mu       sync.Mutex
	base     time.Time // must hold mu
	seededAt time.Time // clock.Now() when base was set; must hold mu
}

// NewProcessClock returns an unseeded clock that reports times in loc.
func NewProcessClock(clock clockwork.Clock, loc *time.Location) *ProcessClock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.Local
	}
	return &ProcessClock{clock: clock, loc: loc}
}

// Seed sets the current time.
func (p *ProcessClock) Seed(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = t
	p.seededAt = p.clock.Now()
}

// Seeded reports whether Seed has been called.
func (p *ProcessClock) Seeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.seededAt.IsZero()
}

// Now returns the current time, or the zero time if the clock was never seeded.
func (p *ProcessClock) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seededAt.IsZero() {
		return time.Time{}
	}
	return p.base.Add(p.clock.Since(p.seededAt)).In(p.loc)
}

// ReadTime returns the current time broken down for display.
func (p *ProcessClock) ReadTime() (calendar.Time, error) {
	if !p.Seeded() {
		return calendar.Time{}, ErrNotSeeded
	}
	return calendar.FromTime(p.Now()), nil
}
