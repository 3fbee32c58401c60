package timesource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/go-gpsd"
	"golang.org/x/net/trace"
)

// ErrNoFix means the receiver hasn't reported a time recently enough to trust.
var ErrNoFix = errors.New("no recent gps fix")

// GPSD remembers the time from the last TPV report that gpsd sent, and answers FetchTime by
// advancing it by however long ago that was.  Run must be running for it to ever succeed.
//
// This is only as good as the latency between the receiver and gpsd, typically tens of
// milliseconds over serial, which is plenty for a clock with one-second resolution.
type GPSD struct {
	// Addr is gpsd's address; empty means localhost:2947.
	Addr string
	// MaxAge is how old a fix may be before it's considered stale; 0 means 10 seconds.
	MaxAge time.Duration

	clock clockwork.Clock

	mu   sync.Mutex
	fix  time.Time // time reported by the receiver
	seen time.Time // local clock reading when fix arrived
}

func (g *GPSD) String() string { return "gpsd:" + g.addr() }

func (g *GPSD) addr() string {
	if g.Addr == "" {
		return "localhost:2947"
	}
	return g.Addr
}

func (g *GPSD) clk() clockwork.Clock {
	if g.clock == nil {
		return clockwork.NewRealClock()
	}
	return g.clock
}

func (g *GPSD) maxAge() time.Duration {
	if g.MaxAge <= 0 {
		return 10 * time.Second
	}
	return g.MaxAge
}

// FetchTime implements Source.
func (g *GPSD) FetchTime(ctx context.Context) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return carryForward(g.String(), g.fix, g.seen, g.clk().Now(), g.maxAge())
}

// carryForward advances a fix that arrived at seen to now, unless it's too old to trust.
func carryForward(source string, fix, seen, now time.Time, maxAge time.Duration) (time.Time, error) {
	if seen.IsZero() {
		return time.Time{}, &FetchError{Source: source, Err: ErrNoFix}
	}
	age := now.Sub(seen)
	if age > maxAge {
		return time.Time{}, &FetchError{Source: source, Err: fmt.Errorf("last fix %s ago: %w", age, ErrNoFix)}
	}
	return fix.Add(age), nil
}

func (g *GPSD) observe(tpv *gpsd.TPVReport) {
	if tpv == nil || tpv.Time.IsZero() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fix = tpv.Time
	g.seen = g.clk().Now()
}

// Run watches gpsd until the context is cancelled, reconnecting whenever the session dies or
// goes quiet.
func (g *GPSD) Run(ctx context.Context) error {
	l := trace.NewEventLog("service", "gpsd")
	defer l.Finish()
	for {
		g.watch(ctx, l)
		select {
		case <-ctx.Done():
			return fmt.Errorf("watch gpsd: %w", ctx.Err())
		case <-time.After(10 * time.Second):
		}
	}
}

func (g *GPSD) watch(ctx context.Context, l trace.EventLog) {
	watchdog := make(chan struct{})
	l.Printf("dial %s", g.addr())
	gps, err := gpsd.Dial(g.addr())
	if err != nil {
		l.Errorf("dial gpsd: %v", err)
		return
	}
	gps.AddFilter("TPV", func(r interface{}) {
		tpv, ok := r.(*gpsd.TPVReport)
		if !ok {
			return
		}
		g.observe(tpv)
		select {
		case watchdog <- struct{}{}:
		default:
		}
	})
	log.Printf("starting gpsd watch loop")
	done := gps.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			l.Errorf("gpsd watch stopped; restarting")
			return
		case <-time.After(time.Minute):
			l.Errorf("gpsd hasn't sent a fix for 1 minute; restarting")
			return
		case <-watchdog:
		}
	}
}
