// Package rtcsync keeps the RTC honest by periodically setting it from a network time
// source.
//
// A sync pass fetches the time and, only if that worked, writes it to the RTC in one bus
// transaction.  A failed fetch leaves the RTC alone; its time is stale but still the best
// we have.  Passes run on a fixed interval, and immediately when the network comes up.
package rtcsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/netclock/calendar"
	"github.com/jrockway/netclock/timesource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_sync_attempts",
		Help: "count of rtc sync passes, by result",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtc_sync_fetch_seconds",
		Help:    "time spent fetching network time during a sync pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	rtcDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtc_drift_seconds",
		Help: "network time minus rtc time, measured just before the last successful sync",
	})

	lastSync = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtc_last_sync_timestamp_seconds",
		Help: "unix time of the last successful rtc sync",
	})

	networkSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "network_available_signals",
		Help: "count of network-available notifications, by what happened to them",
	}, []string{"result"})
)

// ErrBusy is returned by SyncOnce when another pass is already running.
var ErrBusy = errors.New("sync pass already in progress")

// Phase is where the coordinator is in its cycle.
type Phase int

const (
	Idle Phase = iota
	Syncing
	Success
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Success:
		return "success"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Status messages shown on the display while syncing.
const (
	StatusUpdating     = "Updating time..."
	StatusDone         = "Done"
	StatusNetworkError = "Network error!"
	StatusClockError   = "Clock error!"
)

// RTC is the part of the clock driver the coordinator needs.
type RTC interface {
	ReadTime() (calendar.Time, error)
	WriteTime(calendar.Time) error
}

// Config configures a Coordinator.
type Config struct {
	Source timesource.Source
	RTC    RTC
	// Location is the zone the RTC keeps time in; nil means time.Local.
	Location *time.Location
	// Interval between passes; 0 means 15 minutes.
	Interval time.Duration
	// Timeout bounds each network fetch; 0 means 10 seconds.
	Timeout time.Duration
	// SyncOnStart runs a pass as soon as Run starts.
	SyncOnStart bool
	// OnCommit is called with the new time after every successful RTC write.
	OnCommit []func(time.Time)
	// OnResult is called after every pass, once the coordinator is idle again.
	OnResult []func(Result)
	// Status, if set, receives short human-readable progress messages.
	Status func(string)
	// Clock drives the interval timer; nil means the real clock.
	Clock clockwork.Clock
}

// State is a snapshot of the coordinator's bookkeeping.
type State struct {
	Phase       Phase
	Source      string
	Interval    time.Duration
	LastAttempt time.Time
	LastResult  Phase
	LastSync    time.Time
	LastError   error
	LastDrift   time.Duration
	Attempts    int
	Failures    int
}

// Result is the outcome of one pass.
type Result struct {
	Phase Phase // Success or Failed
	Time  time.Time
	Drift time.Duration // network time minus rtc time before the write
	Took  time.Duration // how long the source took to answer
	Err   error
}

// Coordinator runs sync passes.
type Coordinator struct {
	cfg    Config
	clock  clockwork.Clock
	events trace.EventLog

	signal  chan struct{} // pending network-available signal, at most one
	syncing atomic.Bool

	mu    sync.Mutex
	state State // must hold mu
}

// New returns a coordinator.  It doesn't do anything until Run or SyncOnce.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Source == nil {
		return nil, errors.New("rtcsync: time source required")
	}
	if cfg.RTC == nil {
		return nil, errors.New("rtcsync: rtc required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		cfg:    cfg,
		clock:  cfg.Clock,
		events: trace.NewEventLog("service", "rtc-sync"),
		signal: make(chan struct{}, 1),
		state: State{
			Source:   cfg.Source.String(),
			Interval: cfg.Interval,
		},
	}, nil
}

// State returns a snapshot of the coordinator's state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Notify tells the coordinator that the network just became available.  If it's idle, a pass
// starts right away and the interval timer restarts from there.  If a pass is already
// running the signal is dropped; that pass, or the next one, covers it.  Notify never
// blocks, and reports whether it scheduled a pass.
func (c *Coordinator) Notify() bool {
	if c.syncing.Load() {
		networkSignals.WithLabelValues("dropped").Inc()
		c.events.Printf("network available while syncing; ignored")
		return false
	}
	select {
	case c.signal <- struct{}{}:
		networkSignals.WithLabelValues("accepted").Inc()
		return true
	default:
		networkSignals.WithLabelValues("coalesced").Inc()
		return false
	}
}

// Run runs passes until the context is cancelled.  Pass failures are recorded, never
// returned.
func (c *Coordinator) Run(ctx context.Context) error {
	timer := c.clock.NewTimer(c.cfg.Interval)
	defer timer.Stop()
	log.Printf("rtc sync: every %s from %s", c.cfg.Interval, c.cfg.Source)
	if c.cfg.SyncOnStart {
		c.SyncOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sync loop: %w", ctx.Err())
		case <-timer.Chan():
			timer.Reset(c.cfg.Interval)
		case <-c.signal:
			c.events.Printf("network available; syncing now")
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
			timer.Reset(c.cfg.Interval)
		}
		c.SyncOnce(ctx)
	}
}

// SyncOnce runs one pass now.
func (c *Coordinator) SyncOnce(ctx context.Context) Result {
	if !c.syncing.CompareAndSwap(false, true) {
		return Result{Phase: Failed, Err: ErrBusy}
	}

	c.mu.Lock()
	c.state.Phase = Syncing
	c.state.LastAttempt = c.clock.Now()
	c.mu.Unlock()

	res := c.pass(ctx)
	c.record(res)

	// Signals that slipped in while we were busy are dropped, not queued.
	select {
	case <-c.signal:
		networkSignals.WithLabelValues("dropped").Inc()
	default:
	}
	c.syncing.Store(false)

	for _, f := range c.cfg.OnResult {
		f(res)
	}
	return res
}

func (c *Coordinator) pass(ctx context.Context) Result {
	c.status(StatusUpdating)

	start := c.clock.Now()
	fctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	t, err := c.cfg.Source.FetchTime(fctx)
	cancel()
	took := c.clock.Since(start)
	syncDuration.Observe(took.Seconds())
	if err != nil {
		c.status(StatusNetworkError)
		return Result{Phase: Failed, Took: took, Err: err}
	}

	// The chip restarts its seconds countdown when written, so rounding is as close as we
	// can get.
	t = t.Round(time.Second).In(c.cfg.Location)
	ct := calendar.FromTime(t)
	if err := ct.Validate(); err != nil {
		c.status(StatusNetworkError)
		return Result{Phase: Failed, Took: took, Err: fmt.Errorf("network time %v not representable: %w", t, err)}
	}

	var drift time.Duration
	if before, err := c.cfg.RTC.ReadTime(); err == nil {
		drift = t.Sub(before.In(c.cfg.Location))
	} else {
		c.events.Errorf("read rtc before sync: %v", err)
	}

	if err := c.cfg.RTC.WriteTime(ct); err != nil {
		c.status(StatusClockError)
		return Result{Phase: Failed, Took: took, Err: fmt.Errorf("write rtc: %w", err)}
	}
	for _, f := range c.cfg.OnCommit {
		f(t)
	}
	c.status(StatusDone)
	return Result{Phase: Success, Time: t, Drift: drift, Took: took}
}

func (c *Coordinator) record(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Phase = Idle
	c.state.LastResult = res.Phase
	c.state.Attempts++
	if res.Err != nil {
		c.state.Failures++
		c.state.LastError = res.Err
		syncAttempts.WithLabelValues("failed").Inc()
		c.events.Errorf("sync failed: %v", res.Err)
		log.Printf("rtc sync failed; keeping rtc time: %v", res.Err)
		return
	}
	c.state.LastError = nil
	c.state.LastSync = res.Time
	c.state.LastDrift = res.Drift
	syncAttempts.WithLabelValues("success").Inc()
	rtcDrift.Set(res.Drift.Seconds())
	lastSync.Set(float64(res.Time.Unix()))
	c.events.Printf("set rtc to %v (drift %s)", res.Time, res.Drift)
}

func (c *Coordinator) status(msg string) {
	if c.cfg.Status != nil {
		c.cfg.Status(msg)
	}
}
