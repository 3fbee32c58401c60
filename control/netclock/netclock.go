// Package netclock runs the clock: it seeds time from the RTC at startup, keeps the RTC in sync
// with the network, and keeps the display current, each in its own goroutine.
package netclock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/netclock/calendar"
	"github.com/jrockway/netclock/control/clock"
	"github.com/jrockway/netclock/control/netwatch"
	"github.com/jrockway/netclock/control/rtcsync"
	"github.com/jrockway/netclock/ds1307"
	"github.com/jrockway/netclock/timesource"
	"golang.org/x/sync/errgroup"
)

// MinReliableYear is the earliest year we believe the RTC about.  Anything before it means the
// backup battery died and the chip started over.
const MinReliableYear = 2024

// RTC is the clock chip.
type RTC interface {
	ReadTime() (calendar.Time, error)
	WriteTime(calendar.Time) error
	Halted() (bool, error)
}

// Stamper remembers when the RTC was last synced, somewhere that survives power loss.
type Stamper interface {
	SaveSyncStamp(time.Time) error
	LoadSyncStamp() (time.Time, error)
}

// Config is everything the App runs.  RTC and Source are required.
type Config struct {
	RTC    RTC
	Source timesource.Source
	// Stamps, if set, records each successful sync and is checked at startup.
	Stamps   Stamper
	Location *time.Location

	// Display, if set, shows the time.  It reads from the RTC unless DisplayFromProcess is set.
	Display            clock.Display
	DisplayOpts        clock.Opts
	DisplayFromProcess bool

	Interval       time.Duration
	Timeout        time.Duration
	SyncOnStart    bool
	SetSystemClock bool
	OnResult       []func(rtcsync.Result)

	// Network, if set, triggers a sync whenever the network comes up.
	Network *netwatch.Watcher
	// Background tasks run alongside everything else, like a gpsd session.
	Background []func(context.Context) error

	Clock clockwork.Clock
}

// App owns the long-running parts of the clock.
type App struct {
	Process *ProcessClock
	Sync    *rtcsync.Coordinator
	Display *clock.Clock // nil without a display

	cfg Config
}

// New wires everything together.  Nothing runs until Run.
func New(cfg Config) (*App, error) {
	if cfg.RTC == nil || cfg.Source == nil {
		return nil, errors.New("netclock: rtc and time source required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	a := &App{cfg: cfg, Process: NewProcessClock(cfg.Clock, cfg.Location)}

	hooks := []func(time.Time){a.Process.Seed}
	if cfg.SetSystemClock {
		hooks = append(hooks, func(t time.Time) {
			if err := setSystemClock(t); err != nil {
				log.Printf("set system clock: %v", err)
			}
		})
	}
	if cfg.Stamps != nil {
		hooks = append(hooks, func(t time.Time) {
			if err := cfg.Stamps.SaveSyncStamp(t); err != nil {
				log.Printf("save sync stamp: %v", err)
			}
		})
	}

	var status func(string)
	if cfg.Display != nil {
		var src clock.TimeReader = cfg.RTC
		if cfg.DisplayFromProcess {
			src = a.Process
		}
		opts := cfg.DisplayOpts
		d, err := clock.New(src, cfg.Display, &opts)
		if err != nil {
			return nil, fmt.Errorf("create display clock: %w", err)
		}
		a.Display = d
		status = d.SetStatus
	}

	coord, err := rtcsync.New(rtcsync.Config{
		Source:      cfg.Source,
		RTC:         cfg.RTC,
		Location:    cfg.Location,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		SyncOnStart: cfg.SyncOnStart,
		OnCommit:    hooks,
		OnResult:    cfg.OnResult,
		Status:      status,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("create sync coordinator: %w", err)
	}
	a.Sync = coord
	return a, nil
}

// Seed reads the RTC once and seeds the process clock from it, warning about any reason to
// doubt it.  The system clock is only set from an RTC that looks trustworthy.
func (a *App) Seed() error {
	trusted := true
	halted, err := a.cfg.RTC.Halted()
	if err != nil {
		return fmt.Errorf("check rtc oscillator: %w", err)
	}
	if halted {
		trusted = false
		log.Printf("warning: rtc oscillator is halted; time is untrustworthy until the first sync")
	}
	ct, err := a.cfg.RTC.ReadTime()
	if err != nil {
		return fmt.Errorf("read rtc: %w", err)
	}
	t := ct.In(a.cfg.Location)
	if t.Year() < MinReliableYear {
		trusted = false
		log.Printf("warning: rtc year %d is before %d; it has probably lost power", t.Year(), MinReliableYear)
	}
	if a.cfg.Stamps != nil {
		last, err := a.cfg.Stamps.LoadSyncStamp()
		switch {
		case errors.Is(err, ds1307.ErrNoSyncStamp):
			log.Printf("rtc has never been synced")
		case err != nil:
			log.Printf("load sync stamp: %v", err)
		case t.Before(last):
			trusted = false
			log.Printf("warning: rtc time %v is before its last sync at %v", t, last)
		default:
			log.Printf("rtc last synced %v ago", t.Sub(last).Truncate(time.Second))
		}
	}
	a.Process.Seed(t)
	log.Printf("seeded time from rtc: %v", t)

	if a.cfg.SetSystemClock && trusted {
		if err := setSystemClock(t); err != nil {
			log.Printf("set system clock: %v", err)
		}
	}
	return nil
}

// Run seeds the clock and runs the display, the sync loop, and the network watcher until the
// context is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Seed(); err != nil {
		log.Printf("seeding time from rtc failed; using system time until the first sync: %v", err)
		a.Process.Seed(time.Now())
	}

	eg, ctx := errgroup.WithContext(ctx)
	if a.Display != nil {
		eg.Go(func() error { return a.Display.Run(ctx) })
	}
	eg.Go(func() error { return a.Sync.Run(ctx) })
	if a.cfg.Network != nil {
		netCh := make(chan struct{})
		eg.Go(func() error { return a.cfg.Network.Run(ctx, netCh) })
		eg.Go(func() error { return a.forward(ctx, netCh) })
	}
	for _, f := range a.cfg.Background {
		eg.Go(func() error { return f(ctx) })
	}
	return eg.Wait()
}

// forward passes network-available events to the sync coordinator.
func (a *App) forward(ctx context.Context, ch <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("forward network events: %w", ctx.Err())
		case <-ch:
			if !a.Sync.Notify() {
				log.Printf("network came up while a sync was running or pending; not syncing again")
			}
		}
	}
}
