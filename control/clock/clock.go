// Package clock puts the time on a character display.
//
// Each row of the display has a line buffer that lives as long as the Clock.  A refresh
// blank-fills each buffer, copies the new text over the front, and writes the whole row.
// The display is never cleared, so nothing flickers, and nothing is allocated per tick.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrockway/netclock/calendar"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	missedTicksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missed_ticks",
		Help: "count of ticks that were generated but never received by anything",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_delay",
		Help:    "amount of time between the scheduled tick and when it is sent to the channel, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 20),
	})

	refreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "display_refresh_errors",
		Help: "count of display refreshes that were skipped, by the step that failed",
	}, []string{"step"})
)

// Tick sends the current time to the provided channel at every multiple of interval.  An absent
// listener will not receive an outdated time; the tick will be skipped and the
// missedTicksCounter incremented.  Cancelling the context causes this to return immediately.
func Tick(ctx context.Context, interval time.Duration, ch chan time.Time) error {
	if interval <= 0 {
		return errors.New("tick interval must be positive")
	}
	for {
		next := time.Now().Add(interval).Truncate(interval)

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next tick: %w", ctx.Err())
		}

		select {
		case <-time.After(interval / 2):
			missedTicksCounter.Inc()
		case <-ctx.Done():
			return fmt.Errorf("waiting to send tick: %w", ctx.Err())
		case ch <- next:
			tickDelayMetric.Observe(float64(time.Since(next).Nanoseconds()))
		}
	}
}

// TimeReader is where the clock gets the time from; the RTC or something seeded from it.
type TimeReader interface {
	ReadTime() (calendar.Time, error)
}

// Display is the part of a periph display.TextDisplay that the clock uses.
type Display interface {
	MoveTo(row, col int) error
	Write(p []byte) (int, error)
	Rows() int
	Cols() int
	MinRow() int
	MinCol() int
}

// DateFormat selects how the date row is drawn.
type DateFormat int

const (
	DayMonthYear DateFormat = iota // 07/03/2024
	ISO                            // 2024-03-07
)

// Opts configures a Clock.
type Opts struct {
	// Interval between refreshes; 0 means 500ms.
	Interval time.Duration
	// TwelveHour draws 03:04:05 instead of 15:04:05, with AM/PM if the row is wide enough.
	TwelveHour bool
	Date       DateFormat
	// StatusHold is how long a status message replaces the date; 0 means 3s.
	StatusHold time.Duration
}

// Clock refreshes a display with the time.
type Clock struct {
	src     TimeReader
	display Display
	opts    Opts
	events  trace.EventLog

	lines [][]byte // one per row, len == Cols()

	statusMu    sync.Mutex
	status      string    // must hold statusMu
	statusUntil time.Time // must hold statusMu
}

// New returns a clock that draws the time from src onto d.
func New(src TimeReader, d Display, opts *Opts) (*Clock, error) {
	if src == nil || d == nil {
		return nil, errors.New("clock: time source and display required")
	}
	c := &Clock{src: src, display: d, events: trace.NewEventLog("display", "clock")}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.Interval <= 0 {
		c.opts.Interval = 500 * time.Millisecond
	}
	if c.opts.StatusHold <= 0 {
		c.opts.StatusHold = 3 * time.Second
	}
	rows, cols := d.Rows(), d.Cols()
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("clock: unusable display geometry %dx%d", rows, cols)
	}
	if rows > 2 {
		rows = 2
	}
	c.lines = make([][]byte, rows)
	for i := range c.lines {
		c.lines[i] = make([]byte, cols)
	}
	return c, nil
}

// SetStatus shows msg in place of the date until the hold period expires.  It's safe to call
// from any goroutine.
func (c *Clock) SetStatus(msg string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = msg
	c.statusUntil = time.Now().Add(c.opts.StatusHold)
}

// Run refreshes the display until the context is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	tickErrCh := make(chan error)
	tickCh := make(chan time.Time)
	go func() {
		err := Tick(ctx, c.opts.Interval, tickCh)
		select {
		case tickErrCh <- err:
		case <-ctx.Done():
		}
		close(tickErrCh)
	}()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("display loop: %w", ctx.Err())
		case err := <-tickErrCh:
			return fmt.Errorf("ticker: %w", err)
		case now := <-tickCh:
			if err := c.Refresh(now); err != nil {
				c.events.Errorf("refresh skipped: %v", err)
			}
		}
	}
}

// Refresh reads the time and redraws every row.  now decides whether a status message is
// still being held.  On error the rest of this refresh is skipped; the next tick tries again.
func (c *Clock) Refresh(now time.Time) error {
	t, err := c.src.ReadTime()
	if err != nil {
		refreshErrors.WithLabelValues("read").Inc()
		return fmt.Errorf("read time: %w", err)
	}

	putTime(blank(c.lines[0]), t, c.opts.TwelveHour)
	if len(c.lines) > 1 {
		line := blank(c.lines[1])
		if !c.putStatus(line, now) {
			putDate(line, t, c.opts.Date)
		}
	}

	row, col := c.display.MinRow(), c.display.MinCol()
	for i, line := range c.lines {
		if err := c.display.MoveTo(row+i, col); err != nil {
			refreshErrors.WithLabelValues("move").Inc()
			return fmt.Errorf("move to row %d: %w", row+i, err)
		}
		if _, err := c.display.Write(line); err != nil {
			refreshErrors.WithLabelValues("write").Inc()
			return fmt.Errorf("write row %d: %w", row+i, err)
		}
	}
	return nil
}

func (c *Clock) putStatus(line []byte, now time.Time) bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.status == "" || now.After(c.statusUntil) {
		return false
	}
	copy(line, c.status)
	return true
}

func blank(line []byte) []byte {
	for i := range line {
		line[i] = ' '
	}
	return line
}

// put2 writes v as two digits, if there's room.
func put2(line []byte, at, v int) {
	if at+1 >= len(line) {
		if at < len(line) {
			line[at] = '0' + byte(v/10%10)
		}
		return
	}
	line[at] = '0' + byte(v/10%10)
	line[at+1] = '0' + byte(v%10)
}

func putByte(line []byte, at int, b byte) {
	if at < len(line) {
		line[at] = b
	}
}

func putTime(line []byte, t calendar.Time, twelveHour bool) {
	h := t.Hour
	if twelveHour {
		h = h % 12
		if h == 0 {
			h = 12
		}
	}
	put2(line, 0, h)
	putByte(line, 2, ':')
	put2(line, 3, t.Minute)
	putByte(line, 5, ':')
	put2(line, 6, t.Second)
	if twelveHour && len(line) >= 11 {
		if t.Hour < 12 {
			copy(line[9:], "AM")
		} else {
			copy(line[9:], "PM")
		}
	}
}

func putDate(line []byte, t calendar.Time, f DateFormat) {
	switch f {
	case ISO:
		put2(line, 0, t.Year/100)
		put2(line, 2, t.Year)
		putByte(line, 4, '-')
		put2(line, 5, int(t.Month))
		putByte(line, 7, '-')
		put2(line, 8, t.Day)
	default:
		put2(line, 0, t.Day)
		putByte(line, 2, '/')
		put2(line, 3, int(t.Month))
		putByte(line, 5, '/')
		put2(line, 6, t.Year/100)
		put2(line, 8, t.Year)
	}
}
