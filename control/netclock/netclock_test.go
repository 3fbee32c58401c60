package netclock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/netclock/calendar"
	"github.com/jrockway/netclock/control/netwatch"
	"github.com/jrockway/netclock/ds1307"
)

type memRTC struct {
	sync.Mutex
	t       calendar.Time
	halted  bool
	readErr error
	stamp   time.Time
	writes  int
}

func (m *memRTC) ReadTime() (calendar.Time, error) {
	m.Lock()
	defer m.Unlock()
	return m.t, m.readErr
}

func (m *memRTC) WriteTime(t calendar.Time) error {
	m.Lock()
	defer m.Unlock()
	m.t, m.halted = t, false
	m.writes++
	return nil
}

func (m *memRTC) Halted() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.halted, nil
}

func (m *memRTC) SaveSyncStamp(t time.Time) error {
	m.Lock()
	defer m.Unlock()
	m.stamp = t
	return nil
}

func (m *memRTC) LoadSyncStamp() (time.Time, error) {
	m.Lock()
	defer m.Unlock()
	if m.stamp.IsZero() {
		return time.Time{}, ds1307.ErrNoSyncStamp
	}
	return m.stamp, nil
}

type fixedSource struct {
	t     time.Time
	calls chan struct{}
}

func (f *fixedSource) String() string { return "fixed" }

func (f *fixedSource) FetchTime(ctx context.Context) (time.Time, error) {
	if f.calls != nil {
		f.calls <- struct{}{}
	}
	return f.t, nil
}

// lockedGrid is a 2x16 display that's safe to read while the clock writes to it.
type lockedGrid struct {
	sync.Mutex
	rows     [2][16]byte
	row, col int
}

func (g *lockedGrid) Rows() int   { return 2 }
func (g *lockedGrid) Cols() int   { return 16 }
func (g *lockedGrid) MinRow() int { return 0 }
func (g *lockedGrid) MinCol() int { return 0 }

func (g *lockedGrid) MoveTo(row, col int) error {
	g.Lock()
	defer g.Unlock()
	g.row, g.col = row, col
	return nil
}

func (g *lockedGrid) Write(p []byte) (int, error) {
	g.Lock()
	defer g.Unlock()
	n := copy(g.rows[g.row][g.col:], p)
	g.col += n
	return n, nil
}

func (g *lockedGrid) line(i int) string {
	g.Lock()
	defer g.Unlock()
	return string(g.rows[i][:])
}

var (
	rtcTime     = calendar.Time{Year: 2024, Month: time.March, Day: 7, Hour: 14, Minute: 30, Second: 45, Weekday: time.Thursday}
	networkTime = time.Date(2025, time.July, 4, 9, 15, 0, 0, time.UTC)
)

func TestProcessClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewProcessClock(clock, time.UTC)
	if _, err := p.ReadTime(); !errors.Is(err, ErrNotSeeded) {
		t.Errorf("unseeded read: expected ErrNotSeeded, got %v", err)
	}
	if !p.Now().IsZero() {
		t.Errorf("unseeded now should be zero")
	}
	p.Seed(networkTime)
	clock.Advance(90 * time.Second)
	if got, want := p.Now(), networkTime.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("now:\n  got: %v\n want: %v", got, want)
	}
	ct, err := p.ReadTime()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ct, calendar.FromTime(networkTime.Add(90*time.Second)); got != want {
		t.Errorf("read time:\n  got: %v\n want: %v", got, want)
	}
}

func TestSeed(t *testing.T) {
	testData := []struct {
		name    string
		rtc     *memRTC
		wantErr bool
	}{
		{name: "good", rtc: &memRTC{t: rtcTime}},
		{name: "halted", rtc: &memRTC{t: rtcTime, halted: true}},
		{name: "lost power", rtc: &memRTC{t: calendar.Time{Year: 2000, Month: 1, Day: 1, Weekday: time.Saturday}}},
		{name: "behind last sync", rtc: &memRTC{t: rtcTime, stamp: networkTime}},
		{name: "unreadable", rtc: &memRTC{readErr: errors.New("nack")}, wantErr: true},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			a, err := New(Config{RTC: test.rtc, Stamps: test.rtc, Source: &fixedSource{t: networkTime}, Location: time.UTC, Clock: clockwork.NewFakeClock()})
			if err != nil {
				t.Fatal(err)
			}
			err = a.Seed()
			if test.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				if a.Process.Seeded() {
					t.Error("process clock seeded despite error")
				}
				return
			}
			if err != nil {
				t.Fatalf("seed: %v", err)
			}
			want := test.rtc.t.In(time.UTC)
			if got := a.Process.Now(); !got.Equal(want) {
				t.Errorf("process clock:\n  got: %v\n want: %v", got, want)
			}
		})
	}
}

func TestCommitReseeds(t *testing.T) {
	rtc := &memRTC{t: rtcTime}
	a, err := New(Config{RTC: rtc, Stamps: rtc, Source: &fixedSource{t: networkTime}, Location: time.UTC, Clock: clockwork.NewFakeClock()})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Seed(); err != nil {
		t.Fatal(err)
	}
	if res := a.Sync.SyncOnce(context.Background()); res.Err != nil {
		t.Fatalf("sync: %v", res.Err)
	}
	if got, want := a.Process.Now(), networkTime; !got.Equal(want) {
		t.Errorf("process clock after sync:\n  got: %v\n want: %v", got, want)
	}
	if got, want := rtc.stamp, networkTime; !got.Equal(want) {
		t.Errorf("sync stamp:\n  got: %v\n want: %v", got, want)
	}
	if got, want := rtc.t, calendar.FromTime(networkTime); got != want {
		t.Errorf("rtc:\n  got: %v\n want: %v", got, want)
	}
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rtc := &memRTC{t: rtcTime}
	src := &fixedSource{t: networkTime, calls: make(chan struct{}, 10)}
	display := &lockedGrid{}
	fake := clockwork.NewFakeClock()

	var probeMu sync.Mutex
	up := false
	probed := make(chan struct{}, 10)
	watcher := &netwatch.Watcher{
		Interval: time.Second,
		Clock:    fake,
		Probe: func() (bool, error) {
			probeMu.Lock()
			defer probeMu.Unlock()
			probed <- struct{}{}
			return up, nil
		},
	}
	a, err := New(Config{
		RTC:      rtc,
		Source:   src,
		Location: time.UTC,
		Display:  display,
		Network:  watcher,
		Clock:    fake,
	})
	if err != nil {
		t.Fatal(err)
	}
	errch := make(chan error)
	go func() { errch <- a.Run(ctx) }()

	<-probed
	probeMu.Lock()
	up = true
	probeMu.Unlock()
	// Both the sync timer and the network ticker wait on the fake clock.
	fake.BlockUntil(2)
	fake.Advance(time.Second)

	select {
	case <-src.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("network coming up did not trigger a sync")
	}

	// Wait for the display to show the synced time.
	deadline := time.Now().Add(3 * time.Second)
	for display.line(0) != "09:15:00        " {
		if time.Now().After(deadline) {
			t.Fatalf("display never showed synced time; row 0: %q", display.line(0))
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got, want := display.line(1), "04/07/2025      "; got != want && got != "Done            " {
		t.Errorf("date row:\n  got: %q\n want: %q", got, want)
	}

	cancel()
	if err := <-errch; !errors.Is(err, context.Canceled) {
		t.Errorf("run: unexpected error: %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Source: &fixedSource{}}); err == nil {
		t.Error("expected error without rtc")
	}
	if _, err := New(Config{RTC: &memRTC{}}); err == nil {
		t.Error("expected error without source")
	}
}
