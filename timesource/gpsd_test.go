package timesource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/go-gpsd"
)

func TestGPSD(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := &GPSD{clock: clock, MaxAge: 5 * time.Second}
	ctx := context.Background()

	if _, err := g.FetchTime(ctx); !errors.Is(err, ErrNoFix) {
		t.Errorf("fetch before any fix: expected ErrNoFix, got %v", err)
	}

	fix := time.Date(2024, time.March, 7, 14, 30, 45, 0, time.UTC)
	g.observe(&gpsd.TPVReport{Time: fix})
	g.observe(&gpsd.TPVReport{}) // no time; ignored

	clock.Advance(1500 * time.Millisecond)
	got, err := g.FetchTime(ctx)
	if err != nil {
		t.Fatalf("fetch with fresh fix: %v", err)
	}
	if want := fix.Add(1500 * time.Millisecond); !got.Equal(want) {
		t.Errorf("fetched time:\n  got: %v\n want: %v", got, want)
	}

	clock.Advance(5 * time.Second)
	if _, err := g.FetchTime(ctx); !errors.Is(err, ErrNoFix) {
		t.Errorf("fetch with stale fix: expected ErrNoFix, got %v", err)
	}
}
