package netwatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// script is a probe that returns preprogrammed answers, repeating the last one forever.
type script struct {
	sync.Mutex
	answers []bool
	probed  chan struct{}
}

func (s *script) probe() (bool, error) {
	s.Lock()
	defer s.Unlock()
	up := s.answers[0]
	if len(s.answers) > 1 {
		s.answers = s.answers[1:]
	}
	s.probed <- struct{}{}
	return up, nil
}

func TestTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	s := &script{answers: []bool{true, false, false, true, true, false, true}, probed: make(chan struct{}, 100)}
	w := &Watcher{Interval: time.Second, Probe: s.probe, Clock: clock}
	ch := make(chan struct{}, 10)
	errch := make(chan error)
	go func() { errch <- w.Run(ctx, ch) }()

	// Up at startup counts, like any other down-to-up change.
	for i := 0; i < 7; i++ {
		select {
		case <-s.probed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for probe %d", i)
		}
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	// Wait for the probe after the last advance, so every send has happened.
	select {
	case <-s.probed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for final probe")
	}
	cancel()
	if err := <-errch; !errors.Is(err, context.Canceled) {
		t.Errorf("run: unexpected error: %v", err)
	}
	if got, want := len(ch), 3; got != want {
		t.Errorf("up events:\n  got: %v\n want: %v", got, want)
	}
	if !w.Available() {
		t.Error("expected network to be available at the end")
	}
}

func TestUpAtBoot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &script{answers: []bool{true}, probed: make(chan struct{}, 100)}
	w := &Watcher{Probe: s.probe, Clock: clockwork.NewFakeClock()}
	ch := make(chan struct{}, 1)
	go w.Run(ctx, ch) //nolint:errcheck

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("network up at boot never produced an event")
	}
	if !w.Available() {
		t.Error("expected network to be available")
	}
}

func TestProbeErrorCountsAsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	calls := make(chan struct{}, 10)
	fail := true
	var mu sync.Mutex
	probe := func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		calls <- struct{}{}
		if fail {
			fail = false
			return true, errors.New("netlink broke")
		}
		return true, nil
	}
	w := &Watcher{Probe: probe, Clock: clock}
	ch := make(chan struct{}, 1)
	go w.Run(ctx, ch) //nolint:errcheck

	<-calls
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery from a failed probe should count as the network coming up")
	}
}

func TestUsable(t *testing.T) {
	mask := net.CIDRMask(24, 32)
	testData := []struct {
		name  string
		addrs []net.Addr
		want  bool
	}{
		{"none", nil, false},
		{"link local only", []net.Addr{&net.IPNet{IP: net.ParseIP("169.254.1.2"), Mask: mask}}, false},
		{"v6 link local only", []net.Addr{&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}}, false},
		{"private v4", []net.Addr{&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: mask}}, true},
		{"mixed", []net.Addr{
			&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
			&net.IPNet{IP: net.ParseIP("2001:db8::5"), Mask: net.CIDRMask(64, 128)},
		}, true},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			if got, want := usable(test.addrs), test.want; got != want {
				t.Errorf("usable:\n  got: %v\n want: %v", got, want)
			}
		})
	}
}
