// Package netwatch notices when the network comes up.
package netwatch

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	availableGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "network_available",
		Help: "1 if some non-loopback interface is up with a usable address",
	})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "network_transitions",
		Help: "count of network availability changes, by new state",
	}, []string{"state"})

	probeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "network_probe_errors",
		Help: "count of failed interface listings",
	})
)

// Probe reports whether the network is usable.
type Probe func() (bool, error)

// Watcher polls a Probe and reports down-to-up transitions.
type Watcher struct {
	// Interval between probes; 0 means 5 seconds.
	Interval time.Duration
	// Probe defaults to InterfacesUp.
	Probe Probe
	// Clock defaults to the real clock.
	Clock clockwork.Clock

	available atomic.Bool
}

// Available reports the result of the most recent probe.
func (w *Watcher) Available() bool {
	return w.available.Load()
}

// Run probes until the context is cancelled, sending to ch every time the network goes from
// unavailable to available.  The network counts as down before the first probe, so a
// network that is already up at boot produces an event straight away.
func (w *Watcher) Run(ctx context.Context, ch chan<- struct{}) error {
	interval, probe, clock := w.Interval, w.Probe, w.Clock
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if probe == nil {
		probe = InterfacesUp
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	events := trace.NewEventLog("service", "netwatch")
	defer events.Finish()

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		up, err := probe()
		if err != nil {
			probeErrors.Inc()
			events.Errorf("probe: %v", err)
			up = false
		}
		was := w.available.Swap(up)
		if up {
			availableGauge.Set(1)
		} else {
			availableGauge.Set(0)
		}
		switch {
		case up && !was:
			transitions.WithLabelValues("up").Inc()
			events.Printf("network up")
			log.Printf("network became available")
			select {
			case ch <- struct{}{}:
			case <-ctx.Done():
				return fmt.Errorf("sending network event: %w", ctx.Err())
			}
		case !up && was:
			transitions.WithLabelValues("down").Inc()
			events.Printf("network down")
			log.Printf("network became unavailable")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for next probe: %w", ctx.Err())
		case <-ticker.Chan():
		}
	}
}

// InterfacesUp reports whether any interface other than loopback is up and has an address that
// could reach something beyond the local link.
func InterfacesUp() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return false, fmt.Errorf("addresses of %s: %w", iface.Name, err)
		}
		if usable(addrs) {
			return true, nil
		}
	}
	return false, nil
}

func usable(addrs []net.Addr) bool {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}
