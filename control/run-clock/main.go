package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulr/spidev"
	"github.com/jrockway/netclock/control/clock"
	"github.com/jrockway/netclock/control/config"
	"github.com/jrockway/netclock/control/influx"
	"github.com/jrockway/netclock/control/netclock"
	"github.com/jrockway/netclock/control/netwatch"
	"github.com/jrockway/netclock/control/rtcsync"
	"github.com/jrockway/netclock/control/screen"
	"github.com/jrockway/netclock/control/segment"
	"github.com/jrockway/netclock/control/status"
	"github.com/jrockway/netclock/ds1307"
	"github.com/jrockway/netclock/timesource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/net/trace"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/waveshare1602"
	"periph.io/x/host/v3"
)

var (
	configFile = pflag.String("config", "", "yaml config file; empty means all defaults")
	bind       = pflag.String("bind", "", "address to bind for the debug/metrics server; overrides http.bind")
	i2cBus     = pflag.String("i2c", "", "i2c bus that the rtc and lcd are on; overrides rtc.bus")
	dryRun     = pflag.Bool("dry-run", false, "simulate the rtc and display instead of using hardware")
)

func main() {
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *bind != "" {
		cfg.HTTP.Bind = *bind
	}
	if *i2cBus != "" {
		cfg.RTC.Bus = *i2cBus
	}
	loc, err := time.LoadLocation(cfg.RTC.Location)
	if err != nil {
		log.Fatalf("load location: %v", err)
	}

	var bus i2c.Bus
	if *dryRun {
		log.Printf("dry run; simulating hardware")
		sim := ds1307.NewSim()
		sim.Addr = cfg.RTC.Address
		bus = sim
	} else {
		if _, err := host.Init(); err != nil {
			log.Fatalf("init periph.io: %v", err)
		}
		b, err := i2creg.Open(cfg.RTC.Bus)
		if err != nil {
			log.Fatalf("open i2c bus %q: %v", cfg.RTC.Bus, err)
		}
		bus = b
	}
	// The rtc and the lcd share the bus.
	bus = &ds1307.LockedBus{Bus: bus}

	rtc, err := ds1307.New(bus, &ds1307.Opts{Addr: cfg.RTC.Address})
	if err != nil {
		log.Fatalf("init rtc: %v", err)
	}

	scr, err := openDisplay(cfg.Display, bus)
	if err != nil {
		log.Fatalf("init display: %v", err)
	}

	source, background := buildSource(cfg.Sync.Sources)

	ncfg := netclock.Config{
		RTC:                rtc,
		Source:             source,
		Location:           loc,
		Display:            scr,
		DisplayFromProcess: cfg.Display.ReadFrom == config.ReadProcess,
		DisplayOpts: clock.Opts{
			Interval:   cfg.Display.Refresh,
			TwelveHour: cfg.Display.TwelveHour,
			StatusHold: cfg.Display.StatusHold,
		},
		Interval:       cfg.Sync.Interval,
		Timeout:        cfg.Sync.Timeout,
		SyncOnStart:    cfg.Sync.OnStart == nil || *cfg.Sync.OnStart,
		SetSystemClock: cfg.Sync.SetSystemClock && !*dryRun,
		Network:        &netwatch.Watcher{Interval: cfg.Network.PollInterval},
		Background:     background,
	}
	if cfg.Display.DateFormat == "iso" {
		ncfg.DisplayOpts.Date = clock.ISO
	}
	if cfg.RTC.SaveStamp {
		ncfg.Stamps = rtc
	}
	var journal *influx.Journal
	if cfg.Influx.URL != "" {
		machine, _ := os.Hostname()
		j := influx.New(cfg.Influx.URL, cfg.Influx.Org, cfg.Influx.Bucket, cfg.Influx.Token, machine)
		ncfg.OnResult = append(ncfg.OnResult, j.RecordSync)
		journal = j
	}
	app, err := netclock.New(ncfg)
	if err != nil {
		log.Fatalf("init clock: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	http.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/status", http.StatusFound)
	})
	http.Handle("/display.png", scr)
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/status", &status.Page{
		Started: time.Now(),
		Sync:    app.Sync,
		Screen:  scr,
		Network: ncfg.Network,
		RTC:     rtc,
		Process: app.Process,
	})
	http.HandleFunc("/sync", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "POST to sync now", http.StatusMethodNotAllowed)
			return
		}
		res := app.Sync.SyncOnce(req.Context())
		if errors.Is(res.Err, rtcsync.ErrBusy) {
			http.Error(w, res.Err.Error(), http.StatusConflict)
			return
		}
		if res.Err != nil {
			http.Error(w, res.Err.Error(), http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, "set rtc to %v (drift %s, fetched in %s)\n", res.Time, res.Drift, res.Took)
	})
	// /debug/requests and /debug/events are registered by x/net/trace.
	trace.AuthRequest = func(req *http.Request) (any, sensitive bool) { return true, true }

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: cfg.HTTP.Bind}
	go func() {
		log.Printf("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	loopDoneCh := make(chan error)
	go func() {
		err := app.Run(ctx)
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		log.Printf("http server died: %v", err)
		httpAlive = false
	case err := <-loopDoneCh:
		log.Printf("clock loop died: %v", err)
	case <-sigCh:
		log.Printf("interrupt")
	}
	signal.Stop(sigCh)
	cancel()
	if err := scr.Halt(); err != nil {
		log.Printf("halt display: %v", err)
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	if journal != nil {
		journal.Close()
	}
	os.Exit(1)
}

// openDisplay returns the configured display, wrapped so that it can be previewed over http.
func openDisplay(cfg config.DisplayConfig, bus i2c.Bus) (*screen.Screen, error) {
	if *dryRun || cfg.Kind == config.DisplayNone {
		return screen.New(nil, cfg.Rows, cfg.Cols)
	}
	switch cfg.Kind {
	case config.DisplayLCD:
		dev, err := waveshare1602.New(bus, waveshare1602.LCD1602RGBBacklight, cfg.Rows, cfg.Cols)
		if err != nil {
			return nil, fmt.Errorf("init lcd: %w", err)
		}
		return screen.New(dev, 0, 0)
	case config.DisplayMAX7219:
		spi, err := spidev.NewSPIDevice(cfg.SPIDevice)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.SPIDevice, err)
		}
		brightness := 8
		if cfg.Brightness != nil {
			brightness = *cfg.Brightness
		}
		dev, err := segment.New(spi, brightness)
		if err != nil {
			return nil, fmt.Errorf("init max7219: %w", err)
		}
		return screen.New(dev, 0, 0)
	}
	return nil, fmt.Errorf("unknown display kind %q", cfg.Kind)
}

// buildSource turns the configured sources into one Source, plus anything that has to run in
// the background for them to work.
func buildSource(cfgs []config.SourceConfig) (timesource.Source, []func(context.Context) error) {
	var chain timesource.Chain
	var background []func(context.Context) error
	for _, c := range cfgs {
		switch c.Kind {
		case config.SourceNTP:
			chain = append(chain, &timesource.NTP{Server: c.Addr})
		case config.SourceChrony:
			chain = append(chain, &timesource.Chrony{Addr: c.Addr})
		case config.SourceGPSD:
			g := &timesource.GPSD{Addr: c.Addr, MaxAge: c.MaxAge}
			chain = append(chain, g)
			background = append(background, g.Run)
		case config.SourceTSIP:
			r := &timesource.TSIP{Port: c.Addr, Baud: c.Baud, MaxAge: c.MaxAge}
			chain = append(chain, r)
			background = append(background, r.Run)
		}
	}
	if len(chain) == 1 {
		return chain[0], background
	}
	return chain, background
}
