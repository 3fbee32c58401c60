package config

import "time"

// normalize fills in defaults for everything left unset.
func normalize(cfg *Config) {
	if cfg.RTC.Address == 0 {
		cfg.RTC.Address = 0x68
	}
	if cfg.RTC.Location == "" {
		cfg.RTC.Location = "Local"
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 15 * time.Minute
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = 10 * time.Second
	}
	if cfg.Sync.OnStart == nil {
		cfg.Sync.OnStart = ptr(true)
	}
	if len(cfg.Sync.Sources) == 0 {
		cfg.Sync.Sources = []SourceConfig{{Kind: SourceNTP, Addr: "pool.ntp.org"}}
	}
	for i := range cfg.Sync.Sources {
		s := &cfg.Sync.Sources[i]
		switch s.Kind {
		case SourceChrony:
			if s.Addr == "" {
				s.Addr = "localhost:323"
			}
		case SourceGPSD:
			if s.Addr == "" {
				s.Addr = "localhost:2947"
			}
			if s.MaxAge == 0 {
				s.MaxAge = 10 * time.Second
			}
		case SourceTSIP:
			if s.Baud == 0 {
				s.Baud = 9600
			}
			if s.MaxAge == 0 {
				s.MaxAge = 10 * time.Second
			}
		}
	}

	d := &cfg.Display
	if d.Kind == "" {
		d.Kind = DisplayLCD
	}
	if d.Rows == 0 && d.Cols == 0 {
		switch d.Kind {
		case DisplayMAX7219:
			d.Rows, d.Cols = 1, 8
		default:
			d.Rows, d.Cols = 2, 16
		}
	}
	if d.Refresh == 0 {
		d.Refresh = 500 * time.Millisecond
	}
	if d.DateFormat == "" {
		d.DateFormat = "dmy"
	}
	if d.StatusHold == 0 {
		d.StatusHold = 3 * time.Second
	}
	if d.ReadFrom == "" {
		d.ReadFrom = ReadRTC
	}
	if d.SPIDevice == "" {
		d.SPIDevice = "/dev/spidev0.0"
	}
	if d.Brightness == nil {
		d.Brightness = ptr(8)
	}

	if cfg.Network.PollInterval == 0 {
		cfg.Network.PollInterval = 5 * time.Second
	}
	if cfg.HTTP.Bind == "" {
		cfg.HTTP.Bind = ":8080"
	}
}

func ptr[T any](v T) *T { return &v }
