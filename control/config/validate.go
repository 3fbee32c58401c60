package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks a normalized config.  It does not modify it.
func Validate(cfg *Config) error {
	if cfg.RTC.Address > 0x7f {
		return fmt.Errorf("rtc: address %#x is not a 7-bit i2c address", cfg.RTC.Address)
	}
	if _, err := time.LoadLocation(cfg.RTC.Location); err != nil {
		return fmt.Errorf("rtc: location: %w", err)
	}

	if cfg.Sync.Interval < time.Minute {
		return fmt.Errorf("sync: interval %s is shorter than a minute", cfg.Sync.Interval)
	}
	if cfg.Sync.Timeout <= 0 || cfg.Sync.Timeout >= cfg.Sync.Interval {
		return fmt.Errorf("sync: timeout %s must be positive and shorter than the interval", cfg.Sync.Timeout)
	}
	for i, s := range cfg.Sync.Sources {
		switch s.Kind {
		case SourceNTP, SourceTSIP:
			if s.Addr == "" {
				return fmt.Errorf("sync: source %d: %s needs an addr", i, s.Kind)
			}
		case SourceChrony, SourceGPSD:
		default:
			return fmt.Errorf("sync: source %d: unknown kind %q", i, s.Kind)
		}
		if s.MaxAge < 0 {
			return fmt.Errorf("sync: source %d: negative max_age", i)
		}
	}

	d := cfg.Display
	switch d.Kind {
	case DisplayLCD, DisplayNone:
		if d.Rows < 1 || d.Cols < 8 {
			return fmt.Errorf("display: %dx%d is too small to show the time", d.Rows, d.Cols)
		}
	case DisplayMAX7219:
		if d.Rows != 1 || d.Cols != 8 {
			return errors.New("display: max7219 is always 1x8")
		}
		if b := d.Brightness; b != nil && (*b < 0 || *b > 15) {
			return fmt.Errorf("display: brightness %d not in [0, 15]", *b)
		}
	default:
		return fmt.Errorf("display: unknown kind %q", d.Kind)
	}
	if d.Refresh <= 0 || d.Refresh > time.Second {
		return fmt.Errorf("display: refresh %s must be between 0 and 1s", d.Refresh)
	}
	switch d.DateFormat {
	case "dmy", "iso":
	default:
		return fmt.Errorf("display: unknown date_format %q", d.DateFormat)
	}
	switch d.ReadFrom {
	case ReadRTC, ReadProcess:
	default:
		return fmt.Errorf("display: unknown read_from %q", d.ReadFrom)
	}

	if cfg.Network.PollInterval <= 0 {
		return errors.New("network: poll_interval must be positive")
	}
	if cfg.Influx.URL != "" && cfg.Influx.Bucket == "" {
		return errors.New("influx: bucket required when url is set")
	}
	return nil
}
