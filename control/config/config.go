// Package config reads the clock's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RTC     RTCConfig     `yaml:"rtc"`
	Sync    SyncConfig    `yaml:"sync"`
	Display DisplayConfig `yaml:"display"`
	Network NetworkConfig `yaml:"network"`
	Influx  InfluxConfig  `yaml:"influx"`
	HTTP    HTTPConfig    `yaml:"http"`
}

type RTCConfig struct {
	Bus      string `yaml:"bus"` // i2creg name; empty means the first bus
	Address  uint16 `yaml:"address"`
	Location string `yaml:"location"` // zone the rtc keeps time in
	// SaveStamp records each successful sync in the rtc's battery-backed memory.
	SaveStamp bool `yaml:"save_stamp"`
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// OnStart runs a pass as soon as the clock starts, instead of a full interval later.
	// Unset means true.
	OnStart        *bool          `yaml:"on_start"`
	SetSystemClock bool           `yaml:"set_system_clock"`
	Sources        []SourceConfig `yaml:"sources"` // tried in order
}

// Source kinds.
const (
	SourceNTP    = "ntp"
	SourceChrony = "chrony"
	SourceGPSD   = "gpsd"
	SourceTSIP   = "tsip"
)

type SourceConfig struct {
	Kind   string        `yaml:"kind"`
	Addr   string        `yaml:"addr"`    // host:port, or the serial port for tsip
	MaxAge time.Duration `yaml:"max_age"` // gpsd and tsip
	Baud   int           `yaml:"baud"`    // tsip only
}

// Display kinds.
const (
	DisplayLCD     = "lcd1602"
	DisplayMAX7219 = "max7219"
	DisplayNone    = "none"
)

// Where the display reads the time from.
const (
	ReadRTC     = "rtc"
	ReadProcess = "process"
)

type DisplayConfig struct {
	Kind       string        `yaml:"kind"`
	Rows       int           `yaml:"rows"`
	Cols       int           `yaml:"cols"`
	Refresh    time.Duration `yaml:"refresh"`
	TwelveHour bool          `yaml:"twelve_hour"`
	DateFormat string        `yaml:"date_format"` // "dmy" or "iso"
	StatusHold time.Duration `yaml:"status_hold"`
	ReadFrom   string        `yaml:"read_from"`
	SPIDevice  string        `yaml:"spi_device"`
	Brightness *int          `yaml:"brightness"` // max7219 only; 0-15, unset means 8
}

type NetworkConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// InfluxConfig is optional; with no URL, drift is not journaled.  The token comes from the
// INFLUXDB_TOKEN environment variable, not the file.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"-"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
}

// Load reads, normalizes, and validates the config file at path.  An empty path means all
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse is Load for an already-open file.  A nil reader means all defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := new(Config)
	if r != nil {
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Influx.Token = os.Getenv("INFLUXDB_TOKEN")
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
