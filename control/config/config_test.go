package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("INFLUXDB_TOKEN", "")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, uint16(0x68), cfg.RTC.Address)
	require.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	require.Equal(t, 10*time.Second, cfg.Sync.Timeout)
	require.Equal(t, []SourceConfig{{Kind: SourceNTP, Addr: "pool.ntp.org"}}, cfg.Sync.Sources)
	require.Equal(t, DisplayLCD, cfg.Display.Kind)
	require.Equal(t, 2, cfg.Display.Rows)
	require.Equal(t, 16, cfg.Display.Cols)
	require.Equal(t, 500*time.Millisecond, cfg.Display.Refresh)
	require.Equal(t, ReadRTC, cfg.Display.ReadFrom)
	require.NotNil(t, cfg.Sync.OnStart)
	require.True(t, *cfg.Sync.OnStart, "a fresh boot should sync right away")
	require.NotNil(t, cfg.Display.Brightness)
	require.Equal(t, 8, *cfg.Display.Brightness)
	require.Equal(t, ":8080", cfg.HTTP.Bind)
}

func TestParse(t *testing.T) {
	t.Setenv("INFLUXDB_TOKEN", "secret")
	cfg, err := Parse(strings.NewReader(`
rtc:
  bus: "1"
  address: 0x50
  location: UTC
  save_stamp: true
sync:
  interval: 30m
  timeout: 5s
  on_start: false
  sources:
    - kind: gpsd
    - kind: ntp
      addr: time.example.com
    - kind: chrony
    - kind: tsip
      addr: /dev/ttyS1
display:
  kind: max7219
  twelve_hour: true
  brightness: 15
influx:
  url: http://influx:8086
  org: home
  bucket: clock
`))
	require.NoError(t, err)
	require.Equal(t, "1", cfg.RTC.Bus)
	require.Equal(t, uint16(0x50), cfg.RTC.Address)
	require.True(t, cfg.RTC.SaveStamp)
	require.Equal(t, 30*time.Minute, cfg.Sync.Interval)
	require.False(t, *cfg.Sync.OnStart)
	require.Equal(t, []SourceConfig{
		{Kind: SourceGPSD, Addr: "localhost:2947", MaxAge: 10 * time.Second},
		{Kind: SourceNTP, Addr: "time.example.com"},
		{Kind: SourceChrony, Addr: "localhost:323"},
		{Kind: SourceTSIP, Addr: "/dev/ttyS1", MaxAge: 10 * time.Second, Baud: 9600},
	}, cfg.Sync.Sources)
	require.Equal(t, 1, cfg.Display.Rows)
	require.Equal(t, 8, cfg.Display.Cols)
	require.Equal(t, 15, *cfg.Display.Brightness)
	require.Equal(t, "secret", cfg.Influx.Token)
}

func TestZeroBrightnessKept(t *testing.T) {
	cfg, err := Parse(strings.NewReader("display: {kind: max7219, brightness: 0}\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Display.Brightness)
	require.Equal(t, 0, *cfg.Display.Brightness)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("display:\n  kind: none\n  date_format: iso\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DisplayNone, cfg.Display.Kind)
	require.Equal(t, "iso", cfg.Display.DateFormat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestUnknownFieldsRejected(t *testing.T) {
	_, err := Parse(strings.NewReader("sync:\n  intervl: 5m\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testData := []struct {
		name  string
		yaml  string
		error string
	}{
		{"bad address", "rtc: {address: 0x80}", "7-bit"},
		{"bad location", "rtc: {location: Mars/Olympus_Mons}", "location"},
		{"interval too short", "sync: {interval: 10s}", "shorter than a minute"},
		{"timeout too long", "sync: {interval: 1m, timeout: 2m}", "timeout"},
		{"unknown source", "sync: {sources: [{kind: sundial}]}", "unknown kind"},
		{"ntp without addr", "sync: {sources: [{kind: ntp}]}", "needs an addr"},
		{"tsip without port", "sync: {sources: [{kind: tsip}]}", "tsip needs an addr"},
		{"unknown display", "display: {kind: crt}", "unknown kind"},
		{"narrow lcd", "display: {rows: 2, cols: 4}", "too small"},
		{"max7219 geometry", "display: {kind: max7219, rows: 2, cols: 16}", "1x8"},
		{"max7219 brightness", "display: {kind: max7219, brightness: 20}", "brightness"},
		{"slow refresh", "display: {refresh: 2s}", "refresh"},
		{"date format", "display: {date_format: mdy}", "date_format"},
		{"read from", "display: {read_from: sundial}", "read_from"},
		{"influx bucket", "influx: {url: 'http://x'}", "bucket"},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(test.yaml))
			require.Error(t, err)
			require.Contains(t, err.Error(), test.error)
		})
	}
}
