// Package status serves a page summarizing what the clock is doing.
package status

import (
	_ "embed"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/jrockway/netclock/calendar"
	"github.com/jrockway/netclock/control/rtcsync"
)

var (
	//go:embed status.html.tmpl
	indexHTML string
	funcMap   = template.FuncMap{
		"unixtime": formatUnixTime,
		"duration": formatDuration,
		"since":    formatSince,
	}
	index = template.Must(template.New("index").Funcs(funcMap).Parse(indexHTML))
)

// Page gathers status from the rest of the program every time it's rendered.  Any field may be
// nil.
type Page struct {
	Started time.Time
	Sync    interface{ State() rtcsync.State }
	Screen  interface{ Text() []string }
	Network interface{ Available() bool }
	RTC     interface{ ReadTime() (calendar.Time, error) }
	Process interface{ Now() time.Time }
}

// Status is what the template renders.
type Status struct {
	Now      time.Time
	Uptime   time.Duration
	Screen   []string
	RTC      calendar.Time
	RTCError error
	Process  time.Time
	Sync     rtcsync.State
	Network  bool
}

// Collect reads the current status.
func (p *Page) Collect(now time.Time) Status {
	s := Status{Now: now}
	if !p.Started.IsZero() {
		s.Uptime = now.Sub(p.Started)
	}
	if p.Screen != nil {
		s.Screen = p.Screen.Text()
	}
	if p.RTC != nil {
		s.RTC, s.RTCError = p.RTC.ReadTime()
	}
	if p.Process != nil {
		s.Process = p.Process.Now()
	}
	if p.Sync != nil {
		s.Sync = p.Sync.State()
	}
	if p.Network != nil {
		s.Network = p.Network.Available()
	}
	return s
}

func (p *Page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := index.Execute(w, p.Collect(time.Now())); err != nil {
		log.Printf("execute template: %v", err)
	}
}

func formatUnixTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.UnixDate)
}

func formatDuration(d time.Duration) string { return d.Truncate(time.Second).String() }

func formatSince(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return formatDuration(now.Sub(t)) + " ago"
}
