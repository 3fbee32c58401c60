// Package influx journals rtc sync results to InfluxDB.
//
// We write our own InfluxDB client because the official one requires more memory to compile than
// the small boards this runs on have.  It only needs to POST line protocol anyway.
package influx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrockway/netclock/control/rtcsync"
	"golang.org/x/net/trace"
)

// Journal writes line protocol to an InfluxDB v2 bucket.  With no token, lines are only logged
// to the event log.
type Journal struct {
	URL     string // base url, like https://influxdb.example.com
	Org     string
	Bucket  string
	Token   string
	Machine string // tag value identifying this clock
	Client  *http.Client
	Timeout time.Duration // 0 means 5s

	events trace.EventLog
}

// New returns a journal.  Callers should Close it when done.
func New(baseURL, org, bucket, token, machine string) *Journal {
	j := &Journal{
		URL:     strings.TrimSuffix(baseURL, "/"),
		Org:     org,
		Bucket:  bucket,
		Token:   token,
		Machine: machine,
		Client:  http.DefaultClient,
		events:  trace.NewEventLog("destination", baseURL),
	}
	if token == "" {
		log.Println("not sending to influxdb; $INFLUXDB_TOKEN not set")
		j.events.Errorf("not sent; INFLUXDB_TOKEN is empty")
	}
	return j
}

// Close finishes the journal's event log.
func (j *Journal) Close() {
	j.events.Finish()
}

// Line formats one sync result as line protocol.
func Line(machine string, res rtcsync.Result, at time.Time) string {
	if res.Err != nil {
		return fmt.Sprintf("rtc_sync,machine=%s,result=error error=%q %d", escapeTag(machine), res.Err.Error(), at.UnixNano())
	}
	return fmt.Sprintf("rtc_sync,machine=%s,result=ok drift=%v,set_to=%di %d", escapeTag(machine), res.Drift.Seconds(), res.Time.UnixNano(), at.UnixNano())
}

func escapeTag(s string) string {
	return strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `).Replace(s)
}

// RecordSync journals a sync result; it's meant to be an rtcsync OnResult hook.  Errors are
// logged, not returned.
func (j *Journal) RecordSync(res rtcsync.Result) {
	if errors.Is(res.Err, rtcsync.ErrBusy) {
		return
	}
	if err := j.Send(context.Background(), Line(j.Machine, res, time.Now())); err != nil {
		log.Printf("journal sync result: %v", err)
	}
}

// Send writes line-protocol data to InfluxDB.
func (j *Journal) Send(ctx context.Context, body string) error {
	j.events.Printf("%s", body)
	if j.Token == "" {
		return nil
	}

	timeout := j.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, c := context.WithTimeout(ctx, timeout)
	defer c()
	q := url.Values{"org": {j.Org}, "bucket": {j.Bucket}, "precision": {"ns"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.URL+"/api/v2/write?"+q.Encode(), strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Add("authorization", "Token "+j.Token)
	req.Header.Add("content-type", "text/plain")
	res, err := j.Client.Do(req)
	if err != nil {
		return fmt.Errorf("make request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(res.Body)
		j.events.Errorf("unexpected status %v", res.StatusCode)
		return fmt.Errorf("make request: unexpected status %v (%s): (body: %s)", res.StatusCode, res.Status, body)
	}
	return nil
}
