// Package timesource fetches authoritative time from somewhere other than the RTC: an NTP
// server, the local chronyd, or a GPS receiver (via gpsd, or a Trimble timing receiver
// speaking TSIP on a serial port).
//
// Every fetch is a single attempt bounded by the caller's context.  Sources never retry;
// deciding when to try again is the sync loop's job.
package timesource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source is something that knows what time it is.
type Source interface {
	// FetchTime returns the current time.  Errors are *FetchError.
	FetchTime(ctx context.Context) (time.Time, error)
	String() string
}

// FetchError is a failed attempt to get the time from a source: a timeout, an unreachable
// server, a malformed or untrustworthy reply.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch time from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Chain tries each source in order and returns the first answer.
type Chain []Source

func (c Chain) String() string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.String()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// FetchTime implements Source.
func (c Chain) FetchTime(ctx context.Context) (time.Time, error) {
	if len(c) == 0 {
		return time.Time{}, &FetchError{Source: c.String(), Err: errors.New("no sources configured")}
	}
	var errs []error
	for _, s := range c {
		t, err := s.FetchTime(ctx)
		if err == nil {
			return t, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return time.Time{}, &FetchError{Source: c.String(), Err: errors.Join(errs...)}
}

// deadline returns the context's deadline, or now+d if it doesn't have one.  UDP reads need
// an explicit deadline; a context alone won't interrupt them.
func deadline(ctx context.Context, d time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(d)
}
