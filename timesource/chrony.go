package timesource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
)

// ErrUnsynchronized means chronyd doesn't trust the system clock either.
var ErrUnsynchronized = errors.New("chronyd is not synchronized")

// leapUnsynchronized is chrony's LEAP_Unsynchronised (chrony/ntp.h).
const leapUnsynchronized = 3

// Chrony trusts the system clock whenever the local chronyd says it's synchronized, and
// applies chronyd's pending correction.  Handy when the box already runs chronyd against
// better sources than a single NTP server.
type Chrony struct {
	// Addr is chronyd's command port; empty means localhost:323.
	Addr string
}

func (c *Chrony) String() string { return "chrony:" + c.addr() }

func (c *Chrony) addr() string {
	if c.Addr == "" {
		return "localhost:323"
	}
	return c.Addr
}

// FetchTime implements Source.
func (c *Chrony) FetchTime(ctx context.Context) (time.Time, error) {
	tracking, err := c.tracking(ctx)
	if err != nil {
		return time.Time{}, &FetchError{Source: c.String(), Err: err}
	}
	t, err := correctedTime(time.Now(), tracking)
	if err != nil {
		return time.Time{}, &FetchError{Source: c.String(), Err: err}
	}
	return t, nil
}

func (c *Chrony) tracking(ctx context.Context) (*chrony.ReplyTracking, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline(ctx, time.Second)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	client := chrony.Client{Sequence: 1, Connection: conn}
	res, err := client.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		return nil, fmt.Errorf("get tracking info: communicate: %w", err)
	}
	tracking, ok := res.(*chrony.ReplyTracking)
	if !ok {
		return nil, fmt.Errorf("tracking reply was of unexpected type: %T", res)
	}
	return tracking, nil
}

// correctedTime applies chronyd's view of the system clock to now.  A positive correction
// means the system clock is slow of NTP time.
func correctedTime(now time.Time, tracking *chrony.ReplyTracking) (time.Time, error) {
	if tracking.LeapStatus == leapUnsynchronized {
		return time.Time{}, ErrUnsynchronized
	}
	return now.Add(time.Duration(tracking.CurrentCorrection * float64(time.Second))), nil
}
