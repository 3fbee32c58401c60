package timesource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/facebookincubator/ntp/protocol/ntp"
)

const (
	ntpPort           = "123"
	ntpDefaultTimeout = 5 * time.Second

	ntpVersion    = 4
	ntpModeClient = 3
	ntpModeServer = 4
	ntpLeapAlarm  = 3 // server clock not synchronized
)

// NTP queries an NTP server with a single SNTP request.
type NTP struct {
	// Server is host or host:port.  The port defaults to 123.
	Server string
}

func (n *NTP) String() string { return "ntp:" + n.addr() }

func (n *NTP) addr() string {
	if _, _, err := net.SplitHostPort(n.Server); err == nil {
		return n.Server
	}
	return net.JoinHostPort(n.Server, ntpPort)
}

// FetchTime implements Source.
func (n *NTP) FetchTime(ctx context.Context) (time.Time, error) {
	t, err := n.query(ctx)
	if err != nil {
		return time.Time{}, &FetchError{Source: n.String(), Err: err}
	}
	return t, nil
}

func (n *NTP) query(ctx context.Context) (time.Time, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", n.addr())
	if err != nil {
		return time.Time{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline(ctx, ntpDefaultTimeout)); err != nil {
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	req := &ntp.Packet{Settings: ntpVersion<<3 | ntpModeClient}
	sent := time.Now()
	req.TxTimeSec, req.TxTimeFrac = ntp.Time(sent)
	b, err := req.Bytes()
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(b); err != nil {
		return time.Time{}, fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, 2*ntp.PacketSizeBytes)
	nr, err := conn.Read(buf)
	received := time.Now()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return time.Time{}, fmt.Errorf("read reply: %w", cerr)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return time.Time{}, fmt.Errorf("read reply: %w", context.DeadlineExceeded)
		}
		return time.Time{}, fmt.Errorf("read reply: %w", err)
	}
	if nr < ntp.PacketSizeBytes {
		return time.Time{}, fmt.Errorf("short reply: %d bytes", nr)
	}
	resp, err := ntp.BytesToPacket(buf[:ntp.PacketSizeBytes])
	if err != nil {
		return time.Time{}, fmt.Errorf("unmarshal reply: %w", err)
	}
	if err := checkReply(req, resp); err != nil {
		return time.Time{}, err
	}
	return received.Add(clockOffset(sent, ntp.Unix(resp.RxTimeSec, resp.RxTimeFrac), ntp.Unix(resp.TxTimeSec, resp.TxTimeFrac), received)), nil
}

// checkReply rejects replies we shouldn't set a clock from.
func checkReply(req, resp *ntp.Packet) error {
	if mode := resp.Settings & 0x7; mode != ntpModeServer {
		return fmt.Errorf("reply has mode %d, not server", mode)
	}
	if resp.Stratum == 0 {
		return fmt.Errorf("kiss of death from server (refid %#x)", resp.ReferenceID)
	}
	if resp.Settings>>6 == ntpLeapAlarm {
		return errors.New("server clock is not synchronized")
	}
	if resp.OrigTimeSec != req.TxTimeSec || resp.OrigTimeFrac != req.TxTimeFrac {
		return errors.New("reply doesn't match request")
	}
	if resp.TxTimeSec == 0 && resp.TxTimeFrac == 0 {
		return errors.New("reply has no transmit timestamp")
	}
	return nil
}

// clockOffset is the usual NTP offset from the four timestamps: request sent (t1), request
// received by the server (t2), reply sent by the server (t3), reply received (t4).
func clockOffset(t1, t2, t3, t4 time.Time) time.Duration {
	return (t2.Sub(t1) + t3.Sub(t4)) / 2
}
