package timesource

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/facebookincubator/ntp/protocol/ntp"
)

// fakeNTPServer answers one request per reply function call, pretending its clock is skew
// ahead of ours.
func fakeNTPServer(t *testing.T, reply func(req *ntp.Packet) *ntp.Packet) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := ntp.BytesToPacket(buf[:n])
			if err != nil {
				t.Errorf("server: unmarshal request: %v", err)
				return
			}
			resp := reply(req)
			if resp == nil {
				continue
			}
			b, err := resp.Bytes()
			if err != nil {
				t.Errorf("server: marshal reply: %v", err)
				return
			}
			pc.WriteTo(b, addr)
		}
	}()
	return pc.LocalAddr().String()
}

func skewedReply(skew time.Duration) func(req *ntp.Packet) *ntp.Packet {
	return func(req *ntp.Packet) *ntp.Packet {
		now := time.Now().Add(skew)
		resp := &ntp.Packet{
			Settings:     ntpVersion<<3 | ntpModeServer,
			Stratum:      2,
			OrigTimeSec:  req.TxTimeSec,
			OrigTimeFrac: req.TxTimeFrac,
		}
		resp.RxTimeSec, resp.RxTimeFrac = ntp.Time(now)
		resp.TxTimeSec, resp.TxTimeFrac = ntp.Time(now)
		return resp
	}
}

func TestNTP(t *testing.T) {
	skew := time.Hour + 17*time.Second
	addr := fakeNTPServer(t, skewedReply(skew))
	src := &NTP{Server: addr}

	ctx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	got, err := src.FetchTime(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := time.Now().Add(skew)
	if diff := got.Sub(want); diff > 500*time.Millisecond || diff < -500*time.Millisecond {
		t.Errorf("fetched time:\n  got: %v\n want: %v (+/- 500ms)", got, want)
	}
}

func TestNTPRejectsBadReplies(t *testing.T) {
	testData := []struct {
		name string
		mod  func(*ntp.Packet)
	}{
		{"kiss of death", func(p *ntp.Packet) { p.Stratum = 0 }},
		{"client mode", func(p *ntp.Packet) { p.Settings = ntpVersion<<3 | ntpModeClient }},
		{"unsynchronized", func(p *ntp.Packet) { p.Settings |= ntpLeapAlarm << 6 }},
		{"wrong origin", func(p *ntp.Packet) { p.OrigTimeFrac++ }},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			good := skewedReply(0)
			addr := fakeNTPServer(t, func(req *ntp.Packet) *ntp.Packet {
				resp := good(req)
				test.mod(resp)
				return resp
			})
			ctx, c := context.WithTimeout(context.Background(), 2*time.Second)
			defer c()
			_, err := (&NTP{Server: addr}).FetchTime(ctx)
			var ferr *FetchError
			if !errors.As(err, &ferr) {
				t.Fatalf("expected FetchError, got %v", err)
			}
		})
	}
}

func TestNTPTimeout(t *testing.T) {
	addr := fakeNTPServer(t, func(*ntp.Packet) *ntp.Packet { return nil })
	ctx, c := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer c()
	start := time.Now()
	_, err := (&NTP{Server: addr}).FetchTime(ctx)
	if err == nil {
		t.Fatal("expected error from silent server")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("fetch took %s; should have given up after 100ms", took)
	}
}

func TestNTPAddr(t *testing.T) {
	testData := []struct {
		in, want string
	}{
		{"pool.ntp.org", "pool.ntp.org:123"},
		{"pool.ntp.org:1123", "pool.ntp.org:1123"},
		{"::1", "[::1]:123"},
		{"[::1]:5", "[::1]:5"},
	}
	for _, test := range testData {
		if got, want := (&NTP{Server: test.in}).addr(), test.want; got != want {
			t.Errorf("addr %q:\n  got: %v\n want: %v", test.in, got, want)
		}
	}
}

func TestClockOffset(t *testing.T) {
	base := time.Date(2024, time.March, 7, 14, 30, 45, 0, time.UTC)
	// 100ms each way, server 2s ahead.
	t1 := base
	t2 := base.Add(2100 * time.Millisecond)
	t3 := base.Add(2150 * time.Millisecond)
	t4 := base.Add(250 * time.Millisecond)
	if got, want := clockOffset(t1, t2, t3, t4), 2*time.Second; got != want {
		t.Errorf("offset:\n  got: %v\n want: %v", got, want)
	}
}
