package timesource

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/term"
	"golang.org/x/net/trace"
)

// TSIP framing and the packets we care about, from the Resolution-T user guide:
// http://trl.trimble.com/docushare/dsweb/Get/Document-221342/ResolutionT_UG_2B_54655-05-ENG.pdf
const (
	tsipDLE = 0x10
	tsipETX = 0x03

	tsipTimingSuperpacket = 0x8f
	tsipTimingPrimary     = 0xab

	// Primary timing packet flags.
	tsipFlagUTC        = 0x01 // time is UTC, not GPS time
	tsipFlagNotSet     = 0x04 // receiver doesn't know the time
	tsipFlagNoUTCParam = 0x08 // receiver doesn't have the UTC offset yet
)

var errNotTiming = errors.New("not a primary timing packet")

// TSIP reads the time from a Trimble timing receiver, like the Resolution-T, speaking TSIP on
// a serial port.  The receiver sends a primary timing packet right after each PPS edge; FetchTime
// advances the last one by how long ago it arrived.  Run must be running for it to succeed.
type TSIP struct {
	// Port is the serial device, like /dev/ttyS1.
	Port string
	// Baud is the port speed; 0 means 9600, the receiver's default.
	Baud int
	// MaxAge is how old a fix may be before it's considered stale; 0 means 10 seconds.
	MaxAge time.Duration

	clock clockwork.Clock

	mu   sync.Mutex
	fix  time.Time
	seen time.Time
}

func (t *TSIP) String() string { return "tsip:" + t.Port }

func (t *TSIP) clk() clockwork.Clock {
	if t.clock == nil {
		return clockwork.NewRealClock()
	}
	return t.clock
}

// FetchTime implements Source.
func (t *TSIP) FetchTime(ctx context.Context) (time.Time, error) {
	maxAge := t.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return carryForward(t.String(), t.fix, t.seen, t.clk().Now(), maxAge)
}

// observe handles one unframed packet.  Anything but a usable primary timing packet is ignored.
func (t *TSIP) observe(packet []byte) {
	fix, err := parsePrimaryTiming(packet)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fix = fix
	t.seen = t.clk().Now()
}

// Run reads from the receiver until the context is cancelled, reopening the port whenever
// reading fails.
func (t *TSIP) Run(ctx context.Context) error {
	l := trace.NewEventLog("service", "tsip")
	defer l.Finish()
	for {
		if err := t.read(ctx); err != nil {
			l.Errorf("read %s: %v", t.Port, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("read tsip: %w", ctx.Err())
		case <-time.After(10 * time.Second):
		}
	}
}

func (t *TSIP) read(ctx context.Context) error {
	baud := t.Baud
	if baud == 0 {
		baud = 9600
	}
	port, err := term.Open(t.Port, term.Speed(baud), term.RawMode)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()
	p := &Packetizer{Emit: t.observe}
	if _, err := io.Copy(p, port); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return errors.New("port closed")
}

// Packetizer is an io.Writer that collects TSIP bytes and emits full packets for further
// processing, in the format <id> <packet data> (no framing, no stuffed DLE bytes).
type Packetizer struct {
	Emit func([]byte)

	buf     []byte
	fullDLE bool // true if the last byte in buf is actually two DLE bytes
}

// Write collects TSIP bytes to be packetized.  It never returns an error.
func (p *Packetizer) Write(in []byte) (int, error) {
	for _, b := range in {
		// A DLE byte means that we are about to read <DLE> <id> for a new packet, <DLE> <ETX>
		// for the end of the packet, or <DLE> <DLE> for a literal DLE octet in the data.
		if l := len(p.buf); l > 0 && !p.fullDLE && p.buf[l-1] == tsipDLE {
			switch b {
			case tsipETX:
				// Send from the first DLE, which is usually at 0.  Anything before
				// it is garbage from before we synchronized.  There could be a DLE in
				// that garbage, in which case the next stage gets a bad packet, but
				// we resynchronize on the next one.
				for s, c := range p.buf {
					if c == tsipDLE {
						if s+1 < l-1 {
							p.Emit(p.buf[s+1 : l-1])
						}
						break
					}
				}
				p.buf = make([]byte, 0, cap(p.buf))
				continue
			case tsipDLE:
				// Don't add another byte, and tell the next iteration not to treat
				// this DLE as anything other than data.
				p.fullDLE = true
				continue
			}
		}
		p.buf = append(p.buf, b)
		p.fullDLE = false
	}
	return len(in), nil
}

// parsePrimaryTiming decodes the UTC time out of a primary timing packet (0x8f-ab).
func parsePrimaryTiming(packet []byte) (time.Time, error) {
	if len(packet) < 2 || packet[0] != tsipTimingSuperpacket || packet[1] != tsipTimingPrimary {
		return time.Time{}, errNotTiming
	}
	b := packet[1:]
	if len(b) != 17 {
		return time.Time{}, fmt.Errorf("invalid primary timing packet length %d", len(b))
	}
	flag := b[9]
	switch {
	case flag&tsipFlagNotSet != 0:
		return time.Time{}, errors.New("receiver time not set")
	case flag&tsipFlagNoUTCParam != 0:
		return time.Time{}, errors.New("receiver has no utc offset yet")
	case flag&tsipFlagUTC == 0:
		return time.Time{}, errors.New("receiver is reporting gps time, not utc")
	}
	s, m, h, d, mon := int(b[10]), int(b[11]), int(b[12]), int(b[13]), int(b[14])
	y := int(binary.BigEndian.Uint16(b[15:17]))
	if s > 59 || m > 59 || h > 23 || d < 1 || d > 31 || mon < 1 || mon > 12 {
		return time.Time{}, fmt.Errorf("invalid time %d/%d/%d %d:%d:%d", y, mon, d, h, m, s)
	}
	return time.Date(y, time.Month(mon), d, h, m, s, 0, time.UTC), nil
}
