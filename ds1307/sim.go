package ds1307

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrockway/netclock/calendar"
	"periph.io/x/conn/v3/physic"
)

// simSize is the chip's full register space: clock, control, and user memory.
const simSize = UserMemoryAddr + UserMemorySize

// Sim is a DS1307 alone on a simulated I²C bus, for running without hardware.  Its time
// registers always read as wall time plus whatever offset the last write established.  The
// halt bit is remembered but does not stop the simulated oscillator.
type Sim struct {
	Addr uint16
	Now  func() time.Time // defaults to time.Now

	mu     sync.Mutex
	regs   [simSize]byte // must hold mu
	offset time.Duration // set time minus wall time; must hold mu
}

// NewSim returns a simulated chip at DefaultAddr, running on wall time.
func NewSim() *Sim {
	return &Sim{Addr: DefaultAddr}
}

func (s *Sim) String() string { return "ds1307-sim" }

func (s *Sim) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// SetSpeed implements i2c.Bus.
func (s *Sim) SetSpeed(f physic.Frequency) error { return nil }

// Tx implements i2c.Bus.  The first byte written sets the register pointer; the rest are written
// starting there, and then r is filled starting from the same place.
func (s *Sim) Tx(addr uint16, w, r []byte) error {
	if addr != s.Addr {
		return fmt.Errorf("ds1307-sim: no device at %#x", addr)
	}
	if len(w) == 0 {
		return errors.New("ds1307-sim: transaction without a register address")
	}
	ptr := int(w[0])
	data := w[1:]
	if ptr+len(data) > simSize || ptr+len(r) > simSize {
		return fmt.Errorf("ds1307-sim: access at %#x runs past the end of the chip", ptr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.materialize()
	copy(s.regs[ptr:], data)
	if len(data) > 0 && ptr <= int(rYear) {
		var regs Registers
		copy(regs[:], s.regs[:])
		t, err := DecodeRegisters(regs)
		if err != nil {
			return fmt.Errorf("ds1307-sim: invalid time written: %w", err)
		}
		s.offset = t.In(time.UTC).Sub(s.now().UTC().Truncate(time.Second))
	}
	copy(r, s.regs[ptr:])
	return nil
}

// materialize writes the current simulated time into the clock registers, keeping the halt bit.
func (s *Sim) materialize() {
	t := s.now().UTC().Truncate(time.Second).Add(s.offset)
	regs, err := EncodeRegisters(calendar.FromTime(t))
	if err != nil {
		return
	}
	regs[rSecond] |= s.regs[rSecond] & haltBit
	copy(s.regs[:], regs[:])
}
