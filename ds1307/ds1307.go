// Package ds1307 drives a Maxim DS1307 real-time clock over I²C:
// https://datasheets.maximintegrated.com/en/ds/DS1307.pdf
//
// The chip keeps calendar time in seven BCD registers starting at address 0, followed by a
// control register and 56 bytes of battery-backed user memory.  It doesn't store the
// century, so years are offset from 2000.
package ds1307

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrockway/netclock/bcd"
	"github.com/jrockway/netclock/calendar"
	"periph.io/x/conn/v3/i2c"
)

// DefaultAddr is the chip's fixed I²C address.
const DefaultAddr = 0x68

const (
	// UserMemoryAddr is the register address of the first byte of user memory.
	UserMemoryAddr = 0x08
	// UserMemorySize is the number of bytes of user memory.
	UserMemorySize = 56

	century = 2000

	haltBit   = 0x80 // seconds register: oscillator stopped
	mode12Bit = 0x40 // hours register: 12-hour mode
	pmBit     = 0x20 // hours register, 12-hour mode only
)

type register uint8

const (
	rSecond  register = 0x00
	rMinute  register = 0x01
	rHour    register = 0x02
	rWeekday register = 0x03
	rDay     register = 0x04
	rMonth   register = 0x05
	rYear    register = 0x06
	rControl register = 0x07 // nolint:deadcode,varcheck
)

// Registers is the raw clock register block, indexed by register address.
type Registers [rYear + 1]byte

// ErrUserMemoryRange is returned for user memory accesses that fall outside the 56 byte
// region.  The bus is never touched in that case.
var ErrUserMemoryRange = errors.New("ds1307: user memory access out of range")

// BusError is a failed bus transaction.  The driver never retries.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("ds1307: %s: %v", e.Op, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// Opts configures a Dev.
type Opts struct {
	// Addr is the I²C address; 0 means DefaultAddr.
	Addr uint16
}

// Dev is a handle to the chip.  It is safe for concurrent use; each operation is a single
// bus transaction made while holding the device lock, so a read of the register block can
// never observe half of a concurrent write.
type Dev struct {
	mu sync.Mutex // held across every bus transaction
	d  i2c.Dev
}

// New returns a Dev on the given bus.  It doesn't talk to the chip.
func New(bus i2c.Bus, opts *Opts) (*Dev, error) {
	if bus == nil {
		return nil, errors.New("ds1307: nil bus")
	}
	addr := uint16(DefaultAddr)
	if opts != nil && opts.Addr != 0 {
		addr = opts.Addr
	}
	return &Dev{d: i2c.Dev{Bus: bus, Addr: addr}}, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("ds1307.Dev{%s}", d.d.String())
}

// ReadTime reads the clock registers in one transaction and decodes them.
func (d *Dev) ReadTime() (calendar.Time, error) {
	var regs Registers
	if err := d.tx("read time", []byte{byte(rSecond)}, regs[:]); err != nil {
		return calendar.Time{}, err
	}
	t, err := DecodeRegisters(regs)
	if err != nil {
		return calendar.Time{}, fmt.Errorf("ds1307: decode registers % x: %w", regs[:], err)
	}
	return t, nil
}

// WriteTime sets the clock.  The whole register block goes out in one write, so the chip
// either has the old time or the new one.  Writing starts the oscillator and selects
// 24-hour mode.
func (d *Dev) WriteTime(t calendar.Time) error {
	regs, err := EncodeRegisters(t)
	if err != nil {
		return fmt.Errorf("ds1307: encode %v: %w", t, err)
	}
	w := make([]byte, 0, len(regs)+1)
	w = append(w, byte(rSecond))
	w = append(w, regs[:]...)
	return d.tx("write time", w, nil)
}

// Halted reports whether the oscillator is stopped.  A halted clock doesn't advance; its
// time is whatever was last written (or garbage after a battery failure).
func (d *Dev) Halted() (bool, error) {
	var b [1]byte
	if err := d.tx("read seconds", []byte{byte(rSecond)}, b[:]); err != nil {
		return false, err
	}
	return b[0]&haltBit != 0, nil
}

// ReadUserMemory returns n bytes of user memory starting at offset (0 is the first byte of
// user memory, not register 0).
func (d *Dev) ReadUserMemory(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > UserMemorySize {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", n, offset, ErrUserMemoryRange)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := d.tx("read user memory", []byte{byte(UserMemoryAddr + offset)}, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteUserMemory writes data into user memory starting at offset.
func (d *Dev) WriteUserMemory(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > UserMemorySize {
		return fmt.Errorf("write %d bytes at offset %d: %w", len(data), offset, ErrUserMemoryRange)
	}
	if len(data) == 0 {
		return nil
	}
	w := make([]byte, 1, len(data)+1)
	w[0] = byte(UserMemoryAddr + offset)
	w = append(w, data...)
	return d.tx("write user memory", w, nil)
}

func (d *Dev) tx(op string, w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.d.Tx(w, r); err != nil {
		return &BusError{Op: op, Err: err}
	}
	return nil
}

// EncodeRegisters converts t to the chip's register layout.
func EncodeRegisters(t calendar.Time) (Registers, error) {
	var regs Registers
	if err := t.Validate(); err != nil {
		return regs, err
	}
	fields := [len(regs)]int{
		rSecond:  t.Second,
		rMinute:  t.Minute,
		rHour:    t.Hour,
		rWeekday: int(t.Weekday) + 1,
		rDay:     t.Day,
		rMonth:   int(t.Month),
		rYear:    t.Year - century,
	}
	for i, v := range fields {
		b, err := bcd.Encode(v)
		if err != nil {
			return regs, fmt.Errorf("register %#x: %w", i, err)
		}
		regs[i] = b
	}
	return regs, nil
}

// DecodeRegisters converts the chip's register layout to a calendar time.  The clock halt
// flag and the 12/24 hour flag are masked off; 12-hour readings are converted to 24-hour.
func DecodeRegisters(regs Registers) (calendar.Time, error) {
	t := calendar.Time{
		Second:  bcd.Decode(regs[rSecond] &^ haltBit),
		Minute:  bcd.Decode(regs[rMinute]),
		Hour:    decodeHour(regs[rHour]),
		Weekday: time.Weekday(bcd.Decode(regs[rWeekday]) - 1),
		Day:     bcd.Decode(regs[rDay]),
		Month:   time.Month(bcd.Decode(regs[rMonth])),
		Year:    century + bcd.Decode(regs[rYear]),
	}
	if err := t.Validate(); err != nil {
		return calendar.Time{}, err
	}
	return t, nil
}

func decodeHour(b byte) int {
	if b&mode12Bit == 0 {
		return bcd.Decode(b & 0x3f)
	}
	h := bcd.Decode(b&0x1f) % 12
	if b&pmBit != 0 {
		h += 12
	}
	return h
}
