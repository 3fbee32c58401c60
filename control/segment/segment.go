// Package segment drives an 8-digit MAX7219 seven-segment display as a one-row text display.
package segment

import (
	"fmt"
	"sync"
)

// MAX7219 registers.
const (
	regDigit0      = 0x01 // rightmost digit; digits go up to 0x08
	regDecodeMode  = 0x09
	regIntensity   = 0x0A
	regScanLimit   = 0x0B
	regShutdown    = 0x0C
	regDisplayTest = 0x0F

	// Code B font values.
	codeDash  = 0x0A
	codeE     = 0x0B
	codeH     = 0x0C
	codeL     = 0x0D
	codeP     = 0x0E
	codeBlank = 0x0F
	dp        = 0x80

	// Digits is the number of digits on the display.
	Digits = 8
)

// Conn sends bytes to the chip; *spidev.SPIDevice satisfies it.
type Conn interface {
	Xfer(tx []byte) ([]byte, error)
}

// Dev is a MAX7219 with eight digits wired up, leftmost digit on register 8.
type Dev struct {
	mu     sync.Mutex
	conn   Conn
	col    int          // must hold mu
	digits [Digits]byte // what we last sent each digit, leftmost first; must hold mu
	buf    [2]byte
}

// New initializes the chip: code B decoding on every digit, all digits scanned, display on.
// Brightness is 0-15.
func New(conn Conn, brightness int) (*Dev, error) {
	if brightness < 0 || brightness > 15 {
		return nil, fmt.Errorf("segment: brightness %d not in [0, 15]", brightness)
	}
	d := &Dev{conn: conn}
	for _, cmd := range [][2]byte{
		{regScanLimit, Digits - 1},
		{regDecodeMode, 0xFF},
		{regDisplayTest, 0x00},
		{regShutdown, 0x01},
		{regIntensity, byte(brightness)},
	} {
		if err := d.send(cmd[0], cmd[1]); err != nil {
			return nil, fmt.Errorf("init max7219: %w", err)
		}
	}
	for i := range d.digits {
		if err := d.setDigit(i, codeBlank); err != nil {
			return nil, fmt.Errorf("blank digits: %w", err)
		}
	}
	return d, nil
}

func (d *Dev) String() string { return "max7219" }

func (d *Dev) Rows() int   { return 1 }
func (d *Dev) Cols() int   { return Digits }
func (d *Dev) MinRow() int { return 0 }
func (d *Dev) MinCol() int { return 0 }

// MoveTo moves the cursor to a digit, counting from the left.
func (d *Dev) MoveTo(row, col int) error {
	if row != 0 || col < 0 || col >= Digits {
		return fmt.Errorf("segment: position (%d, %d) out of range", row, col)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.col = col
	return nil
}

// Write shows p starting at the cursor.  Digits, space, '-', 'E', 'H', 'L' and 'P' are drawn
// as themselves.  ':' and '.' blank their own digit and light the decimal point of the one
// before it, so "12:34:56" looks like "12. 34. 56".  Anything past the last digit is dropped.
func (d *Dev) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for n, c := range p {
		if d.col >= Digits {
			return n, nil
		}
		if c == ':' || c == '.' {
			if d.col > 0 {
				prev := d.col - 1
				if err := d.setDigit(prev, d.digits[prev]|dp); err != nil {
					return n, err
				}
			}
			c = ' '
		}
		if err := d.setDigit(d.col, code(c)); err != nil {
			return n, err
		}
		d.col++
	}
	return len(p), nil
}

// Halt blanks every digit except for the rightmost decimal point, so someone looking at the
// clock can tell that it still has power and the program exited.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < Digits-1; i++ {
		if err := d.setDigit(i, codeBlank); err != nil {
			return err
		}
	}
	return d.setDigit(Digits-1, codeBlank|dp)
}

func code(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c == '-':
		return codeDash
	case c == 'E':
		return codeE
	case c == 'H':
		return codeH
	case c == 'L':
		return codeL
	case c == 'P':
		return codeP
	}
	return codeBlank
}

// setDigit sets the digit at column i (0 is leftmost).
func (d *Dev) setDigit(i int, v byte) error {
	if err := d.send(byte(regDigit0+Digits-1-i), v); err != nil {
		return fmt.Errorf("set digit %d: %w", i, err)
	}
	d.digits[i] = v
	return nil
}

func (d *Dev) send(reg, v byte) error {
	d.buf[0], d.buf[1] = reg, v
	if _, err := d.conn.Xfer(d.buf[:]); err != nil {
		return fmt.Errorf("spi transfer: %w", err)
	}
	return nil
}
