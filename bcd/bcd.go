// Package bcd converts between integers and the packed binary-coded-decimal bytes used by
// clock chips: the high nibble holds the tens digit and the low nibble the units digit.
package bcd

import "fmt"

// Max is the largest value that fits in one packed BCD byte.
const Max = 99

// RangeError is returned when asked to encode a value that doesn't fit in two decimal
// digits.  It's always a bug in the caller.
type RangeError struct {
	Value int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("bcd: value %d outside 0-%d", e.Value, Max)
}

// Encode packs v, which must be in [0, 99], into one byte.
func Encode(v int) (byte, error) {
	if v < 0 || v > Max {
		return 0, &RangeError{Value: v}
	}
	return byte(v/10<<4 | v%10), nil
}

// Decode unpacks a BCD byte.  Nibbles above 9 are not rejected; the chip never produces
// them unless something is very wrong, and the caller validates the decoded fields.
func Decode(b byte) int {
	return int(b>>4)*10 + int(b&0x0f)
}
