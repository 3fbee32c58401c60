package ds1307

import (
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// LockedBus serializes transactions on a bus shared by several devices, like the clock and a
// character LCD on the same I²C pins.  periph's host buses lock internally too, but fakes
// and bit-banged buses may not.
type LockedBus struct {
	mu  sync.Mutex
	Bus i2c.Bus
}

func (b *LockedBus) String() string {
	return "locked(" + b.Bus.String() + ")"
}

// Tx implements i2c.Bus.
func (b *LockedBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Bus.Tx(addr, w, r)
}

// SetSpeed implements i2c.Bus.
func (b *LockedBus) SetSpeed(f physic.Frequency) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Bus.SetSpeed(f)
}
