package ds1307

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// The last successful sync is kept in user memory so that after a reboot we know how stale
// the clock might be.  Layout: one magic byte, then Unix seconds as a big-endian uint64.
const (
	stampOffset = 0
	stampMagic  = 'S'
	stampSize   = 9
)

// ErrNoSyncStamp means user memory doesn't hold a sync stamp (new chip, or dead battery).
var ErrNoSyncStamp = errors.New("ds1307: no sync stamp in user memory")

// SaveSyncStamp records t as the time of the last successful sync.
func (d *Dev) SaveSyncStamp(t time.Time) error {
	var buf [stampSize]byte
	buf[0] = stampMagic
	binary.BigEndian.PutUint64(buf[1:], uint64(t.Unix()))
	if err := d.WriteUserMemory(stampOffset, buf[:]); err != nil {
		return fmt.Errorf("save sync stamp: %w", err)
	}
	return nil
}

// LoadSyncStamp returns the time saved by SaveSyncStamp.
func (d *Dev) LoadSyncStamp() (time.Time, error) {
	buf, err := d.ReadUserMemory(stampOffset, stampSize)
	if err != nil {
		return time.Time{}, fmt.Errorf("load sync stamp: %w", err)
	}
	if buf[0] != stampMagic {
		return time.Time{}, ErrNoSyncStamp
	}
	return time.Unix(int64(binary.BigEndian.Uint64(buf[1:])), 0), nil
}
