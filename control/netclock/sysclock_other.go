//go:build !linux

package netclock

import (
	"errors"
	"time"
)

func setSystemClock(t time.Time) error {
	return errors.New("setting the system clock is only supported on linux")
}
