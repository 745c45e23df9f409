//go:build !linux && !darwin

package fdlimit

import "errors"

var errUnsupported = errors.New("file descriptor limits are not supported on this platform")

// Get is not supported on this platform.
func Get() (cur, max uint64, err error) {
	return 0, 0, errUnsupported
}

// Raise is a no-op on this platform.
func Raise(want uint64) (uint64, error) {
	return 0, errUnsupported
}
