//go:build linux || darwin

// Package fdlimit inspects and raises the process's open file limit. Every peer
// connection and every waiting client holds a descriptor.
package fdlimit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Get returns the soft and hard RLIMIT_NOFILE values.
func Get() (cur, max uint64, err error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, 0, fmt.Errorf("getrlimit: %w", err)
	}
	return rlim.Cur, rlim.Max, nil
}

// Raise lifts the soft limit to want, capped at the hard limit. It never lowers the
// limit and returns the soft limit in effect afterwards.
func Raise(want uint64) (uint64, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}

	target := want
	if target > rlim.Max {
		target = rlim.Max
	}
	if target <= rlim.Cur {
		return rlim.Cur, nil
	}

	rlim.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("setrlimit: %w", err)
	}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	return rlim.Cur, nil
}
