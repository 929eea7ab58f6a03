// Package shm contains the platform substrate for the exchange protocol:
// named memory-mapped regions under /dev/shm and futex-based wait/wake.
package shm

import "errors"

var (
	// ErrNotSupported is returned on platforms without shared futex support.
	ErrNotSupported = errors.New("shm: not supported on this platform")

	// ErrFutexTimeout is returned by FutexWaitDuration when the wait
	// expires before the word changes.
	ErrFutexTimeout = errors.New("shm: futex timeout")
)

// Region is a named shared memory region mapped into this process.
// The creating process owns the backing file and unlinks it on Close;
// attaching processes only unmap.
type Region struct {
	Mem     []byte
	Name    string
	Path    string
	Size    int
	Created bool
	fd      int
}
