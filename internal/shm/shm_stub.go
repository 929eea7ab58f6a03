//go:build !linux

package shm

import "time"

// The exchange protocol depends on shared futexes and /dev/shm backed
// mappings, which only Linux provides in the form used here.

func OpenRegion(name string, size int, create bool) (*Region, error) {
	return nil, ErrNotSupported
}

func (r *Region) Close() error {
	return nil
}

func RegionPath(name string) string {
	return name
}

func FutexWait(addr *uint32, val uint32) error {
	return ErrNotSupported
}

func FutexWaitDuration(addr *uint32, val uint32, d time.Duration) error {
	return ErrNotSupported
}

func FutexWake(addr *uint32, n int) (int, error) {
	return 0, ErrNotSupported
}
