//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex words handed to these functions live inside MAP_SHARED pages,
// so the shared (non-private) futex ops are required for wakeups to cross
// the process boundary. x/sys/unix exports only the SYS_FUTEX numbers, so
// the op codes are declared here.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// FutexWait blocks until the word at addr no longer holds val, or a wake
// arrives. The value is re-checked before entering the syscall to close the
// window where a peer bumps the word and wakes between our snapshot and the
// kernel entry. Spurious returns are possible; callers loop on their
// predicate.
func FutexWait(addr *uint32, val uint32) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		0, 0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	}
	return fmt.Errorf("futex wait: %w", errno)
}

// FutexWaitDuration is FutexWait with a relative timeout. It returns
// ErrFutexTimeout when the wait expires.
func FutexWaitDuration(addr *uint32, val uint32, d time.Duration) error {
	if d <= 0 {
		return FutexWait(addr, val)
	}
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrFutexTimeout
	}
	return fmt.Errorf("futex wait: %w", errno)
}

// FutexWake wakes up to n waiters blocked on addr and reports how many
// were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}
	return int(r1), nil
}
