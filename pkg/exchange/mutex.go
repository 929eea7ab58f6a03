/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package exchange

import (
	"sync/atomic"
	"unsafe"

	"github.com/srediag/simipc/internal/shm"
)

const (
	mutexFree      = uint32(0)
	mutexLocked    = uint32(1)
	mutexContended = uint32(2)
)

// Mutex is a cross-process mutual exclusion primitive. Its state word lives
// in a shared memory region, so any process that maps the same region
// contends on the same lock. Not reentrant.
type Mutex struct {
	state *uint32
}

// newMutex binds a Mutex to the first word of mem. The creator's zeroed
// pages leave the lock in the free state.
func newMutex(mem []byte) *Mutex {
	return &Mutex{state: (*uint32)(unsafe.Pointer(&mem[0]))}
}

// Lock acquires the mutex, futex-waiting while another process holds it.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(m.state, mutexFree, mutexLocked) {
		return
	}
	for {
		old := atomic.LoadUint32(m.state)
		if old == mutexContended ||
			(old == mutexLocked && atomic.CompareAndSwapUint32(m.state, mutexLocked, mutexContended)) {
			_ = shm.FutexWait(m.state, mutexContended)
		}
		if atomic.CompareAndSwapUint32(m.state, mutexFree, mutexContended) {
			return
		}
	}
}

// TryLock acquires the mutex without blocking and reports success.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.state, mutexFree, mutexLocked)
}

// Unlock releases the mutex and wakes one waiter if contention was
// recorded. Unlocking an unheld mutex is undefined, as with sync.Mutex.
func (m *Mutex) Unlock() {
	if atomic.SwapUint32(m.state, mutexFree) == mutexContended {
		if _, err := shm.FutexWake(m.state, 1); err != nil {
			internalLogger.warnf("mutex wake failed: %s", err.Error())
		}
	}
}
