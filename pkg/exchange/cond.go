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
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/srediag/simipc/internal/shm"
)

// Cond is a cross-process condition signal built on a sequence word in
// shared memory. Waiters snapshot the sequence under the lock, release the
// lock, and futex-wait for the sequence to move; every Signal/Broadcast
// bumps it. Spurious and missed wakeups are handled by the caller's
// predicate loop, exactly as with sync.Cond.
type Cond struct {
	seq *uint32
}

// newCond binds a Cond to the first word of mem.
func newCond(mem []byte) *Cond {
	return &Cond{seq: (*uint32)(unsafe.Pointer(&mem[0]))}
}

// Wait atomically releases m and blocks until the condition is signalled,
// then re-acquires m before returning. The caller must hold m and must
// re-check its predicate after Wait returns.
func (c *Cond) Wait(m *Mutex) {
	seq := atomic.LoadUint32(c.seq)
	m.Unlock()
	_ = shm.FutexWait(c.seq, seq)
	m.Lock()
}

// WaitTimeout is Wait with a bound. It returns shm.ErrFutexTimeout when the
// bound expires; the lock is re-acquired in every case.
func (c *Cond) WaitTimeout(m *Mutex, d time.Duration) error {
	seq := atomic.LoadUint32(c.seq)
	m.Unlock()
	err := shm.FutexWaitDuration(c.seq, seq, d)
	m.Lock()
	return err
}

// Signal wakes one waiter.
func (c *Cond) Signal() {
	atomic.AddUint32(c.seq, 1)
	if _, err := shm.FutexWake(c.seq, 1); err != nil {
		internalLogger.warnf("cond signal failed: %s", err.Error())
	}
}

// Broadcast wakes every waiter. Used by the finished flag transition so no
// process stays blocked after the session ends.
func (c *Cond) Broadcast() {
	atomic.AddUint32(c.seq, 1)
	if _, err := shm.FutexWake(c.seq, math.MaxInt32); err != nil {
		internalLogger.warnf("cond broadcast failed: %s", err.Error())
	}
}
