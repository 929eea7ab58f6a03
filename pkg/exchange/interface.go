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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/simipc/internal/shm"
)

// auxRegionSize is the size of the lock and condition regions. Each holds a
// single futex word; the rest is padding.
const auxRegionSize = 64

// MsgInterface is the protocol core of a two-party, single-channel,
// alternating-turn exchange session. F is the feature record published by
// the simulation side, A the action record published by the controller
// side. Both must be fixed-size types without Go pointers; their bytes are
// shared across the process boundary as-is.
//
// The begin/end pairs implement the handshake: SendBegin acquires the
// session lock and grants write access to the outgoing slot, SendEnd
// publishes the slot and wakes the reader, RecvBegin blocks until a payload
// is published (or the session finishes) and returns holding the lock,
// RecvEnd consumes the payload and releases the lock. The typed views are
// valid only inside a matching begin/end window; access outside that window
// is a caller bug the core does not defend against.
type MsgInterface[F any, A any] struct {
	conf   *Config
	logger *logger

	seg     *shm.Region
	lockReg *shm.Region
	condReg [directionCount]*shm.Region

	hdr   *controlHeader
	mu    *Mutex
	conds [directionCount]*Cond

	// local begin/end bookkeeping for misuse detection, never shared
	sendState [directionCount]uint32
	recvState [directionCount]uint32

	closed uint32

	exchanges metric.Int64Counter
	tracer    trace.Tracer
}

// New constructs a MsgInterface from conf, creating or attaching the four
// named resources per the Create* toggles. Resource-lifecycle failures are
// fatal: no partially constructed interface is returned.
func New[F any, A any](conf *Config) (*MsgInterface[F, A], error) {
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}

	var f F
	var a A
	featureSize := uint32(unsafe.Sizeof(f))
	actionSize := uint32(unsafe.Sizeof(a))
	layout := calculateLayout(conf.PayloadCapacity)
	if featureSize > layout.featureCap || actionSize > layout.actionCap {
		return nil, fmt.Errorf("%w: capacity %d gives %d bytes per slot, records need %d and %d",
			ErrCapacity, conf.PayloadCapacity, layout.featureCap, featureSize, actionSize)
	}

	mi := &MsgInterface[F, A]{
		conf:   conf,
		logger: newLogger("exchange", conf.LogOutput),
		tracer: conf.Tracer,
	}
	if conf.Meter != nil {
		c, err := conf.Meter.Int64Counter("simipc.exchanges.completed")
		if err != nil {
			internalLogger.warnf("otel counter init failed: %s", err.Error())
		} else {
			mi.exchanges = c
		}
	}

	ok := false
	defer func() {
		if !ok {
			mi.releaseRegions()
		}
	}()

	var err error
	mi.seg, err = openNamedRegion(conf.SegmentName, int(layout.totalSize), conf.CreateMemory, conf.MaxAttachWait)
	if err != nil {
		return nil, err
	}
	mi.lockReg, err = openNamedRegion(conf.LockName, auxRegionSize, conf.CreateLock, conf.MaxAttachWait)
	if err != nil {
		return nil, err
	}
	mi.condReg[DirectionFeature], err = openNamedRegion(conf.FeatureReadyName, auxRegionSize, conf.CreateConditions, conf.MaxAttachWait)
	if err != nil {
		return nil, err
	}
	mi.condReg[DirectionAction], err = openNamedRegion(conf.ActionReadyName, auxRegionSize, conf.CreateConditions, conf.MaxAttachWait)
	if err != nil {
		return nil, err
	}

	mi.hdr = headerOf(mi.seg.Mem)
	mi.mu = newMutex(mi.lockReg.Mem)
	mi.conds[DirectionFeature] = newCond(mi.condReg[DirectionFeature].Mem)
	mi.conds[DirectionAction] = newCond(mi.condReg[DirectionAction].Mem)

	if conf.CreateMemory {
		mi.hdr.initialize(layout, conf.PayloadCapacity, featureSize, actionSize, uint32(os.Getpid()))
	} else {
		if err := mi.awaitHeader(layout, featureSize, actionSize); err != nil {
			return nil, err
		}
		atomic.StoreUint32(&mi.hdr.attacherPID, uint32(os.Getpid()))
	}

	mi.logger.debugf("interface bound, segment=%s create=%v capacity=%d",
		conf.SegmentName, conf.CreateMemory, conf.PayloadCapacity)
	ok = true
	return mi, nil
}

// NewNamed mirrors the positional construction signature of the original
// binding surface: three creator toggles, the payload capacity, and the
// four resource names in order.
func NewNamed[F any, A any](createMemory, createLock, createConditions bool, payloadCapacity uint32,
	segmentName, lockName, featureReadyName, actionReadyName string) (*MsgInterface[F, A], error) {
	conf := DefaultConfig()
	conf.CreateMemory = createMemory
	conf.CreateLock = createLock
	conf.CreateConditions = createConditions
	conf.PayloadCapacity = payloadCapacity
	conf.SegmentName = segmentName
	conf.LockName = lockName
	conf.FeatureReadyName = featureReadyName
	conf.ActionReadyName = actionReadyName
	return New[F, A](conf)
}

// openNamedRegion maps a resource region, translating OS-level outcomes
// into the construction error taxonomy. Attaching retries with exponential
// backoff up to maxWait, covering the startup race where the attaching peer
// runs before the creator has made the name.
func openNamedRegion(name string, size int, create bool, maxWait time.Duration) (*shm.Region, error) {
	if create {
		if !canCreateOnDevShm(uint64(size), shm.RegionPath(name)) {
			return nil, fmt.Errorf("no space left on /dev/shm for %s (%d bytes)", name, size)
		}
		r, err := shm.OpenRegion(name, size, true)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return nil, fmt.Errorf("%w: %s", ErrResourceCreation, name)
			}
			return nil, err
		}
		return r, nil
	}

	var r *shm.Region
	op := func() error {
		var err error
		r, err = shm.OpenRegion(name, size, false)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = maxWait
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrResourceAttach, name)
		}
		return nil, err
	}
	return r, nil
}

// awaitHeader waits for the creator to publish the control header, then
// validates it. An unpublished header (zero version word) is retried; a
// header that is published but disagrees on layout or record sizes fails
// immediately.
func (mi *MsgInterface[F, A]) awaitHeader(layout segmentLayout, featureSize, actionSize uint32) error {
	op := func() error {
		if !mi.hdr.initialized() {
			return errors.New("segment not initialized yet")
		}
		if err := mi.hdr.validate(layout, mi.conf.PayloadCapacity, featureSize, actionSize); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = mi.conf.MaxAttachWait
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrResourceAttach, mi.conf.SegmentName, err)
	}
	return nil
}

// SendBegin acquires exclusive access to the outgoing slot of dir. The
// writer never waits for the reader; only lock contention blocks here, so
// concurrent senders serialize rather than fail. The matching view may be
// written until SendEnd. Begin/end windows must not nest within one
// goroutine; the session lock is not reentrant.
func (mi *MsgInterface[F, A]) SendBegin(dir Direction) error {
	if err := mi.checkOpen(dir); err != nil {
		return err
	}
	mi.mu.Lock()
	atomic.StoreUint32(&mi.sendState[dir], 1)
	return nil
}

// SendEnd publishes the outgoing slot: it marks the direction ready, wakes
// a blocked reader, and releases the lock. Publishing over a still-unread
// payload silently overwrites it; this is the single-slot latest-value
// semantics, and callers needing delivery of every payload must alternate
// turns strictly.
func (mi *MsgInterface[F, A]) SendEnd(dir Direction) error {
	if err := mi.checkOpen(dir); err != nil {
		return err
	}
	// a zero window state means no SendBegin preceded us; the lock is not
	// ours to release
	if !atomic.CompareAndSwapUint32(&mi.sendState[dir], 1, 0) {
		return fmt.Errorf("%w: SendEnd(%s) without SendBegin", ErrProtocolMisuse, dir)
	}
	overwrite := mi.hdr.ready(dir)
	mi.hdr.setReady(dir, true)
	mi.conds[dir].Signal()
	mi.mu.Unlock()
	if overwrite {
		mi.logger.tracef("unread %s payload overwritten", dir)
	}
	mi.conf.Metrics.observeSend(dir, overwrite)
	if mi.exchanges != nil {
		mi.exchanges.Add(context.Background(), 1)
	}
	return nil
}

// RecvBegin blocks until the incoming slot of dir holds an unread payload,
// then returns holding the lock; the matching view is readable until
// RecvEnd. When the finished flag is observed instead, RecvBegin releases
// the lock and returns ErrSessionFinished so stale slot contents are never
// mistaken for fresh data. With Config.RecvTimeout set, a wait that
// outlives the bound returns ErrRecvTimeout.
func (mi *MsgInterface[F, A]) RecvBegin(dir Direction) error {
	if err := mi.checkOpen(dir); err != nil {
		return err
	}
	var span trace.Span
	if mi.tracer != nil {
		_, span = mi.tracer.Start(context.Background(), "exchange.recv")
		defer span.End()
	}

	var deadline time.Time
	if mi.conf.RecvTimeout > 0 {
		deadline = time.Now().Add(mi.conf.RecvTimeout)
	}
	start := time.Now()

	mi.mu.Lock()
	for !mi.hdr.ready(dir) && !mi.hdr.isFinished() {
		if deadline.IsZero() {
			mi.conds[dir].Wait(mi.mu)
			continue
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			mi.mu.Unlock()
			mi.conf.Metrics.observeTimeout(dir)
			return fmt.Errorf("%w: direction %s after %s", ErrRecvTimeout, dir, mi.conf.RecvTimeout)
		}
		// ErrFutexTimeout falls through to the deadline re-check above.
		if err := mi.conds[dir].WaitTimeout(mi.mu, remain); err != nil && !errors.Is(err, shm.ErrFutexTimeout) {
			mi.mu.Unlock()
			return err
		}
	}
	if !mi.hdr.ready(dir) {
		// finished flag observed, nothing was delivered
		mi.mu.Unlock()
		return ErrSessionFinished
	}
	atomic.StoreUint32(&mi.recvState[dir], 1)
	mi.conf.Metrics.observeRecvWait(dir, time.Since(start))
	return nil
}

// RecvEnd consumes the incoming payload: it clears the direction's ready
// flag and releases the lock.
func (mi *MsgInterface[F, A]) RecvEnd(dir Direction) error {
	if err := mi.checkOpen(dir); err != nil {
		return err
	}
	if !atomic.CompareAndSwapUint32(&mi.recvState[dir], 1, 0) {
		return fmt.Errorf("%w: RecvEnd(%s) without RecvBegin", ErrProtocolMisuse, dir)
	}
	mi.hdr.setReady(dir, false)
	mi.mu.Unlock()
	if mi.exchanges != nil {
		mi.exchanges.Add(context.Background(), 1)
	}
	return nil
}

// GetFinished reports whether the session's finished flag is set. Never
// blocks.
func (mi *MsgInterface[F, A]) GetFinished() bool {
	if atomic.LoadUint32(&mi.closed) != 0 {
		return true
	}
	return mi.hdr.isFinished()
}

// SetFinished marks the session finished and wakes every waiter on both
// directions. The transition is one-way; either side may trigger it.
func (mi *MsgInterface[F, A]) SetFinished() {
	if atomic.LoadUint32(&mi.closed) != 0 {
		return
	}
	mi.mu.Lock()
	mi.hdr.setFinished()
	mi.conds[DirectionFeature].Broadcast()
	mi.conds[DirectionAction].Broadcast()
	mi.mu.Unlock()
	mi.logger.infof("session finished, segment=%s", mi.conf.SegmentName)
}

// FeatureView returns the typed reference into the feature slot. Valid
// only between a matching begin/end pair on DirectionFeature.
func (mi *MsgInterface[F, A]) FeatureView() *F {
	return (*F)(unsafe.Pointer(&mi.seg.Mem[mi.hdr.featureOff]))
}

// ActionView returns the typed reference into the action slot. Valid only
// between a matching begin/end pair on DirectionAction.
func (mi *MsgInterface[F, A]) ActionView() *A {
	return (*A)(unsafe.Pointer(&mi.seg.Mem[mi.hdr.actionOff]))
}

// FeatureSlice views the feature slot as n consecutive records, for
// sessions whose feature payload is an array rather than a single struct.
func (mi *MsgInterface[F, A]) FeatureSlice(n int) ([]F, error) {
	var f F
	if n <= 0 || uint32(n)*uint32(unsafe.Sizeof(f)) > mi.hdr.featureCap {
		return nil, fmt.Errorf("%w: %d feature records exceed slot capacity %d",
			ErrCapacity, n, mi.hdr.featureCap)
	}
	return unsafe.Slice(mi.FeatureView(), n), nil
}

// ActionSlice views the action slot as n consecutive records.
func (mi *MsgInterface[F, A]) ActionSlice(n int) ([]A, error) {
	var a A
	if n <= 0 || uint32(n)*uint32(unsafe.Sizeof(a)) > mi.hdr.actionCap {
		return nil, fmt.Errorf("%w: %d action records exceed slot capacity %d",
			ErrCapacity, n, mi.hdr.actionCap)
	}
	return unsafe.Slice(mi.ActionView(), n), nil
}

// slotBytes returns the raw record bytes of a direction's slot. Same
// begin/end window contract as the typed views.
func (mi *MsgInterface[F, A]) slotBytes(dir Direction) []byte {
	off := mi.hdr.slotOffset(dir)
	var size uint32
	if dir == DirectionFeature {
		size = mi.hdr.featureSize
	} else {
		size = mi.hdr.actionSize
	}
	return mi.seg.Mem[off : off+size]
}

// Close marks the session finished (so a blocked peer is released), then
// unmaps all regions. The creator of each resource also unlinks its
// backing file, ending the OS-level lifetime; attachers only drop their
// mapping.
func (mi *MsgInterface[F, A]) Close() error {
	if !atomic.CompareAndSwapUint32(&mi.closed, 0, 1) {
		return nil
	}
	if mi.hdr != nil && !mi.hdr.isFinished() {
		mi.mu.Lock()
		mi.hdr.setFinished()
		mi.conds[DirectionFeature].Broadcast()
		mi.conds[DirectionAction].Broadcast()
		mi.mu.Unlock()
	}
	return mi.releaseRegions()
}

func (mi *MsgInterface[F, A]) releaseRegions() error {
	var firstErr error
	regions := []*shm.Region{
		mi.condReg[DirectionAction], mi.condReg[DirectionFeature], mi.lockReg, mi.seg,
	}
	for _, r := range regions {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			internalLogger.warnf("region close failed: %s", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	mi.condReg[DirectionAction], mi.condReg[DirectionFeature], mi.lockReg, mi.seg = nil, nil, nil, nil
	return firstErr
}

func (mi *MsgInterface[F, A]) checkOpen(dir Direction) error {
	if !dir.valid() {
		return fmt.Errorf("%w: invalid direction %d", ErrProtocolMisuse, uint32(dir))
	}
	if atomic.LoadUint32(&mi.closed) != 0 {
		return ErrInterfaceClosed
	}
	return nil
}
