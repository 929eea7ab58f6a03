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
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Direction selects one of the two payload flows of a session.
type Direction uint32

const (
	// DirectionFeature is the simulation to controller flow.
	DirectionFeature Direction = 0
	// DirectionAction is the controller to simulation flow.
	DirectionAction Direction = 1

	directionCount = 2
)

func (d Direction) valid() bool {
	return d < directionCount
}

func (d Direction) String() string {
	switch d {
	case DirectionFeature:
		return "feature"
	case DirectionAction:
		return "action"
	}
	return "invalid"
}

const (
	segmentMagic   = "SIMIPC\x00\x00"
	segmentVersion = uint32(1)

	// controlHeaderSize is the size of the control area at the front of
	// the segment, aligned to 128 bytes. The payload slots follow it.
	controlHeaderSize = uint32(128)
)

// controlHeader is the fixed layout of the segment's control area.
//
//	magic        [8]byte  0x00
//	version      uint32   0x08
//	flags        uint32   0x0C (reserved)
//	totalSize    uint64   0x10
//	payloadCap   uint32   0x18
//	featureOff   uint32   0x1C
//	featureCap   uint32   0x20
//	actionOff    uint32   0x24
//	actionCap    uint32   0x28
//	featureSize  uint32   0x2C
//	actionSize   uint32   0x30
//	featureReady uint32   0x34
//	actionReady  uint32   0x38
//	finished     uint32   0x3C
//	creatorPID   uint32   0x40
//	attacherPID  uint32   0x44
//	reserved     [56]byte 0x48
//
// The ready and finished flags are mutated only while the session lock is
// held; the atomic accessors exist for the lock-free readers (GetFinished)
// and to keep the mapping race-detector clean.
type controlHeader struct {
	magic        [8]byte
	version      uint32
	flags        uint32
	totalSize    uint64
	payloadCap   uint32
	featureOff   uint32
	featureCap   uint32
	actionOff    uint32
	actionCap    uint32
	featureSize  uint32
	actionSize   uint32
	featureReady uint32
	actionReady  uint32
	finished     uint32
	creatorPID   uint32
	attacherPID  uint32
	reserved     [56]byte
}

func headerOf(mem []byte) *controlHeader {
	return (*controlHeader)(unsafe.Pointer(&mem[0]))
}

func (h *controlHeader) readyWord(dir Direction) *uint32 {
	if dir == DirectionFeature {
		return &h.featureReady
	}
	return &h.actionReady
}

func (h *controlHeader) ready(dir Direction) bool {
	return atomic.LoadUint32(h.readyWord(dir)) != 0
}

func (h *controlHeader) setReady(dir Direction, ready bool) {
	var v uint32
	if ready {
		v = 1
	}
	atomic.StoreUint32(h.readyWord(dir), v)
}

func (h *controlHeader) isFinished() bool {
	return atomic.LoadUint32(&h.finished) != 0
}

func (h *controlHeader) setFinished() {
	atomic.StoreUint32(&h.finished, 1)
}

func (h *controlHeader) slotOffset(dir Direction) uint32 {
	if dir == DirectionFeature {
		return h.featureOff
	}
	return h.actionOff
}

func (h *controlHeader) slotCap(dir Direction) uint32 {
	if dir == DirectionFeature {
		return h.featureCap
	}
	return h.actionCap
}

// segmentLayout describes where the two slots live inside the segment.
// Both peers compute it independently from PayloadCapacity; the attacher
// additionally validates its result against the creator's header.
type segmentLayout struct {
	totalSize  uint32
	featureOff uint32
	featureCap uint32
	actionOff  uint32
	actionCap  uint32
}

// calculateLayout does its arithmetic in uint64; VerifyConfig bounds the
// capacity so the results fit uint32 without wrapping.
func calculateLayout(payloadCap uint32) segmentLayout {
	half := align64(uint64(payloadCap) / 2)
	return segmentLayout{
		totalSize:  uint32(uint64(controlHeaderSize) + 2*half),
		featureOff: controlHeaderSize,
		featureCap: uint32(half),
		actionOff:  uint32(uint64(controlHeaderSize) + half),
		actionCap:  uint32(half),
	}
}

func (h *controlHeader) initialize(layout segmentLayout, payloadCap, featureSize, actionSize, pid uint32) {
	copy(h.magic[:], segmentMagic)
	h.totalSize = uint64(layout.totalSize)
	h.payloadCap = payloadCap
	h.featureOff = layout.featureOff
	h.featureCap = layout.featureCap
	h.actionOff = layout.actionOff
	h.actionCap = layout.actionCap
	h.featureSize = featureSize
	h.actionSize = actionSize
	h.creatorPID = pid
	// the version word publishes the header: it is stored last, with
	// release ordering, and attachers keep polling while it reads zero
	atomic.StoreUint32(&h.version, segmentVersion)
}

// initialized reports whether the creator has published the header. A set
// magic with a zero version is a creator caught mid-initialize, not a
// mismatch.
func (h *controlHeader) initialized() bool {
	return atomic.LoadUint32(&h.version) != 0
}

// validate checks an attached header against this peer's expectations.
// A mismatch means the two processes disagree on the payload types or the
// capacity, which would silently corrupt the slots if allowed through.
func (h *controlHeader) validate(layout segmentLayout, payloadCap, featureSize, actionSize uint32) error {
	if string(h.magic[:]) != segmentMagic {
		return fmt.Errorf("segment not initialized or foreign magic %q", h.magic)
	}
	if h.version != segmentVersion {
		return fmt.Errorf("segment version %d, this build speaks %d", h.version, segmentVersion)
	}
	if h.payloadCap != payloadCap {
		return fmt.Errorf("segment payload capacity %d, configured %d", h.payloadCap, payloadCap)
	}
	if h.featureOff != layout.featureOff || h.actionOff != layout.actionOff ||
		h.featureCap != layout.featureCap || h.actionCap != layout.actionCap {
		return fmt.Errorf("segment slot layout mismatch")
	}
	if h.featureSize != featureSize || h.actionSize != actionSize {
		return fmt.Errorf("segment record sizes %d/%d, this peer declares %d/%d",
			h.featureSize, h.actionSize, featureSize, actionSize)
	}
	return nil
}
