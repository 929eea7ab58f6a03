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
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/srediag/simipc/internal/shm"
)

type testFeature struct {
	Value int32
	Data  [64]byte
}

type testAction struct {
	Value int32
}

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("exchange requires linux shared futexes")
	}
}

func testConf(t *testing.T, create bool) *Config {
	t.Helper()
	base := fmt.Sprintf("simipc_test_%d_%d", os.Getpid(), mrand.Int63())
	conf := DefaultConfig()
	conf.CreateMemory = create
	conf.CreateLock = create
	conf.CreateConditions = create
	conf.SegmentName = base + "_seg"
	conf.LockName = base + "_lock"
	conf.FeatureReadyName = base + "_fc"
	conf.ActionReadyName = base + "_ac"
	return conf
}

func attachConf(conf *Config) *Config {
	c := *conf
	c.CreateMemory = false
	c.CreateLock = false
	c.CreateConditions = false
	return &c
}

// testPair binds a creator and an attacher to a fresh session. Both live
// in this process; the mappings are distinct but back the same pages, so
// the cross-process protocol is exercised for real.
func testPair(t *testing.T) (sim, ctrl *MsgInterface[testFeature, testAction]) {
	t.Helper()
	requireLinux(t)
	conf := testConf(t, true)
	sim, err := New[testFeature, testAction](conf)
	assert.Nil(t, err)
	ctrl, err = New[testFeature, testAction](attachConf(conf))
	assert.Nil(t, err)
	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = sim.Close()
	})
	return sim, ctrl
}

func TestRoundTripByteExact(t *testing.T) {
	sim, ctrl := testPair(t)

	var pattern [64]byte
	_, err := rand.Read(pattern[:])
	assert.Nil(t, err)

	assert.Nil(t, sim.SendBegin(DirectionFeature))
	sim.FeatureView().Value = 1234567
	sim.FeatureView().Data = pattern
	assert.Nil(t, sim.SendEnd(DirectionFeature))

	assert.Nil(t, ctrl.RecvBegin(DirectionFeature))
	assert.Equal(t, int32(1234567), ctrl.FeatureView().Value)
	assert.Equal(t, pattern, ctrl.FeatureView().Data)
	assert.Nil(t, ctrl.RecvEnd(DirectionFeature))
}

func TestOverwriteKeepsLatestOnly(t *testing.T) {
	sim, ctrl := testPair(t)

	for _, v := range []int32{1, 2} {
		assert.Nil(t, sim.SendBegin(DirectionFeature))
		sim.FeatureView().Value = v
		assert.Nil(t, sim.SendEnd(DirectionFeature))
	}

	assert.Nil(t, ctrl.RecvBegin(DirectionFeature))
	assert.Equal(t, int32(2), ctrl.FeatureView().Value)
	assert.Nil(t, ctrl.RecvEnd(DirectionFeature))

	// the first payload is gone, not queued behind the second
	ctrl.conf.RecvTimeout = 50 * time.Millisecond
	err := ctrl.RecvBegin(DirectionFeature)
	assert.ErrorIs(t, err, ErrRecvTimeout)
}

func TestRecvBlocksUntilSend(t *testing.T) {
	sim, ctrl := testPair(t)

	received := make(chan struct{})
	go func() {
		defer close(received)
		if err := ctrl.RecvBegin(DirectionFeature); err != nil {
			return
		}
		_ = ctrl.RecvEnd(DirectionFeature)
	}()

	select {
	case <-received:
		t.Fatal("receiver returned before anything was sent")
	case <-time.After(100 * time.Millisecond):
	}

	sentAt := time.Now()
	assert.Nil(t, sim.SendBegin(DirectionFeature))
	sim.FeatureView().Value = 9
	assert.Nil(t, sim.SendEnd(DirectionFeature))

	select {
	case <-received:
		// wake latency is signal-driven, not a polling interval
		assert.Less(t, time.Since(sentAt), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not woken by SendEnd")
	}
}

func TestFinishedUnblocksReceiver(t *testing.T) {
	sim, ctrl := testPair(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.RecvBegin(DirectionFeature)
	}()

	time.Sleep(50 * time.Millisecond)
	sim.SetFinished()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionFinished)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not released by finished flag")
	}

	// once finished, receives return immediately with the no-data outcome
	assert.True(t, ctrl.GetFinished())
	assert.ErrorIs(t, ctrl.RecvBegin(DirectionFeature), ErrSessionFinished)
	assert.ErrorIs(t, ctrl.RecvBegin(DirectionAction), ErrSessionFinished)
}

func TestConcurrentSendersSerialized(t *testing.T) {
	sim, _ := testPair(t)

	var inCritical int32
	var maxInCritical int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(v int32) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.Nil(t, sim.SendBegin(DirectionFeature))
				n := atomic.AddInt32(&inCritical, 1)
				for {
					max := atomic.LoadInt32(&maxInCritical)
					if n <= max || atomic.CompareAndSwapInt32(&maxInCritical, max, n) {
						break
					}
				}
				sim.FeatureView().Value = v
				atomic.AddInt32(&inCritical, -1)
				assert.Nil(t, sim.SendEnd(DirectionFeature))
			}
		}(int32(i))
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInCritical))
}

func TestEndToEndAlternatingExchange(t *testing.T) {
	sim, ctrl := testPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Nil(t, ctrl.RecvBegin(DirectionFeature))
		assert.Equal(t, int32(42), ctrl.FeatureView().Value)
		assert.Nil(t, ctrl.RecvEnd(DirectionFeature))

		assert.Nil(t, ctrl.SendBegin(DirectionAction))
		ctrl.ActionView().Value = 7
		assert.Nil(t, ctrl.SendEnd(DirectionAction))
	}()

	assert.Nil(t, sim.SendBegin(DirectionFeature))
	sim.FeatureView().Value = 42
	assert.Nil(t, sim.SendEnd(DirectionFeature))

	assert.Nil(t, sim.RecvBegin(DirectionAction))
	assert.Equal(t, int32(7), sim.ActionView().Value)
	assert.Nil(t, sim.RecvEnd(DirectionAction))

	<-done

	// both ready flags are back to unready after consumption
	assert.False(t, sim.hdr.ready(DirectionFeature))
	assert.False(t, sim.hdr.ready(DirectionAction))
	assert.False(t, sim.GetFinished())
}

func TestRecvTimeout(t *testing.T) {
	_, ctrl := testPair(t)
	ctrl.conf.RecvTimeout = 50 * time.Millisecond

	begin := time.Now()
	err := ctrl.RecvBegin(DirectionFeature)
	assert.ErrorIs(t, err, ErrRecvTimeout)
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestEndWithoutBeginIsMisuse(t *testing.T) {
	sim, ctrl := testPair(t)
	assert.ErrorIs(t, sim.SendEnd(DirectionFeature), ErrProtocolMisuse)
	assert.ErrorIs(t, ctrl.RecvEnd(DirectionFeature), ErrProtocolMisuse)
	assert.ErrorIs(t, sim.SendBegin(Direction(7)), ErrProtocolMisuse)
}

func TestVectorSlices(t *testing.T) {
	sim, ctrl := testPair(t)

	assert.Nil(t, sim.SendBegin(DirectionFeature))
	features, err := sim.FeatureSlice(4)
	assert.Nil(t, err)
	for i := range features {
		features[i].Value = int32(i * 11)
	}
	assert.Nil(t, sim.SendEnd(DirectionFeature))

	assert.Nil(t, ctrl.RecvBegin(DirectionFeature))
	got, err := ctrl.FeatureSlice(4)
	assert.Nil(t, err)
	for i := range got {
		assert.Equal(t, int32(i*11), got[i].Value)
	}
	assert.Nil(t, ctrl.RecvEnd(DirectionFeature))

	// a slice that does not fit the slot is refused
	_, err = sim.FeatureSlice(1 << 20)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestCapacityCheckedAtConstruction(t *testing.T) {
	requireLinux(t)
	conf := testConf(t, true)
	conf.PayloadCapacity = 8
	_, err := New[testFeature, testAction](conf)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestCreateCollisionAndMissingAttach(t *testing.T) {
	requireLinux(t)
	conf := testConf(t, true)
	sim, err := New[testFeature, testAction](conf)
	assert.Nil(t, err)
	defer func() { _ = sim.Close() }()

	_, err = New[testFeature, testAction](conf)
	assert.ErrorIs(t, err, ErrResourceCreation)

	missing := testConf(t, false)
	missing.MaxAttachWait = 50 * time.Millisecond
	_, err = New[testFeature, testAction](missing)
	assert.ErrorIs(t, err, ErrResourceAttach)
}

func TestAttachWaitsForHeaderPublication(t *testing.T) {
	requireLinux(t)
	conf := testConf(t, true)
	layout := calculateLayout(conf.PayloadCapacity)

	// stand in for a creator caught mid-construction: all regions exist
	// and the magic is already visible, but the header is not published
	seg, err := shm.OpenRegion(conf.SegmentName, int(layout.totalSize), true)
	assert.Nil(t, err)
	lock, err := shm.OpenRegion(conf.LockName, auxRegionSize, true)
	assert.Nil(t, err)
	fc, err := shm.OpenRegion(conf.FeatureReadyName, auxRegionSize, true)
	assert.Nil(t, err)
	ac, err := shm.OpenRegion(conf.ActionReadyName, auxRegionSize, true)
	assert.Nil(t, err)

	hdr := headerOf(seg.Mem)
	copy(hdr.magic[:], segmentMagic)

	done := make(chan error, 1)
	var ctrl *MsgInterface[testFeature, testAction]
	go func() {
		var attachErr error
		ctrl, attachErr = New[testFeature, testAction](attachConf(conf))
		done <- attachErr
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("attach completed against an unpublished header: %v", err)
	default:
	}

	var f testFeature
	var a testAction
	hdr.initialize(layout, conf.PayloadCapacity,
		uint32(unsafe.Sizeof(f)), uint32(unsafe.Sizeof(a)), uint32(os.Getpid()))
	assert.Nil(t, <-done)

	_ = ctrl.Close()
	for _, r := range []*shm.Region{ac, fc, lock, seg} {
		assert.Nil(t, r.Close())
	}
}

func TestClosedInterfaceRefusesOperations(t *testing.T) {
	sim, _ := testPair(t)
	assert.Nil(t, sim.Close())
	assert.ErrorIs(t, sim.SendBegin(DirectionFeature), ErrInterfaceClosed)
	assert.True(t, sim.GetFinished())
}
