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
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherDeliversCopies(t *testing.T) {
	sim, ctrl := testPair(t)

	var mu sync.Mutex
	var got []int32
	handler := func(payload []byte) {
		f := (*testFeature)(unsafe.Pointer(&payload[0]))
		mu.Lock()
		got = append(got, f.Value)
		mu.Unlock()
	}

	d, err := NewDispatcher(ctrl, DirectionFeature, handler, 2)
	assert.Nil(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	const rounds = 20
	for i := 0; i < rounds; i++ {
		assert.Nil(t, sim.SendBegin(DirectionFeature))
		sim.FeatureView().Value = int32(i)
		assert.Nil(t, sim.SendEnd(DirectionFeature))
		// strict alternation is the caller's job; pace the sender so no
		// payload is overwritten before the dispatcher consumes it
		for {
			mu.Lock()
			n := len(got)
			mu.Unlock()
			if n > i {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	sim.SetFinished()
	select {
	case err := <-runDone:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop on finished session")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, rounds, len(got))
	for i, v := range got {
		assert.Equal(t, int32(i), v)
	}
}

func TestDispatcherStop(t *testing.T) {
	_, ctrl := testPair(t)

	d, err := NewDispatcher(ctrl, DirectionFeature, func([]byte) {}, 1)
	assert.Nil(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	time.Sleep(50 * time.Millisecond)
	d.Stop()

	select {
	case err := <-runDone:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock Run")
	}
}

func TestDispatcherRejectsBadArgs(t *testing.T) {
	sim, _ := testPair(t)
	_, err := NewDispatcher(sim, Direction(9), func([]byte) {}, 1)
	assert.NotNil(t, err)
	_, err = NewDispatcher(sim, DirectionFeature, nil, 1)
	assert.NotNil(t, err)
}
