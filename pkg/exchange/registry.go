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
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// In-process registry of open interfaces keyed by segment name, so two
// goroutines asking for the same session share one mapping instead of the
// second construction failing on the exclusive create.

type registryEntry struct {
	iface interface{ Close() error }
	refs  int32
}

var (
	registry = cmap.New[*registryEntry]()
	// registryMu serializes first-open and last-close per name; lookups
	// go through the concurrent map without it.
	registryMu sync.Mutex
)

// Acquire returns the registered interface for conf.SegmentName, creating
// it on first use. Each Acquire must be paired with a Release; the
// underlying interface closes when the last holder releases it.
func Acquire[F any, A any](conf *Config) (*MsgInterface[F, A], error) {
	if e, ok := registry.Get(conf.SegmentName); ok {
		if mi, live, err := refEntry[F, A](conf.SegmentName, e); live || err != nil {
			return mi, err
		}
		// the last holder is releasing this entry concurrently; take the
		// slow path so we serialize against the close
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if e, ok := registry.Get(conf.SegmentName); ok {
		// Release removes the entry under registryMu before unlocking, so
		// an entry found here always has at least one reference
		if mi, live, err := refEntry[F, A](conf.SegmentName, e); live || err != nil {
			return mi, err
		}
		registry.Remove(conf.SegmentName)
	}
	mi, err := New[F, A](conf)
	if err != nil {
		return nil, err
	}
	registry.Set(conf.SegmentName, &registryEntry{iface: mi, refs: 1})
	return mi, nil
}

// refEntry takes one more reference on e. It refuses to resurrect an entry
// whose count already reached zero: that entry's interface is being closed
// by Release, and handing it out would expose unmapped memory.
func refEntry[F any, A any](name string, e *registryEntry) (*MsgInterface[F, A], bool, error) {
	mi, ok := e.iface.(*MsgInterface[F, A])
	if !ok {
		return nil, false, fmt.Errorf("%w: segment %s already open with different payload types",
			ErrProtocolMisuse, name)
	}
	for {
		n := atomic.LoadInt32(&e.refs)
		if n == 0 {
			return nil, false, nil
		}
		if atomic.CompareAndSwapInt32(&e.refs, n, n+1) {
			return mi, true, nil
		}
	}
}

// Release drops one reference on the named interface and closes it when no
// holders remain. Releasing an unknown name is a no-op.
func Release(segmentName string) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	e, ok := registry.Get(segmentName)
	if !ok {
		return nil
	}
	if atomic.AddInt32(&e.refs, -1) > 0 {
		return nil
	}
	registry.Remove(segmentName)
	return e.iface.Close()
}
