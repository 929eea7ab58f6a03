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
	"errors"
	"sync"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
)

// Handler consumes one received payload. The slice is a private copy of
// the slot's record bytes and is only valid for the duration of the call;
// it returns to a pool afterwards.
type Handler func(payload []byte)

type dispatcherStop struct{}

// Dispatcher turns the pull-style RecvBegin/RecvEnd pair into push-style
// callback consumption of one direction. A receive loop copies each
// published payload out of the slot into a pooled buffer and hands it to a
// worker pool, so a slow handler delays its own callbacks but never the
// peer's next send.
type Dispatcher[F any, A any] struct {
	mi      *MsgInterface[F, A]
	dir     Direction
	handler Handler
	pool    *ants.Pool
	pending *queuepkg.Queue
	wg      sync.WaitGroup
}

// NewDispatcher builds a dispatcher for one direction of mi with the given
// handler concurrency.
func NewDispatcher[F any, A any](mi *MsgInterface[F, A], dir Direction, handler Handler, workers int) (*Dispatcher[F, A], error) {
	if !dir.valid() {
		return nil, errors.New("invalid direction")
	}
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &Dispatcher[F, A]{
		mi:      mi,
		dir:     dir,
		handler: handler,
		pool:    pool,
		pending: queuepkg.New(16),
	}, nil
}

// Run blocks receiving payloads until the session finishes or the
// interface closes, then drains the pending queue and releases the worker
// pool. A finished session is the normal end and returns nil.
func (d *Dispatcher[F, A]) Run() error {
	d.wg.Add(1)
	go d.dispatchLoop()

	var runErr error
	for {
		err := d.mi.RecvBegin(d.dir)
		if err != nil {
			if errors.Is(err, ErrSessionFinished) || errors.Is(err, ErrInterfaceClosed) {
				break
			}
			if errors.Is(err, ErrRecvTimeout) {
				continue
			}
			runErr = err
			break
		}
		buf := bytebufferpool.Get()
		_, _ = buf.Write(d.mi.slotBytes(d.dir))
		if err := d.mi.RecvEnd(d.dir); err != nil {
			bytebufferpool.Put(buf)
			runErr = err
			break
		}
		if err := d.pending.Put(buf); err != nil {
			bytebufferpool.Put(buf)
			runErr = err
			break
		}
	}

	_ = d.pending.Put(dispatcherStop{})
	d.wg.Wait()
	d.pending.Dispose()
	_ = d.pool.ReleaseTimeout(time.Second)
	return runErr
}

// Stop marks the session finished, which unblocks the receive loop. Run
// returns once the pending payloads are handed off.
func (d *Dispatcher[F, A]) Stop() {
	d.mi.SetFinished()
}

func (d *Dispatcher[F, A]) dispatchLoop() {
	defer d.wg.Done()
	for {
		items, err := d.pending.Get(1)
		if err != nil || len(items) == 0 {
			return
		}
		buf, ok := items[0].(*bytebufferpool.ByteBuffer)
		if !ok {
			return
		}
		if err := d.pool.Submit(func() {
			d.handler(buf.B)
			bytebufferpool.Put(buf)
		}); err != nil {
			bytebufferpool.Put(buf)
			internalLogger.warnf("dispatch submit failed: %s", err.Error())
			return
		}
	}
}
