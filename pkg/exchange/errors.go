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

import "errors"

var (
	// ErrResourceCreation means a create-mode construction collided with
	// an already existing name.
	ErrResourceCreation = errors.New("exchange: resource name already exists")

	// ErrResourceAttach means an attach-mode construction found no
	// resource under the requested name.
	ErrResourceAttach = errors.New("exchange: resource not found")

	// ErrCapacity means the configured payload capacity cannot hold the
	// declared record types.
	ErrCapacity = errors.New("exchange: payload capacity insufficient")

	// ErrProtocolMisuse means a begin/end call arrived out of order, for
	// example SendEnd without a matching SendBegin.
	ErrProtocolMisuse = errors.New("exchange: protocol misuse")

	// ErrRecvTimeout means a bounded RecvBegin wait expired before the
	// peer published a payload.
	ErrRecvTimeout = errors.New("exchange: receive timed out")

	// ErrSessionFinished means the finished flag was observed; no new
	// payload was delivered and the slot contents are stale.
	ErrSessionFinished = errors.New("exchange: session finished")

	// ErrInterfaceClosed means the interface was closed and its mappings
	// released.
	ErrInterfaceClosed = errors.New("exchange: interface closed")
)
