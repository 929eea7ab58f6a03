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
	"sync/atomic"

	"github.com/heptiolabs/healthcheck"
)

// HealthHandler exposes the session over the standard liveness/readiness
// surface: live while the mappings are held, ready while the session has
// not finished. Mount it on an HTTP mux for deployments that probe their
// sidecars.
func (mi *MsgInterface[F, A]) HealthHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("segment-mapped", func() error {
		if atomic.LoadUint32(&mi.closed) != 0 {
			return errors.New("interface closed")
		}
		return nil
	})
	h.AddReadinessCheck("session-running", func() error {
		if mi.GetFinished() {
			return errors.New("session finished")
		}
		return nil
	})
	return h
}
