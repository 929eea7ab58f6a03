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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the prometheus instrumentation of a session. All methods
// are safe on a nil receiver, so an uninstrumented Config costs nothing but
// a nil check.
type Metrics struct {
	Sends      *prometheus.CounterVec
	Overwrites *prometheus.CounterVec
	Timeouts   *prometheus.CounterVec
	RecvWait   *prometheus.HistogramVec
}

// NewMetrics builds the metric set. Call Register to attach it to a
// prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simipc_sends_total",
			Help: "Payloads published, by direction.",
		}, []string{"direction"}),
		Overwrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simipc_overwrites_total",
			Help: "Unread payloads overwritten by a newer send, by direction.",
		}, []string{"direction"}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simipc_recv_timeouts_total",
			Help: "Bounded receive waits that expired, by direction.",
		}, []string{"direction"}),
		RecvWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simipc_recv_wait_seconds",
			Help:    "Time spent blocked in RecvBegin, by direction.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"direction"}),
	}
}

// Register registers every collector with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Sends, m.Overwrites, m.Timeouts, m.RecvWait} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeSend(dir Direction, overwrite bool) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(dir.String()).Inc()
	if overwrite {
		m.Overwrites.WithLabelValues(dir.String()).Inc()
	}
}

func (m *Metrics) observeTimeout(dir Direction) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(dir.String()).Inc()
}

func (m *Metrics) observeRecvWait(dir Direction, d time.Duration) {
	if m == nil {
		return
	}
	m.RecvWait.WithLabelValues(dir.String()).Observe(d.Seconds())
}
