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
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPayloadCapacity = 4096
	defaultMaxAttachWait   = 10 * time.Second

	// maxPayloadCapacity bounds the slot area so the segment layout
	// arithmetic stays well inside uint32.
	maxPayloadCapacity = 1 << 30
)

// Config holds the construction parameters of a MsgInterface. The four
// names identify the OS-level resources and must match between the two
// peers; the Create* toggles say which resources this process creates
// versus attaches to.
type Config struct {
	// CreateMemory makes this process create the shared segment instead
	// of attaching to an existing one.
	CreateMemory bool
	// CreateLock makes this process create the lock region.
	CreateLock bool
	// CreateConditions makes this process create the two condition
	// regions.
	CreateConditions bool

	// PayloadCapacity is the number of bytes reserved for the two payload
	// slots. Each slot gets half of the (64-byte aligned) capacity.
	PayloadCapacity uint32

	SegmentName      string
	LockName         string
	FeatureReadyName string
	ActionReadyName  string

	// RecvTimeout bounds each RecvBegin wait. Zero means wait forever;
	// a blocked receiver is then only released by a send or the finished
	// flag.
	RecvTimeout time.Duration

	// MaxAttachWait bounds the attach retry loop that covers the startup
	// race where the attaching peer runs before the creator.
	MaxAttachWait time.Duration

	// LogOutput is the sink of the internal logger. Defaults to stdout.
	LogOutput io.Writer

	// Metrics receives prometheus instrumentation when set.
	Metrics *Metrics

	// Meter and Tracer enable optional OpenTelemetry instrumentation.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns the default configuration. The names are empty and
// must be filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		CreateMemory:     true,
		CreateLock:       true,
		CreateConditions: true,
		PayloadCapacity:  defaultPayloadCapacity,
		MaxAttachWait:    defaultMaxAttachWait,
		LogOutput:        os.Stdout,
	}
}

// VerifyConfig checks legality of the configuration before any OS resource
// is touched. Duplicate or empty names are a configuration error, not a
// resource error.
func VerifyConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.PayloadCapacity == 0 {
		return fmt.Errorf("PayloadCapacity must be > 0")
	}
	if c.PayloadCapacity > maxPayloadCapacity {
		return fmt.Errorf("PayloadCapacity %d exceeds maximum %d", c.PayloadCapacity, maxPayloadCapacity)
	}
	names := []string{c.SegmentName, c.LockName, c.FeatureReadyName, c.ActionReadyName}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return fmt.Errorf("all four resource names must be set")
		}
		if strings.ContainsRune(n, '/') {
			return fmt.Errorf("resource name %q must not contain '/'", n)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("resource names must be distinct, %q repeats", n)
		}
		seen[n] = struct{}{}
	}
	if c.RecvTimeout < 0 {
		return fmt.Errorf("RecvTimeout must not be negative")
	}
	return nil
}
