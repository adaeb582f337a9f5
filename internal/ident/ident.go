// Package ident provides the time source and opaque identifier
// generation used by metrics and the job subsystem.
package ident

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock is the monotonic time source. The system clock is used in
// production; tests substitute a fake to drive deadlines.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Generator produces opaque, process-unique identifiers.
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

// JobID returns a fresh job identifier, e.g. "job-9f2c…".
func (g *Generator) JobID() string {
	return "job-" + uuid.NewString()
}

// RequestID returns a fresh request identifier: 32 hex chars.
func (g *Generator) RequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
