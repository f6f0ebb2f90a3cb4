// Package source produces telemetry samples for the pipeline. A Source is
// chosen at construction: Serial reads a live device through serialmux,
// Simulated synthesises a drive, and Replay plays back a packet capture.
package source

import (
	"context"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Emit receives samples from a source. It must not block; the pipeline's
// Submit is the usual target.
type Emit func(telemetry.Sample)

// Source produces samples until its input ends or ctx is cancelled.
type Source interface {
	Name() string
	// Run blocks while producing samples. It returns nil when the input
	// is exhausted and ctx.Err() on cancellation.
	Run(ctx context.Context, emit Emit) error
}
