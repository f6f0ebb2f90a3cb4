package correlation

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

func TestSetLogWriters(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	SetLogWriters(&ops, &diag, &trace)
	t.Cleanup(func() { SetLogWriters(nil, nil, nil) })

	a, err := New(Config{Pairs: []Pair{{A: "x", B: "y"}}, MinSamples: 3, MaxSkew: 100 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		a.Observe(telemetry.Sample{Channel: "y", Value: float64(2 * i), Timestamp: at(i)})
		a.Observe(telemetry.Sample{Channel: "x", Value: float64(i), Timestamp: at(i)})
		a.Snapshot()
	}
	a.Observe(telemetry.Sample{Channel: "x", Value: 9, Timestamp: at(10)})
	a.Reset()

	assert.Contains(t, diag.String(), "[correlation] ")
	assert.Contains(t, diag.String(), "x/y now strong (r=1.000, n=3)")
	assert.Contains(t, trace.String(), "x/y skipped, y is 120ms old")
	assert.Contains(t, ops.String(), "reset 1 pairs")
}
