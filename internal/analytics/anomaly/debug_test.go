package anomaly

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

func TestSetLogWriters(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	SetLogWriters(&ops, &diag, &trace)
	t.Cleanup(func() { SetLogWriters(nil, nil, nil) })

	d := New(testConfig())
	feed(d, telemetry.ChannelCoolantTemp, t0, time.Second, []float64{190, 191, 189, 190, 400, 400, 400, 400, 400})
	d.Reset()

	assert.Contains(t, diag.String(), "[anomaly] ")
	assert.Contains(t, diag.String(), "coolant_temp re-baselined after 5 consecutive outliers")
	assert.Contains(t, trace.String(), "coolant_temp spike")
	assert.Contains(t, ops.String(), "reset, dropping state for 1 channels")

	SetLogWriters(nil, nil, nil)
	diag.Reset()
	feed(New(testConfig()), telemetry.ChannelCoolantTemp, t0, time.Second, []float64{190, 191, 189, 190, 400, 400, 400, 400, 400})
	assert.Empty(t, diag.String(), "nil writer disables the stream")
}
