// Package testutil provides shared test utilities and fixtures.
//
// Sample builders here produce deterministic telemetry series for the
// analytics, source and API tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

// Epoch is the fixed start time used by test series.
var Epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// At returns Epoch plus sec seconds.
func At(sec float64) time.Time {
	return Epoch.Add(time.Duration(sec * float64(time.Second)))
}

// Series returns one sample per value on channel, spaced step apart from
// start.
func Series(channel string, start time.Time, step time.Duration, values ...float64) []telemetry.Sample {
	out := make([]telemetry.Sample, len(values))
	for i, v := range values {
		out[i] = telemetry.Sample{Channel: channel, Value: v, Timestamp: start.Add(time.Duration(i) * step)}
	}
	return out
}

// Constant returns n samples of value v.
func Constant(channel string, start time.Time, step time.Duration, n int, v float64) []telemetry.Sample {
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	return Series(channel, start, step, values...)
}

// Merge interleaves several series by timestamp. Samples with equal
// timestamps keep the order of the arguments.
func Merge(series ...[]telemetry.Sample) []telemetry.Sample {
	var out []telemetry.Sample
	for _, s := range series {
		out = append(out, s...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}
