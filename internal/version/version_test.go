package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	defer func(v, s, b string) { Version, GitSHA, BuildTime = v, s, b }(Version, GitSHA, BuildTime)

	assert.Equal(t, "telemetryd dev (unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "0.3.1", "4f2a9c0e1b7d", "2026-10-01T12:00:00Z"
	assert.Equal(t, "telemetryd 0.3.1 (4f2a9c0, built 2026-10-01T12:00:00Z)", String())
}
