package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{CommitHash: "abcdef123456", BuildTime: "2026-01-01", Version: "dev"}
	assert.Equal(t, "recur dev (commit abcdef123456, built 2026-01-01)", info.String())

	info.Version = "v1.2.0"
	assert.Equal(t, "recur v1.2.0 (commit abcdef123456, built 2026-01-01)", info.String())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
