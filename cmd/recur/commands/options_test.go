package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/recurring/errors"
	"github.com/teranos/recurring/pulse/payload"
)

func TestParseAt(t *testing.T) {
	// cron expressions are read in the local zone
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.Local)

	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{"offset", "+10m", now.Add(10 * time.Minute)},
		{"rfc3339", "2026-04-01T03:00:00Z", time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)},
		{"cron later today", "0 18 * * *", time.Date(2026, 3, 10, 18, 0, 0, 0, time.Local)},
		{"cron tomorrow", "0 3 * * *", time.Date(2026, 3, 11, 3, 0, 0, 0, time.Local)},
		{"descriptor", "@hourly", time.Date(2026, 3, 10, 15, 0, 0, 0, time.Local)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAt(tt.value, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestParseAtRejectsGarbage(t *testing.T) {
	now := time.Now()
	for _, value := range []string{"", "+soon", "tomorrow", "61 * * * *"} {
		_, err := parseAt(value, now)
		assert.True(t, errors.IsInvalidRequestError(err), "value %q: %v", value, err)
	}
}

func TestParseOptionsYAMLKeepsOrder(t *testing.T) {
	opts, err := parseOptionsYAML([]byte(`
zeta: 1
alpha: "two"
interval: 3600
nested:
  a: [1, 2]
`))
	require.NoError(t, err)

	assert.Equal(t, []payload.Key{"zeta", "alpha", "interval", "nested"}, opts.Keys())
	n, ok := opts.Interval()
	require.True(t, ok)
	assert.Equal(t, int64(3600), n)
	alpha, _ := opts.Get("alpha")
	assert.Equal(t, "two", alpha)
}

func TestParseOptionsYAMLEdgeCases(t *testing.T) {
	opts, err := parseOptionsYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, opts.Len())

	_, err = parseOptionsYAML([]byte("- a\n- b\n"))
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = parseOptionsYAML([]byte("a: [unclosed"))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestLoadOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("message: hello\n"), 0o644))

	opts, err := loadOptionsFile(path)
	require.NoError(t, err)
	msg, _ := opts.Get("message")
	assert.Equal(t, "hello", msg)

	_, err = loadOptionsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseOptionValue(t *testing.T) {
	assert.Equal(t, 5, parseOptionValue("5"))
	assert.Equal(t, true, parseOptionValue("true"))
	assert.Equal(t, "5", parseOptionValue(`"5"`))
	assert.Equal(t, "hello world", parseOptionValue("hello world"))
	assert.Equal(t, "{oops", parseOptionValue("{oops"))
}

func TestFormatInterval(t *testing.T) {
	assert.Equal(t, "-", formatInterval(nil))
	n := int64(5400)
	assert.Equal(t, "1h30m0s", formatInterval(&n))
}

func TestOptionsNodeKeepsOrder(t *testing.T) {
	opts := payload.NewOptions().Set("b", 1).Set("a", "x")
	out, err := yaml.Marshal(optionsNode(opts))
	require.NoError(t, err)
	assert.Equal(t, "b: 1\na: x\n", string(out))
}

func TestBuiltinJobTypeRegistered(t *testing.T) {
	jt, err := jobType(LogJobType)
	require.NoError(t, err)
	assert.Equal(t, LogJobType, jt.Name)

	_, err = jobType("nope")
	assert.True(t, errors.IsNotFoundError(err))
}
