package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "꩜꩜…", Truncate("꩜꩜꩜꩜", 3))
	assert.Equal(t, "unchanged", Truncate("unchanged", 0))
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "  a: 1\n  b: 2\n", Indent("a: 1\nb: 2\n", "  "))
	assert.Equal(t, "  a\n\n  b\n", Indent("a\n\nb", "  "))
}
