package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "0%", FormatPercent(0))
	assert.Equal(t, "67%", FormatPercent(2.0/3))
	assert.Equal(t, "100%", FormatPercent(1))
}

func TestFormatSigned(t *testing.T) {
	assert.Equal(t, "+0.15", FormatSigned(0.15))
	assert.Equal(t, "-0.20", FormatSigned(-0.2))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo wo...", Truncate("héllo world, again", 11))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
