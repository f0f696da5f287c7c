package offgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":   512,
		"512b":  512,
		"4k":    4 * 1024,
		"4kb":   4 * 1024,
		"8mb":   8 * 1024 * 1024,
		"1.5g":  3 * 512 * 1024 * 1024,
		" 2 MB": 2 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "mb", "-1k", "abc"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5mb", formatBytes(3*512*1024))
	assert.Equal(t, "2gb", formatBytes(2*1024*1024*1024))
}
