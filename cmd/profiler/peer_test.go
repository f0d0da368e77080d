package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytesPerSecond(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100", 100},
		{"10kb", 10 << 10},
		{"10MBps", 10 << 20},
		{"2g/s", 2 << 30},
	}
	for _, tt := range tests {
		got, err := parseBytesPerSecond(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "Bps", "-5", "fast"} {
		_, err := parseBytesPerSecond(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseSizes(t *testing.T) {
	got, err := parseSizes("160, 320,640")
	require.NoError(t, err)
	assert.Equal(t, []int{160, 320, 640}, got)

	_, err = parseSizes("160,,320")
	assert.Error(t, err)
	_, err = parseSizes("0")
	assert.Error(t, err)
}
