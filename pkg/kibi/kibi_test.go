package kibi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "0 bytes", FormatBytes(0))
	require.Equal(t, "1023 bytes", FormatBytes(1023))
	require.Equal(t, "1.0 KB", FormatBytes(1024))
	require.Equal(t, "1.5 KB", FormatBytes(1536))
	require.Equal(t, "35.0 MB", FormatBytes(35*1024*1024))
	require.Equal(t, "1.0 GB", FormatBytes(1024*1024*1024))
	require.Equal(t, "2048.0 TB", FormatBytes(2*1024*1024*1024*1024*1024))
}

func TestParse(t *testing.T) {
	cases := map[string]int64{
		"512":    512,
		"512 b":  512,
		"300 kb": 300 * 1024,
		"1.5M":   1536 * 1024,
		"2 GB":   2 * 1024 * 1024 * 1024,
		" 1t ":   1024 * 1024 * 1024 * 1024,
	}
	for s, expect := range cases {
		v, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, expect, v, s)
	}
	for _, bad := range []string{"", "mb", "12 parsecs", "-5 kb", "1.2.3"} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, ErrInvalidByteSizeString, bad)
	}
}
