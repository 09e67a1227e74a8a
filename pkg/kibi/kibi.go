package kibi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRegex = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]*)$`)
var ErrInvalidByteSizeString = fmt.Errorf("Invalid byte size string")

var units = []string{"KB", "MB", "GB", "TB"}

// FormatBytes returns a human readable size, with one decimal for sizes of 1 KB and up.
func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	}
	v := float64(b) / 1024
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %v", v, units[i])
}

// Parse a size such as "512", "300 kb", "1.5M" or "2 GB".
// A suffix may be the unit's letter alone, and case is ignored.
func Parse(v string) (int64, error) {
	m := sizeRegex.FindStringSubmatch(strings.TrimSpace(strings.ToLower(v)))
	if m == nil {
		return 0, ErrInvalidByteSizeString
	}
	multiplier := int64(1)
	switch m[2] {
	case "", "b", "bytes":
	case "k", "kb":
		multiplier = 1024
	case "m", "mb":
		multiplier = 1024 * 1024
	case "g", "gb":
		multiplier = 1024 * 1024 * 1024
	case "t", "tb":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, ErrInvalidByteSizeString
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, err
	}
	return int64(value * float64(multiplier)), nil
}
