package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemory parses docker-style memory strings ("512m", "2g", "1024k",
// bare bytes) into bytes. Suffixes are binary multiples, matching what the
// container runtime enforces.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory value")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	case 'b':
		s = s[:len(s)-1]
	}

	// Fractional values like "0.5g" are accepted.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative memory value %q", s)
	}

	return int64(f * float64(mult)), nil
}

// FormatMemory renders bytes in the largest whole docker-style unit.
func FormatMemory(b int64) string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dg", b>>30)
	case b >= 1<<20 && b%(1<<20) == 0:
		return fmt.Sprintf("%dm", b>>20)
	case b >= 1<<10 && b%(1<<10) == 0:
		return fmt.Sprintf("%dk", b>>10)
	default:
		return strconv.FormatInt(b, 10)
	}
}
