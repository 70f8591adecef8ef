package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidMemoryUnit = errors.New("invalid memory size unit")

// ParseSize turns a human memory-size string into bytes: a number
// followed by K, M or G in either case, an optional trailing B, and
// optional surrounding whitespace. A bare number is bytes.
func ParseSize(s string) (int, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimSuffix(strings.TrimSuffix(t, "B"), "b")

	sz := strings.TrimRight(t, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: %w", s, ErrInvalidMemoryUnit)
	}
	if len(t)-len(sz) > 1 {
		return -1, fmt.Errorf("%q: %w", s, ErrInvalidMemoryUnit)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, fmt.Errorf("%q: %w", s, ErrInvalidMemoryUnit)
	}

	switch t[len(sz):] {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}
	return -1, fmt.Errorf("%q: %w", s, ErrInvalidMemoryUnit)
}
