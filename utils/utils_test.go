package utils_test

import (
	"errors"
	"testing"

	"github.com/set-io/vmm/utils"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		name     string
		s        string
		expected int
		err      error
	}{
		{"Valid Gigabytes", "5G", 5 << 30, nil},
		{"Valid Megabytes", "10M", 10 << 20, nil},
		{"Valid Kilobytes", "20K", 20 << 10, nil},
		{"Valid Bytes", "1000", 1000, nil},
		{"Trailing B", "32GB", 32 << 30, nil},
		{"Lower case with b", "10kb", 10 << 10, nil},
		{"Surrounding whitespace", "  1m", 1 << 20, nil},
		{"Whitespace both sides", " 2G ", 2 << 30, nil},
		{"Case insensitive", "5g", 5 << 30, nil},
		{"Invalid empty string", "", -1, utils.ErrInvalidMemoryUnit},
		{"Invalid unit", "5X", -1, utils.ErrInvalidMemoryUnit},
		{"Invalid number", "abc", -1, utils.ErrInvalidMemoryUnit},
		{"Unit only", "G", -1, utils.ErrInvalidMemoryUnit},
		{"Doubled unit", "5GG", -1, utils.ErrInvalidMemoryUnit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := utils.ParseSize(tt.s)
			if (err != nil) != (tt.err != nil) {
				t.Errorf("ParseSize() error = %v, wantErr %v", err, tt.err)
				return
			}
			if err != nil && !errors.Is(err, tt.err) {
				t.Errorf("ParseSize() error = %v, wantErr %v", err, tt.err)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseSize() = %v, want %v", got, tt.expected)
			}
		})
	}
}
