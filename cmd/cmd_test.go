package cmd

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/set-io/vmm/machine"
	"github.com/set-io/vmm/utils"
)

func TestErrToCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"memory parse", fmt.Errorf("x: %w", utils.ErrInvalidMemoryUnit), exitBadMemory},
		{"api version", fmt.Errorf("x: %w", machine.ErrAPIIncompatible), exitAPIIncompatible},
		{"not ready", machine.ErrNotReady, exitNotReady},
		{"guest memory", fmt.Errorf("x: %w", machine.ErrGuestMemory), exitGuestMemory},
		{"no memory", machine.ErrNoMemory, exitNoMemory},
		{"unexpected exit", fmt.Errorf("x: %w", machine.ErrUnexpectedExitReason), exitUnexpectedExit},
		{"missing kernel", fmt.Errorf("open: %w", syscall.ENOENT), exitBadKernel},
		{"ioctl errno", fmt.Errorf("ioctl: %w", syscall.EINVAL), exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errToCode(tt.err); got != tt.want {
				t.Errorf("errToCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestMainHelp(t *testing.T) {
	if got := Main("vmm", "usage", "test", "", []string{"--help"}); got != exitOK {
		t.Errorf("--help = %d, want %d", got, exitOK)
	}
}

func TestMainBadMemory(t *testing.T) {
	got := Main("vmm", "usage", "test", "", []string{"--kernel", "/dev/null", "--memory", "1Q"})
	if got != exitBadMemory {
		t.Errorf("bad memory string = %d, want %d", got, exitBadMemory)
	}
}

func TestMainMissingKernel(t *testing.T) {
	got := Main("vmm", "usage", "test", "", []string{"--kernel", "/nonexistent/bzImage"})
	if got != exitBadKernel {
		t.Errorf("missing kernel = %d, want %d", got, exitBadKernel)
	}
}
