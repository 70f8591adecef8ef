package machine

import (
	"errors"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestGetReg(t *testing.T) {
	r := &Regs{RAX: 1, RSI: 2, R12: 3, RIP: 4}

	tests := []struct {
		reg  x86asm.Reg
		want uint64
	}{
		{x86asm.RAX, 1},
		{x86asm.RSI, 2},
		{x86asm.R12, 3},
		{x86asm.RIP, 4},
	}

	for _, tt := range tests {
		got, err := GetReg(r, tt.reg)
		if err != nil {
			t.Fatalf("GetReg(%v): %v", tt.reg, err)
		}
		if *got != tt.want {
			t.Errorf("GetReg(%v) = %d, want %d", tt.reg, *got, tt.want)
		}
	}

	if _, err := GetReg(r, x86asm.AL); !errors.Is(err, ErrBadRegister) {
		t.Errorf("GetReg(AL) = %v, want ErrBadRegister", err)
	}
}

func TestMemOperand(t *testing.T) {
	r := &Regs{RBX: 0x1000, RCX: 0x10}

	addr, err := memOperand(r, x86asm.Mem{
		Base:  x86asm.RBX,
		Index: x86asm.RCX,
		Scale: 4,
		Disp:  8,
	})
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1048 {
		t.Errorf("effective address = %#x, want 0x1048", addr)
	}

	addr, err = memOperand(r, x86asm.Mem{Base: x86asm.RBX, Disp: -8})
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0xff8 {
		t.Errorf("effective address = %#x, want 0xff8", addr)
	}

	if _, err := memOperand(r, x86asm.Mem{Disp: 0x20}); err == nil {
		t.Error("memOperand without base succeeded, want error")
	}
}
