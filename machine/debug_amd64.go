package machine

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

func (m *Machine) SingleStep(onOff bool) error {
	for cpu := 0; cpu < m.kvm.vCpuLen(); cpu++ {
		if err := m.kvm.SingleStep(cpu, onOff); err != nil {
			return fmt.Errorf("single step %d:%w", cpu, err)
		}
	}
	return nil
}

// Inst disassembles the instruction at the current RIP. The decode
// width follows the vCPU's CS attributes, not a fixed mode.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", err
	}
	s, err := m.GetSRegs(cpu)
	if err != nil {
		return nil, nil, "", err
	}

	pc := r.RIP

	pa, err := m.VtoP(cpu, pc)
	if err != nil {
		// Pre-paging: linear is physical.
		pa = int64(pc)
	}

	mode := 16
	if s.CS.L == 1 {
		mode = 64
	} else if s.CS.DB == 1 {
		mode = 32
	}

	b := m.phyMem.Get(uint64(pa), uint64(pa)+16)

	inst, err := x86asm.Decode(b, mode)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decode %#x: %w", pc, err)
	}

	text := x86asm.GNUSyntax(inst, pc, nil)

	// Annotate memory operands with their effective address so the
	// trace shows where a load or store actually lands.
	for i, arg := range inst.Args {
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		addr, err := memOperand(r, mem)
		if err != nil {
			continue
		}
		text += fmt.Sprintf(" # arg%d @%#x", i, addr)
	}
	return &inst, r, text, nil
}

// memOperand resolves a memory operand against the current register
// file: base + disp + scale*index. A missing base is an error; the
// index is optional.
func memOperand(r *Regs, mem x86asm.Mem) (uint64, error) {
	b, err := GetReg(r, mem.Base)
	if err != nil {
		return 0, fmt.Errorf("base reg %v in %v: %w", mem.Base, mem, ErrBadRegister)
	}

	addr := *b + uint64(mem.Disp)

	if x, err := GetReg(r, mem.Index); err == nil {
		addr += uint64(mem.Scale) * (*x)
	}
	return addr, nil
}

func GetReg(r *Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}
	return nil, fmt.Errorf("register %v: %w", reg, ErrBadRegister)
}

// VCPU runs a vCPU with optional instruction tracing: every
// traceCount debug exits the current instruction is disassembled and
// reported.
func (m *Machine) VCPU(cpu, traceCount int) error {
	trace := traceCount > 0

	if trace {
		if err := m.SingleStep(trace); err != nil {
			return fmt.Errorf("setting trace to %v:%v", trace, err)
		}
	}

	for tc := 0; ; tc++ {
		err := m.RunInfiniteLoop(cpu)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDebug) {
			return fmt.Errorf("CPU %d: %w", cpu, err)
		}
		if tc%traceCount != 0 {
			continue
		}
		_, r, s, err := m.Inst(cpu)
		if err != nil {
			return fmt.Errorf("disassembling after debug exit:%v", err)
		}
		fmt.Printf("%#x:%s\r\n", r.RIP, s)
	}
}
