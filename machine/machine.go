package machine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"runtime"
)

const (
	BootParamAddr = 0x1_0000
	CmdlineAddr   = 0x2_0000
	KernelBase    = 0x10_0000
	InitrdAddr    = 0x3000_0000

	DefaultCmdline = "console=ttyS0"

	// The load contract below places the kernel at 1 MiB and the
	// initrd at 768 MiB, so anything smaller than 1 GiB is rejected
	// up front.
	MinMemSize = 1 << 30
)

const CR0xPE = 1

const nmiStatusPort = 0x61

var debug bool

func DebugEnabled() { debug = true }

// Machine owns the guest: its physical memory, the vCPU, and every
// emulated device behind the port bus.
type Machine struct {
	phyMem *PhysMemory
	kvm    *KVM
	bus    *Bus
	pci    *PCI
	serial *Serial
	ps2    *PS2
}

// New brings a VM up in the fixed order the kernel interface demands:
// open and verify the hypervisor, create the VM, park TSS and identity
// map above guest memory, create irqchip and PIT, register memory as
// slot 0, create vCPU 0 with a shaped CPUID, switch it to flat 32-bit
// protected mode, and install the devices. Insertion order on the bus
// is dispatch priority: COM1 and the i8042 pre-empt the PCI catch-all.
func New(memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %#x below %#x: %w", memSize, MinMemSize, ErrGuestMemory)
	}
	if uint64(memSize) > (1<<32)-4*PageSize {
		return nil, fmt.Errorf("memory size %#x leaves no room for tss: %w", memSize, ErrGuestMemory)
	}

	kvm, err := NewKVM(memSize)
	if err != nil {
		return nil, fmt.Errorf("new kvm: %w", err)
	}

	phyMem, err := NewPhysMemory(memSize)
	if err != nil {
		return nil, err
	}

	if err := kvm.Init(phyMem); err != nil {
		return nil, fmt.Errorf("init kvm: %w", err)
	}
	if err := kvm.AddVCPU(); err != nil {
		return nil, fmt.Errorf("add vcpu: %w", err)
	}

	m := &Machine{
		phyMem: phyMem,
		kvm:    kvm,
	}

	if err := m.initSregsFlat(0); err != nil {
		return nil, fmt.Errorf("init sregs: %w", err)
	}

	if m.serial, err = NewSerial(m); err != nil {
		return nil, err
	}
	m.ps2 = NewPS2()
	m.pci = NewPCI(NewHostBridge(), NewNet(virtioNetIRQ, m))

	m.bus = NewBus()
	m.bus.Add(COM1Addr, COM1Addr+8, m.serial)
	m.bus.Add(0x60, 0x65, m.ps2)
	m.bus.Add(0x0, 0x10000, m.pci)

	return m, nil
}

// initSregsFlat switches a vCPU out of the reset real mode into flat
// 32-bit protected mode: all segments base 0, limit 4 GiB, page
// granularity; CS/SS 32-bit; CR0.PE set. Everything else stays at the
// kernel's reset defaults.
func (m *Machine) initSregsFlat(cpu int) error {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return err
	}

	sregs, err := GetSregs(fd)
	if err != nil {
		return err
	}

	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= CR0xPE

	return SetSregs(fd, sregs)
}

// LoadLinux stages a bzImage and an optional initrd per the 32-bit
// boot protocol: zero page at 0x10000, command line at 0x20000,
// protected-mode code at 1 MiB, initrd high. vCPU 0 is left at the
// kernel entry with RSI pointing at the zero page.
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, cmdline string) error {
	bp, err := NewBootParams(kernel)
	if err != nil {
		return err
	}

	if cmdline == "" {
		cmdline = DefaultCmdline
	}

	bp.Hdr.VidMode = 0xFFFF
	bp.Hdr.TypeOfLoader = 0xFF
	bp.Hdr.ExtLoaderVer = 0
	bp.Hdr.LoadFlags |= LoadedHigh | CanUseHeap | KeepSegments
	bp.Hdr.HeapEndPtr = BootParamAddr - 0x200
	bp.Hdr.CmdlinePtr = CmdlineAddr

	bp.AddE820Entry(0, KernelBase, E820Ram)
	bp.AddE820Entry(KernelBase, m.phyMem.Len()-KernelBase, E820Ram)

	if initrd != nil {
		window := m.phyMem.Get(InitrdAddr, m.phyMem.Len())

		initrdSize, err := initrd.ReadAt(window, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("initrd: (%v, %w)", initrdSize, err)
		}
		if initrdSize == len(window) {
			return fmt.Errorf("initrd does not fit above %#x: %w", InitrdAddr, ErrGuestMemory)
		}
		if uint64(InitrdAddr)+uint64(initrdSize) > uint64(bp.Hdr.InitrdAddrMax) {
			return fmt.Errorf("initrd end beyond %#x: %w", bp.Hdr.InitrdAddrMax, ErrGuestMemory)
		}
		bp.Hdr.RamdiskImage = InitrdAddr
		bp.Hdr.RamdiskSize = uint32(initrdSize)
	} else {
		bp.Hdr.RamdiskImage = 0
		bp.Hdr.RamdiskSize = 0
	}

	if err := m.writeCmdline(cmdline, int(bp.Hdr.CmdlineSize)); err != nil {
		return err
	}

	bpBytes, err := bp.Bytes()
	if err != nil {
		return err
	}
	m.phyMem.CopyStart(BootParamAddr, bpBytes)

	kernSize, err := kernel.ReadAt(m.phyMem.GetFromStart(KernelBase), bp.SetupCodeOffset())
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("kernel: (%v, %w)", kernSize, err)
	}
	if kernSize == 0 {
		return ErrZeroSizeKernel
	}
	if err == nil && uint64(KernelBase)+uint64(kernSize) >= m.phyMem.Len() {
		return fmt.Errorf("kernel does not fit above %#x: %w", KernelBase, ErrGuestMemory)
	}

	for _, cpu := range m.kvm.vCpuFdList() {
		if err := m.initRegs(cpu, KernelBase, BootParamAddr); err != nil {
			return err
		}
	}
	return nil
}

// writeCmdline zero-fills the kernel's declared command-line window
// and copies the line into it.
func (m *Machine) writeCmdline(cmdline string, size int) error {
	if len(cmdline)+1 > size {
		return fmt.Errorf("cmdline %d bytes exceeds %d: %w", len(cmdline), size, ErrGuestMemory)
	}

	window := m.phyMem.Get(CmdlineAddr, uint64(CmdlineAddr+size))
	for i := range window {
		window[i] = 0
	}
	copy(window, cmdline)
	return nil
}

func (m *Machine) initRegs(vcpufd P, rip, bp uint64) error {
	regs, err := GetRegs(vcpufd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSI = bp
	return SetRegs(vcpufd, regs)
}

func (m *Machine) GetRegs(cpu int) (*Regs, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}
	return GetRegs(fd)
}

func (m *Machine) GetSRegs(cpu int) (*Sregs, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}
	return GetSregs(fd)
}

func (m *Machine) SetRegs(cpu int, r *Regs) error {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return err
	}
	return SetRegs(fd, r)
}

func (m *Machine) SetSRegs(cpu int, s *Sregs) error {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return err
	}
	return SetSregs(fd, s)
}

// RunInfiniteLoop drives one vCPU until the guest halts or something
// unexpected surfaces. The run ioctl is a bounded critical section of
// the calling thread, so the thread is pinned to its OS thread.
func (m *Machine) RunInfiniteLoop(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		isContinue, err := m.RunOnce(cpu)
		if isContinue {
			if err != nil {
				fmt.Printf("%v\r\n", err)
			}
			continue
		}
		return err
	}
}

// RunOnce enters the guest and services exactly one VM-exit. PIO goes
// through the bus; reads of port 0x61 short-circuit to an NMI-status
// ack before dispatch.
func (m *Machine) RunOnce(cpu int) (bool, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return false, err
	}

	_ = Run(fd)
	exit := m.kvm.GetExitReasonByCpu(cpu)

	switch exit {
	case EXITHLT:
		if debug {
			log.Printf("KVM_EXIT_HLT")
		}
		return false, nil
	case EXITSHUTDOWN:
		if debug {
			log.Printf("KVM_EXIT_SHUTDOWN")
		}
		return false, nil
	case EXITIO:
		direction, size, port, count, offset := m.kvm.GetIOByCpu(cpu)

		var f IOFunc
		switch direction {
		case EXITIOIN:
			if port == nmiStatusPort {
				f = func(port uint64, data []byte) error {
					data[0] = 0x20
					return nil
				}
			} else {
				f = m.bus.In
			}
		case EXITIOOUT:
			f = m.bus.Out
		default:
			panic(fmt.Errorf("EXITIO direction error, is: %d", direction))
		}

		b := m.kvm.IOSlice(cpu, offset, size)
		for i := 0; i < int(count); i++ {
			if err := f(port, b); err != nil {
				return false, err
			}
		}
		return true, nil
	case EXITINTR:
		return true, nil
	case EXITDEBUG:
		return false, ErrDebug
	default:
		r, _ := m.GetRegs(cpu)
		s, _ := m.GetSRegs(cpu)
		return false, fmt.Errorf("%w: %s: regs:\n%s",
			ErrUnexpectedExitReason, exit.String(), show("", s, r))
	}
}

// InjectSerialIRQ pulses IRQ 4: raise the line, then drop it, so the
// edge is observed regardless of prior level.
func (m *Machine) InjectSerialIRQ() error {
	if err := IRQLineStatus(m.kvm.GetVmFd(), serialIRQ, 1); err != nil {
		return err
	}
	return IRQLineStatus(m.kvm.GetVmFd(), serialIRQ, 0)
}

func (m *Machine) InjectNetIRQ() error {
	if err := IRQLineStatus(m.kvm.GetVmFd(), virtioNetIRQ, 1); err != nil {
		return err
	}
	return IRQLineStatus(m.kvm.GetVmFd(), virtioNetIRQ, 0)
}

func (m *Machine) GetSerial() *Serial {
	return m.serial
}

// Halt tears the machine down: device deinit first, then the memory
// backing.
func (m *Machine) Halt() {
	if m.pci != nil {
		_ = m.pci.Close()
	}
	m.phyMem.Free()
}

// ReadAt reads guest physical memory, mostly for inspection and
// tests.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	return m.phyMem.ReadAt(b, off)
}

func (m *Machine) VtoP(cpu int, vaddr uint64) (int64, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return 0, err
	}
	t := &Translation{
		LinearAddress: vaddr,
	}
	if err := Translate(fd, t); err != nil {
		return -1, err
	}
	if t.Valid == 0 || t.PhysicalAddress > m.phyMem.Len() {
		return -1, fmt.Errorf("%#x:valid not set:%w", vaddr, ErrBadVA)
	}
	return int64(t.PhysicalAddress), nil
}

func showOne(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	typeOfT := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		}
	}
	return ret
}

func show(indent string, l ...interface{}) string {
	var ret string
	for _, i := range l {
		ret += showOne(indent, i)
	}
	return ret
}
