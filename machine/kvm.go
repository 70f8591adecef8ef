package machine

import (
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"unsafe"
)

const (
	kvmGetAPIVersion     = 0x00
	kvmCreateVM          = 0x01
	kvmCheckExtension    = 0x03
	kvmGetVCPUMMapSize   = 0x04
	kvmGetSupportedCPUID = 0x05

	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48

	kvmCreateIRQChip = 0x60
	kvmIRQLineStatus = 0x67
	kvmCreatePIT2    = 0x77

	kvmRun       = 0x80
	kvmGetRegs   = 0x81
	kvmSetRegs   = 0x82
	kvmGetSregs  = 0x83
	kvmSetSregs  = 0x84
	kvmTranslate = 0x85
	kvmInterrupt = 0x86

	kvmSetCPUID2 = 0x90

	kvmGetMPState = 0x98
	kvmSetMPState = 0x99

	kvmSetGuestDebug = 0x9B
)

// APIVersion is the only stable KVM API revision; anything else is a
// pre-1.0 kernel or a wire change we do not know how to drive.
const APIVersion = 12

const kvmDev = "/dev/kvm"

type KVM struct {
	fd       P
	vmFd     P
	vCpuFds  []P
	runs     []*RunData
	mmapSize P
}

// NewKVM opens /dev/kvm, verifies the API contract and creates a bare
// VM: irqchip, PIT and the TSS/identity-map pages placed just above
// memSize. No vCPU exists yet; callers register memory with Init and
// then bring CPUs up with AddVCPU.
func NewKVM(memSize int) (*KVM, error) {
	devKVM, err := os.OpenFile(kvmDev, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kvm dev: %w", err)
	}

	k := &KVM{fd: P(devKVM.Fd())}

	version, err := GetAPIVersion(k.fd)
	if err != nil {
		return nil, fmt.Errorf("GetAPIVersion: %w", err)
	}
	if version != APIVersion {
		return nil, fmt.Errorf("version %d: %w", version, ErrAPIIncompatible)
	}
	if err := VerifyCapabilities(k.fd); err != nil {
		return nil, err
	}

	if k.vmFd, err = CreateVM(k.fd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}
	if err := k.SetTSSAddr(memSize); err != nil {
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}
	if err := k.SetIdentityMapAddr(memSize); err != nil {
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}
	if err := CreateIRQChip(k.vmFd); err != nil {
		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}
	if err := CreatePIT2(k.vmFd); err != nil {
		return nil, fmt.Errorf("CreatePIT2: %w", err)
	}

	if k.mmapSize, err = GetVCPUMMmapSize(k.fd); err != nil {
		return nil, fmt.Errorf("GetVCPUMMapSize: %w", err)
	}
	return k, nil
}

// SetTSSAddr reserves three pages at the end of guest memory for the
// VT-x TSS. The pages live beyond the declared memory size so the
// guest can never touch them; memSize must leave room below 4 GiB.
func (k *KVM) SetTSSAddr(memSize int) error {
	if len(k.vCpuFds) != 0 {
		return ErrNotReady
	}
	if uint64(memSize) > (1<<32)-4*PageSize {
		return fmt.Errorf("mem size %#x: %w", memSize, ErrGuestMemory)
	}
	_, err := Ioctl(k.vmFd, IIO(kvmSetTSSAddr), P(memSize))
	return err
}

// SetIdentityMapAddr places the EPT identity-map page right after the
// TSS pages.
func (k *KVM) SetIdentityMapAddr(memSize int) error {
	if len(k.vCpuFds) != 0 {
		return ErrNotReady
	}
	if uint64(memSize) > (1<<32)-4*PageSize {
		return fmt.Errorf("mem size %#x: %w", memSize, ErrGuestMemory)
	}
	// The ioctl reads a full u64 from the pointer.
	addr := uint64(memSize) + KVMTSSSize
	_, err := Ioctl(k.vmFd, IIOW(kvmSetIdentityMapAddr, 8), P(Ptr(&addr)))
	return err
}

// Init registers the physical memory block as slot 0 at guest physical
// address 0.
func (k *KVM) Init(m *PhysMemory) error {
	if debug {
		log.Printf("memory size: %d", m.size)
	}
	err := SetUserMemoryRegion(k.vmFd, &UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(m.size),
		UserspaceAddr: uint64(P(m.GetRamPtr(0))),
	})
	if err != nil {
		return fmt.Errorf("SetUserMemoryRegion: %w", err)
	}
	return nil
}

// AddVCPU creates the next vCPU, maps its run-state and installs the
// shaped CPUID table on it.
func (k *KVM) AddVCPU() error {
	cpu := len(k.vCpuFds)

	fd, err := CreateVCPU(k.vmFd, cpu)
	if err != nil {
		return fmt.Errorf("CreateVCPU %d: %w", cpu, err)
	}

	r, err := syscall.Mmap(int(fd), 0, int(k.mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap vcpu %d: %w", cpu, ErrNoMemory)
	}

	k.vCpuFds = append(k.vCpuFds, fd)
	k.runs = append(k.runs, (*RunData)(Ptr(&r[0])))

	if err := k.initCPUID(cpu); err != nil {
		return fmt.Errorf("initCPUID: %w", err)
	}
	return nil
}

func (k *KVM) CPUToFD(cpu int) (P, error) {
	if cpu >= len(k.vCpuFds) {
		return 0, fmt.Errorf("cpu %d out of range 0-%d:%w", cpu, len(k.vCpuFds), ErrBadCPU)
	}
	return k.vCpuFds[cpu], nil
}

func (k *KVM) RunDataByCpu(cpu int) *RunData {
	return k.runs[cpu]
}

func (k *KVM) vCpuFdList() []P {
	return k.vCpuFds
}

func (k *KVM) vCpuLen() int {
	return len(k.vCpuFds)
}

func (k *KVM) GetExitReasonByCpu(cpu int) Exit {
	return Exit(k.runs[cpu].ExitReason)
}

func (k *KVM) GetIOByCpu(cpu int) (uint64, uint64, uint64, uint64, uint64) {
	return k.runs[cpu].IO()
}

// IOSlice exposes the run-state bytes an IO exit points at:
// data_offset..data_offset+size relative to the mapping.
func (k *KVM) IOSlice(cpu int, offset, size uint64) []byte {
	return (*(*[100]byte)(Ptr(P(Ptr(k.runs[cpu])) + P(offset))))[0:size]
}

func (k *KVM) GetVmFd() P {
	return k.vmFd
}

func (k *KVM) GetKvmFd() P {
	return k.fd
}

type debugControl struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

func (k *KVM) SingleStep(cpu int, onOff bool) error {
	const (
		Enable     = 1
		SingleStep = 2
	)

	var dc debugControl

	if onOff {
		dc.Control = Enable | SingleStep
	}
	_, err := Ioctl(k.vCpuFds[cpu],
		IIOW(kvmSetGuestDebug, P(unsafe.Sizeof(debugControl{}))), P(Ptr(&dc)))
	return err
}

// RunData mirrors struct kvm_run up to the exit union. The union is
// decoded field-wise by the accessors below.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]
	return direction, size, port, count, offset
}

func GetAPIVersion(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), P(0))
}

func CreateVM(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), P(0))
}

func CreateVCPU(vmFd P, vCpuID int) (P, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), P(vCpuID))
}

func Run(vCpuFd P) error {
	_, err := Ioctl(vCpuFd, IIO(kvmRun), P(0))
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			return nil
		}
	}
	return err
}

func GetVCPUMMmapSize(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), P(0))
}

type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

func Translate(vCpuFd P, t *Translation) error {
	_, err := Ioctl(vCpuFd,
		IIOWR(kvmTranslate, P(unsafe.Sizeof(Translation{}))), P(Ptr(t)))
	return err
}

type MPState struct {
	State uint32
}

const (
	MPStateRunnable uint32 = 0 + iota
	MPStateUninitialized
	MPStateInitReceived
	MPStateHalted
	MPStateSipiReceived
	MPStateStopped
)

func GetMPState(vCpuFd P, mps *MPState) error {
	_, err := Ioctl(vCpuFd,
		IIOR(kvmGetMPState, P(unsafe.Sizeof(MPState{}))), P(Ptr(mps)))
	return err
}

func SetMPState(vCpuFd P, mps *MPState) error {
	_, err := Ioctl(vCpuFd,
		IIOW(kvmSetMPState, P(unsafe.Sizeof(MPState{}))), P(Ptr(mps)))
	return err
}
