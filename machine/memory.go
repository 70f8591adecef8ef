package machine

import (
	"bytes"
	"fmt"
	"syscall"
	"unsafe"
)

const (
	PageSize = 0x1000

	// KVMTSSSize is three pages for the VT-x TSS, followed by one
	// page for the EPT identity map. Both live immediately above the
	// declared guest memory, so the guest can never reach them.
	KVMTSSSize         = 3 * PageSize
	KVMIdentityMapSize = PageSize
)

type PhysMemory struct {
	mem  []byte
	size int
}

func NewPhysMemory(size int) (*PhysMemory, error) {
	mem, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, ErrNoMemory)
	}
	return &PhysMemory{mem: mem, size: size}, nil
}

func (p *PhysMemory) Len() uint64 {
	return uint64(len(p.mem))
}

func (p *PhysMemory) GetRamPtr(addr uint32) Ptr {
	return Ptr(&p.mem[addr])
}

func (p *PhysMemory) Get(start, end uint64) []byte {
	return p.mem[start:end]
}

func (p *PhysMemory) GetFromStart(pos uint64) []byte {
	return p.mem[pos:]
}

func (p *PhysMemory) CopyStart(start uint64, data []byte) {
	copy(p.mem[start:], data)
}

func (p *PhysMemory) ReadAt(b []byte, off int64) (int, error) {
	mem := bytes.NewReader(p.mem)
	return mem.ReadAt(b, off)
}

func (p *PhysMemory) WriteAt(b []byte, off int64) (int, error) {
	if off > int64(len(p.mem)) {
		return 0, syscall.EFBIG
	}
	n := copy(p.mem[off:], b)
	return n, nil
}

func (p *PhysMemory) Free() {
	if p.mem != nil && p.size > 0 {
		syscall.Munmap(p.mem)
	}
}

type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func SetUserMemoryRegion(vmFd P, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, P(unsafe.Sizeof(UserspaceMemoryRegion{}))),
		P(Ptr(region)))
	return err
}
