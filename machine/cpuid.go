package machine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unsafe"
)

const (
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	CPUIDFuncInfo   = 0x00000001
	CPUIDFuncExtFlg = 0x00000007

	cpuidHypervisorBit = 1 << 31

	// FSRM (fast short rep movsb). The guest kernel patches the
	// memmove prologue while executing inside it when FSRM is
	// advertised, which has been observed to corrupt the copy under
	// this VMM. The feature is hidden unconditionally; do not remove
	// this without retesting early boot.
	cpuidFSRMBit = 1 << 4
)

type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries []CPUIDEntry2
}

type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

func (c *CPUID) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, c.Nent); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, c.Padding); err != nil {
		return nil, err
	}
	for _, entry := range c.Entries {
		if err := binary.Write(&buf, binary.LittleEndian, entry); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func NewCPUID(data []byte) (*CPUID, error) {
	c := CPUID{}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := binary.Read(&buf, binary.LittleEndian, &c.Nent); err != nil {
		return nil, err
	}
	if err := binary.Read(&buf, binary.LittleEndian, &c.Padding); err != nil {
		return nil, err
	}
	c.Entries = make([]CPUIDEntry2, c.Nent)
	if err := binary.Read(&buf, binary.LittleEndian, &c.Entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &c, nil
}

func GetSupportedCPUID(kvmFd P, kvmCPUID *CPUID) error {
	var c *CPUID

	data, err := kvmCPUID.Bytes()
	if err != nil {
		return err
	}

	if _, err = Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, P(unsafe.Sizeof(kvmCPUID))),
		P(Ptr(&data[0]))); err != nil {
		return err
	}

	if c, err = NewCPUID(data); err != nil {
		return err
	}

	*kvmCPUID = *c
	return nil
}

func SetCPUID2(vCpuFd P, kvmCPUID *CPUID) error {
	data, err := kvmCPUID.Bytes()
	if err != nil {
		return err
	}
	_, err = Ioctl(vCpuFd,
		IIOW(kvmSetCPUID2, P(unsafe.Sizeof(kvmCPUID))), P(Ptr(&data[0])))
	return err
}

// shapeCPUID rewrites the supported-CPUID table for a guest: the KVM
// signature leaf carries "KVMKVMKVM" and points at the feature leaf,
// the hypervisor bit is raised, and FSRM is hidden.
func shapeCPUID(cpuid *CPUID) error {
	sigFound := false

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case CPUIDSignature:
			cpuid.Entries[i].Eax = CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b
			cpuid.Entries[i].Ecx = 0x564b4d56
			cpuid.Entries[i].Edx = 0x4d
			sigFound = true
		case CPUIDFuncInfo:
			cpuid.Entries[i].Ecx |= cpuidHypervisorBit
		case CPUIDFuncExtFlg:
			cpuid.Entries[i].Edx &^= uint32(cpuidFSRMBit)
		default:
			continue
		}
	}

	if !sigFound {
		return fmt.Errorf("no KVM signature leaf in supported cpuid: %w", ErrNotReady)
	}
	return nil
}

func (k *KVM) initCPUID(cpu int) error {
	cpuid := CPUID{
		Nent:    100,
		Entries: make([]CPUIDEntry2, 100),
	}

	if err := GetSupportedCPUID(k.fd, &cpuid); err != nil {
		return err
	}
	if err := shapeCPUID(&cpuid); err != nil {
		return err
	}
	return SetCPUID2(k.vCpuFds[cpu], &cpuid)
}
