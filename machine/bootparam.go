package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicSignature = 0x53726448

	LoadedHigh   = uint8(1 << 0)
	KeepSegments = uint8(1 << 6)
	CanUseHeap   = uint8(1 << 7)

	EddMbrSigMax = 16
	E820Max      = 128
	E820Ram      = 1
	E820Reserved = 2

	setupHeaderOffset = 0x1f1
)

type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParams is the boot-protocol zero page, bit-compatible with the
// documented layout: exactly 0x1000 bytes, setup header at 0x1f1,
// e820_entries at 0x1e8, e820 table at 0x2d0.
type BootParams struct {
	Padding             [0x1e8]uint8
	E820Entries         uint8
	EddbufEntries       uint8
	EddMbrSigBufEntries uint8
	KbdStatus           uint8
	Padding2            [5]uint8
	Hdr                 SetupHeader
	Padding3            [0x290 - 0x26c]uint8
	EddMbrSigBuffer     [EddMbrSigMax]uint32
	E820Map             [E820Max]E820Entry
	Padding4            [0x1000 - 0xcd0]uint8
}

// SetupHeader spans 0x1f1..0x26c of the zero page (protocol 2.15).
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	RealmodeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// NewBootParams decodes the setup header out of a bzImage. A zero
// setup_sects means the historical default of 4.
func NewBootParams(r io.ReaderAt) (*BootParams, error) {
	b := &BootParams{}

	reader := io.NewSectionReader(r, setupHeaderOffset, 0x1000)
	if err := binary.Read(reader, binary.LittleEndian, &b.Hdr); err != nil {
		return nil, err
	}
	if err := b.isValid(); err != nil {
		return nil, err
	}
	if b.Hdr.SetupSects == 0 {
		b.Hdr.SetupSects = 4
	}
	return b, nil
}

func (b *BootParams) isValid() error {
	if b.Hdr.Header != MagicSignature {
		return ErrSignatureNotMatch
	}
	if b.Hdr.Version < 0x0206 {
		return fmt.Errorf("%w: 0x%x", ErrOldProtocolVersion, b.Hdr.Version)
	}
	return nil
}

func (b *BootParams) AddE820Entry(addr, size uint64, typ uint32) {
	i := b.E820Entries
	b.E820Map[i] = E820Entry{
		Addr: addr,
		Size: size,
		Type: typ,
	}
	b.E820Entries = i + 1
}

// SetupCodeOffset is where the protected-mode kernel begins inside the
// bzImage file.
func (b *BootParams) SetupCodeOffset() int64 {
	return (int64(b.Hdr.SetupSects) + 1) * 512
}

func (b *BootParams) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return []byte{}, err
	}
	return buf.Bytes(), nil
}
