package machine

import (
	"bytes"
	"encoding/binary"
	"log"
)

const (
	VirtioNetIOPortStart = 0x1000
	VirtioNetIOPortSize  = 0x100

	virtioNetIRQ = 9

	virtioVendorID    = 0x1af4
	virtioNetModernID = 0x1041

	virtioCapVendor = 0x09

	VirtioPciCapCommonCfg = 1
	VirtioPciCapNotifyCfg = 2
	VirtioPciCapISRCfg    = 3

	// Capability chain location in configuration space, right after
	// the type-0 header.
	virtioCapChainStart = 0x40

	virtioCommonCfgSize = 56
)

// VirtioPciCap is the generic virtio-pci capability descriptor: a
// vendor-specific capability whose body points into a BAR.
type VirtioPciCap struct {
	CapVndr uint8
	CapNext uint8
	CapLen  uint8
	CfgType uint8
	Bar     uint8
	_       [3]uint8
	Offset  uint32
	Length  uint32
}

// VirtioPciCommonConfig is exposed read-only through BAR0. The device
// does not process virtqueues yet, so nothing here is ever mutated by
// device logic.
type VirtioPciCommonConfig struct {
	DeviceFeatureSelect uint32
	DeviceFeature       uint32
	DriverFeatureSelect uint32
	DriverFeature       uint32
	MSIXConfig          uint16
	NumQueues           uint16
	DeviceStatus        uint8
	ConfigGeneration    uint8
	QueueSelect         uint16
	QueueSize           uint16
	QueueMSIXVector     uint16
	QueueEnable         uint16
	QueueNotifyOff      uint16
	QueueDesc           uint64
	QueueDriver         uint64
	QueueDevice         uint64
}

// Net is a non-transitional virtio-net function. It advertises the
// modern discovery surface — capability chain and common config behind
// an I/O BAR — and stops there: BAR writes are accepted and dropped.
type Net struct {
	hdr    Type0Header
	caps   [3]VirtioPciCap
	common VirtioPciCommonConfig

	irq         uint8
	irqInjector NetIRQInjector
}

type NetIRQInjector interface {
	InjectNetIRQ() error
}

func NewNet(irq uint8, irqInjector NetIRQInjector) *Net {
	capSize := uint8(binary.Size(VirtioPciCap{}))

	return &Net{
		hdr: Type0Header{
			VendorID:        virtioVendorID,
			DeviceID:        virtioNetModernID,
			Command:         pciCommandIOSpace,
			Status:          pciStatusCapsList,
			Class:           [3]uint8{0x00, 0x00, pciClassNetwork},
			CapabilitiesPtr: virtioCapChainStart,
			BAR: [6]uint32{
				VirtioNetIOPortStart | pciBARIOSpace,
			},
			InterruptLine: irq,
			InterruptPin:  1,
		},
		caps: [3]VirtioPciCap{
			{
				CapVndr: virtioCapVendor,
				CapNext: virtioCapChainStart + 16,
				CapLen:  capSize,
				CfgType: VirtioPciCapCommonCfg,
				Bar:     0,
				Offset:  0,
				Length:  virtioCommonCfgSize,
			},
			{
				CapVndr: virtioCapVendor,
				CapNext: virtioCapChainStart + 32,
				CapLen:  capSize,
				CfgType: VirtioPciCapNotifyCfg,
				Bar:     0,
				Offset:  virtioCommonCfgSize,
				Length:  4,
			},
			{
				CapVndr: virtioCapVendor,
				CapNext: 0,
				CapLen:  capSize,
				CfgType: VirtioPciCapISRCfg,
				Bar:     0,
				Offset:  virtioCommonCfgSize,
				Length:  1,
			},
		},
		common: VirtioPciCommonConfig{
			NumQueues: 1,
		},
		irq:         irq,
		irqInjector: irqInjector,
	}
}

func (v *Net) Header() *Type0Header {
	return &v.hdr
}

func (v *Net) capBytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	for _, c := range v.caps {
		if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (v *Net) ConfigurationIn(offset int, data []byte) error {
	b, err := v.capBytes()
	if err != nil {
		return err
	}

	start := offset - virtioCapChainStart
	if start < 0 || start >= len(b) {
		return nil
	}

	n := len(data)
	if start+n > len(b) {
		n = len(b) - start
	}
	copy(data[:n], b[start:start+n])
	return nil
}

// ConfigurationOut accepts writes beyond the header and drops them;
// there is no writable device-specific configuration yet.
func (v *Net) ConfigurationOut(offset int, data []byte) error {
	if debug {
		log.Printf("virtio-net: config write %#x dropped", offset)
	}
	return nil
}

func (v *Net) In(port uint64, data []byte) error {
	offset := int(port - VirtioNetIOPortStart)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v.common); err != nil {
		return err
	}
	b := buf.Bytes()

	if offset < 0 || offset+len(data) > len(b) {
		return nil
	}
	copy(data, b[offset:offset+len(data)])
	return nil
}

func (v *Net) Out(port uint64, data []byte) error {
	if debug {
		log.Printf("virtio-net: bar write port %#x dropped", port)
	}
	return nil
}

func (v *Net) IOPort() uint64 {
	return VirtioNetIOPortStart
}

func (v *Net) Size() uint64 {
	return VirtioNetIOPortSize
}

func (v *Net) Close() error { return nil }
