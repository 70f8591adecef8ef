package machine

import (
	"bytes"
	"encoding/binary"
)

const (
	pciConfigAddrPort = 0xCF8
	pciConfigDataPort = 0xCFC

	pciHeaderSize = 64

	barSlotBase = 0x10
)

// ConfigAddress is the mechanism-#1 address register at 0xCF8:
// {offset:8, function:3, device:5, bus:8, reserved:7, enable:1}.
type ConfigAddress uint32

func (a ConfigAddress) RegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a ConfigAddress) FunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a ConfigAddress) DeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a ConfigAddress) BusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a ConfigAddress) Enabled() bool {
	return uint32(a)>>31 == 0x1
}

// Type0Header is the 64-byte PCI type-0 configuration header. Class
// holds {prog IF, subclass, base class} in configuration-space order.
type Type0Header struct {
	VendorID         uint16
	DeviceID         uint16
	Command          uint16
	Status           uint16
	RevisionID       uint8
	Class            [3]uint8
	CacheLineSize    uint8
	LatencyTimer     uint8
	HeaderType       uint8
	BIST             uint8
	BAR              [6]uint32
	CardbusCISPtr    uint32
	SubsystemVendor  uint16
	SubsystemID      uint16
	ExpansionROMBase uint32
	CapabilitiesPtr  uint8
	_                [7]uint8
	InterruptLine    uint8
	InterruptPin     uint8
	MinGnt           uint8
	MaxLat           uint8
}

const (
	pciCommandIOSpace = 1 << 0
	pciStatusCapsList = 1 << 4
	pciClassBridge    = 0x06
	pciClassNetwork   = 0x02
	pciBARIOSpace     = 1 << 0
)

func (h *Type0Header) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}
	return buf.Bytes(), nil
}

func (h *Type0Header) SetBytes(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, h)
}

// PCIDevice is the capability surface the subsystem drives: a static
// I/O window, a mutable type-0 header, BAR-mapped port handlers, and
// hooks for configuration space beyond the header.
type PCIDevice interface {
	PortIO
	IOPort() uint64
	Size() uint64
	Header() *Type0Header
	ConfigurationIn(offset int, data []byte) error
	ConfigurationOut(offset int, data []byte) error
	Close() error
}

// PCI implements configuration-space access mechanism #1 and owns the
// bus-0 device list; index 0 is the host bridge. It is also the port
// catch-all: anything that is neither a config window nor a BAR-mapped
// port of a registered device is ignored.
type PCI struct {
	addr    ConfigAddress
	Devices []PCIDevice
}

func NewPCI(devices ...PCIDevice) *PCI {
	return &PCI{Devices: devices}
}

func (p *PCI) In(port uint64, values []byte) error {
	switch {
	case port >= pciConfigAddrPort && port < pciConfigAddrPort+4:
		p.addrIn(port, values)
		return nil
	case port >= pciConfigDataPort && port < pciConfigDataPort+4:
		return p.confDataIn(port, values)
	}

	for _, dev := range p.Devices {
		if port >= dev.IOPort() && port < dev.IOPort()+dev.Size() {
			return dev.In(port, values)
		}
	}
	return nil
}

func (p *PCI) Out(port uint64, values []byte) error {
	switch {
	case port >= pciConfigAddrPort && port < pciConfigAddrPort+4:
		p.addrOut(port, values)
		return nil
	case port >= pciConfigDataPort && port < pciConfigDataPort+4:
		return p.confDataOut(port, values)
	}

	for _, dev := range p.Devices {
		if port >= dev.IOPort() && port < dev.IOPort()+dev.Size() {
			return dev.Out(port, values)
		}
	}
	return nil
}

// addrIn/addrOut access the address register byte-granularly so the
// guest may assemble it with any access width.
func (p *PCI) addrIn(port uint64, values []byte) {
	shift := (port - pciConfigAddrPort) * 8
	v := uint32(p.addr)

	for i := range values {
		values[i] = byte(v >> (shift + uint64(i)*8))
	}
}

func (p *PCI) addrOut(port uint64, values []byte) {
	if port == pciConfigAddrPort && len(values) == 4 {
		p.addr = ConfigAddress(BytesToNum(values))
		return
	}

	shift := (port - pciConfigAddrPort) * 8
	v := uint32(p.addr)

	for i := range values {
		b := shift + uint64(i)*8
		if b >= 32 {
			break
		}
		v &^= 0xff << b
		v |= uint32(values[i]) << b
	}
	p.addr = ConfigAddress(v)
}

// device resolves the currently addressed function, or nil when the
// access should float (disabled, non-zero bus/function, or no card in
// the slot).
func (p *PCI) device() PCIDevice {
	if !p.addr.Enabled() {
		return nil
	}
	if p.addr.BusNumber() != 0 || p.addr.FunctionNumber() != 0 {
		return nil
	}

	slot := int(p.addr.DeviceNumber())
	if slot >= len(p.Devices) {
		return nil
	}
	return p.Devices[slot]
}

func (p *PCI) confDataIn(port uint64, values []byte) error {
	dev := p.device()
	if dev == nil {
		for i := range values {
			values[i] = 0xff
		}
		return nil
	}

	offset := int(p.addr.RegisterOffset() + uint32(port-pciConfigDataPort))

	if offset+len(values) > pciHeaderSize {
		return dev.ConfigurationIn(offset, values)
	}

	hdr := dev.Header()

	// BAR-size probe: a BAR holding all-ones answers with the size of
	// the device's I/O window. Only BAR0 participates.
	if offset == barSlotBase && len(values) == 4 && hdr.BAR[0] == 0xffffffff {
		copy(values, NumToBytes(uint32(dev.Size())))
		return nil
	}

	b, err := hdr.Bytes()
	if err != nil {
		return err
	}
	copy(values, b[offset:offset+len(values)])
	return nil
}

func (p *PCI) confDataOut(port uint64, values []byte) error {
	dev := p.device()
	if dev == nil {
		return nil
	}

	offset := int(p.addr.RegisterOffset() + uint32(port-pciConfigDataPort))

	if offset+len(values) > pciHeaderSize {
		return dev.ConfigurationOut(offset, values)
	}

	hdr := dev.Header()

	b, err := hdr.Bytes()
	if err != nil {
		return err
	}
	copy(b[offset:offset+len(values)], values)
	return hdr.SetBytes(b)
}

func (p *PCI) Close() error {
	for _, dev := range p.Devices {
		if err := dev.Close(); err != nil {
			return err
		}
	}
	return nil
}

func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)
	for i, x := range bytes {
		res |= uint64(x) << (i * 8)
	}
	return res
}

func NumToBytes(x interface{}) []byte {
	res := []byte{}
	l := 0
	y := uint64(0)

	switch v := x.(type) {
	case uint8:
		l = 1
		y = uint64(v)
	case uint16:
		l = 2
		y = uint64(v)
	case uint32:
		l = 4
		y = uint64(v)
	case uint64:
		l = 8
		y = v
	default:
		return []byte{}
	}

	for i := 0; i < l; i++ {
		res = append(res, uint8(y))
		y >>= 8
	}
	return res
}
