package machine_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/set-io/vmm/machine"
)

type fakeNetIRQ struct{}

func (fakeNetIRQ) InjectNetIRQ() error { return nil }

func testPCI() *machine.PCI {
	return machine.NewPCI(machine.NewHostBridge(), machine.NewNet(9, fakeNetIRQ{}))
}

func confAddr(device, offset uint32) uint32 {
	return 1<<31 | device<<11 | offset
}

func confRead32(t *testing.T, p *machine.PCI, addr uint32) uint32 {
	t.Helper()

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, addr)
	require.NoError(t, p.Out(0xcf8, b))

	v := make([]byte, 4)
	require.NoError(t, p.In(0xcfc, v))
	return binary.LittleEndian.Uint32(v)
}

func confWrite32(t *testing.T, p *machine.PCI, addr, value uint32) {
	t.Helper()

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, addr)
	require.NoError(t, p.Out(0xcf8, b))

	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, value)
	require.NoError(t, p.Out(0xcfc, v))
}

func TestConfigAddressLayout(t *testing.T) {
	assert.EqualValues(t, 4, unsafe.Sizeof(machine.ConfigAddress(0)))

	a := machine.ConfigAddress(1<<31 | 2<<16 | 3<<11 | 1<<8 | 0x47)
	assert.True(t, a.Enabled())
	assert.EqualValues(t, 2, a.BusNumber())
	assert.EqualValues(t, 3, a.DeviceNumber())
	assert.EqualValues(t, 1, a.FunctionNumber())
	assert.EqualValues(t, 0x44, a.RegisterOffset(), "offset is dword-aligned")
}

func TestType0HeaderSize(t *testing.T) {
	assert.Equal(t, 64, binary.Size(machine.Type0Header{}))
}

func TestHostBridgeIdentity(t *testing.T) {
	p := testPCI()

	id := confRead32(t, p, confAddr(0, 0))
	assert.EqualValues(t, 0x1ae0, id&0xffff, "vendor")

	class := confRead32(t, p, confAddr(0, 8))
	assert.EqualValues(t, 0x06, class>>24, "base class: host bridge")

	bar2 := confRead32(t, p, confAddr(0, 0x10+2*4))
	assert.EqualValues(t, 0x00ffff00, bar2, "bus-number scaffold")
}

func TestVirtioNetIdentity(t *testing.T) {
	p := testPCI()

	id := confRead32(t, p, confAddr(1, 0))
	assert.EqualValues(t, 0x1af4, id&0xffff, "vendor")
	assert.EqualValues(t, 0x1041, id>>16, "modern virtio-net device id")

	cmdStatus := confRead32(t, p, confAddr(1, 4))
	assert.EqualValues(t, 0x1, cmdStatus&0xffff&0x1, "io space enabled")
	assert.NotZero(t, (cmdStatus>>16)&(1<<4), "capabilities list")

	capPtr := confRead32(t, p, confAddr(1, 0x34))
	assert.EqualValues(t, 0x40, capPtr&0xff)
}

func TestBAR0SizeProbe(t *testing.T) {
	p := testPCI()
	bar0 := confAddr(1, 0x10)

	assert.EqualValues(t, 0x1001, confRead32(t, p, bar0), "initial BAR0")

	confWrite32(t, p, bar0, 0xffffffff)
	assert.EqualValues(t, 0x100, confRead32(t, p, bar0), "probe answers io size")

	confWrite32(t, p, bar0, 0x1001)
	assert.EqualValues(t, 0x1001, confRead32(t, p, bar0), "restored BAR0")
}

func TestAbsentDeviceFloats(t *testing.T) {
	p := testPCI()

	assert.EqualValues(t, 0xffffffff, confRead32(t, p, confAddr(5, 0)), "empty slot")

	// Disabled accesses float too.
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, confAddr(1, 0)&^uint32(1<<31))
	require.NoError(t, p.Out(0xcf8, b))

	v := make([]byte, 4)
	require.NoError(t, p.In(0xcfc, v))
	assert.EqualValues(t, 0xffffffff, binary.LittleEndian.Uint32(v))

	// Writes to an empty slot are dropped without error.
	confWrite32(t, p, confAddr(5, 0x10), 0x1234)
}

func TestConfigAddressByteGranular(t *testing.T) {
	p := testPCI()

	full := confAddr(1, 0)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, p.Out(0xcf8+i, []byte{byte(full >> (8 * i))}))
	}

	v := make([]byte, 4)
	require.NoError(t, p.In(0xcfc, v))
	assert.EqualValues(t, 0x1af4, binary.LittleEndian.Uint32(v)&0xffff)

	// Reading the address register back, bytewise.
	got := uint32(0)
	for i := uint64(0); i < 4; i++ {
		b := []byte{0}
		require.NoError(t, p.In(0xcf8+i, b))
		got |= uint32(b[0]) << (8 * i)
	}
	assert.Equal(t, full, got)
}

func TestBARMappedPIORouting(t *testing.T) {
	p := testPCI()

	// num_queues lives at offset 18 of the common config behind BAR0.
	v := make([]byte, 2)
	require.NoError(t, p.In(0x1000+18, v))
	assert.EqualValues(t, 1, binary.LittleEndian.Uint16(v))

	// Ports outside every window are ignored.
	u := []byte{0xaa}
	require.NoError(t, p.In(0x7000, u))
	assert.EqualValues(t, 0xaa, u[0])
}
