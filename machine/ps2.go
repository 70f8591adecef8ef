package machine

import "log"

const (
	ps2DataPort   = 0x60
	ps2StatusPort = 0x64

	ps2StatusOutputFull = 1 << 0

	ps2ConfigSystemFlag = 1 << 2

	ps2CmdReadConfig = 0x20
)

// PS2 is a mock i8042 good enough to satisfy guest probing: a status
// register that always reports the output buffer full, a config byte
// with the system flag set, and a one-byte data slot. Commands other
// than config-read are accepted and dropped; the guest probes with
// several controller commands during boot and a silent controller is
// what it expects from absent hardware.
type PS2 struct {
	status byte
	config byte
	data   byte
}

func NewPS2() *PS2 {
	return &PS2{
		status: ps2StatusOutputFull,
		config: ps2ConfigSystemFlag,
	}
}

func (p *PS2) In(port uint64, values []byte) error {
	switch port {
	case ps2DataPort:
		values[0] = p.data
	case ps2StatusPort:
		values[0] = p.status
	}
	return nil
}

func (p *PS2) Out(port uint64, values []byte) error {
	switch port {
	case ps2DataPort:
		p.data = values[0]
	case ps2StatusPort:
		switch values[0] {
		case ps2CmdReadConfig:
			p.data = p.config
		default:
			if debug {
				log.Printf("i8042: dropping command %#x", values[0])
			}
		}
	}
	return nil
}
