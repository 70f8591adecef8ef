package machine

import (
	"unsafe"
)

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

func IRQLineStatus(vmFd P, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}
	_, err := Ioctl(vmFd,
		IIOWR(kvmIRQLineStatus, P(unsafe.Sizeof(irqLevel{}))), P(Ptr(&irqLev)))
	return err
}

func CreateIRQChip(vmFd P) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)
	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

func CreatePIT2(vmFd P) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd,
		IIOW(kvmCreatePIT2, P(unsafe.Sizeof(pitConfig{}))), P(Ptr(&pit)))
	return err
}

func InjectInterrupt(vCpuFd P, intr uint32) error {
	_, err := Ioctl(vCpuFd, IIOW(kvmInterrupt, 4), P(intr))
	return err
}
