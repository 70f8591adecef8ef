package machine

import (
	"fmt"
)

type Cap uint32

const (
	CapIRQChip            Cap = 0
	CapHLT                Cap = 1
	CapUserMemory         Cap = 3
	CapSetTSSAddr         Cap = 4
	CapEXTCPUID           Cap = 7
	CapNRVCPUS            Cap = 9
	CapNRMemSlots         Cap = 10
	CapPIT                Cap = 11
	CapUserNMI            Cap = 22
	CapSetGuestDebug      Cap = 23
	CapIRQRouting         Cap = 25
	CapPIT2               Cap = 33
	CapSetIdentityMapAddr Cap = 37
)

var capNames = map[Cap]string{
	CapIRQChip:            "IRQCHIP",
	CapHLT:                "HLT",
	CapUserMemory:         "USER_MEMORY",
	CapSetTSSAddr:         "SET_TSS_ADDR",
	CapEXTCPUID:           "EXT_CPUID",
	CapNRVCPUS:            "NR_VCPUS",
	CapNRMemSlots:         "NR_MEMSLOTS",
	CapPIT:                "PIT",
	CapUserNMI:            "USER_NMI",
	CapSetGuestDebug:      "SET_GUEST_DEBUG",
	CapIRQRouting:         "IRQ_ROUTING",
	CapPIT2:               "PIT2",
	CapSetIdentityMapAddr: "SET_IDENTITY_MAP_ADDR",
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Cap(%d)", uint32(c))
}

func CheckExtension(kvmFd P, c Cap) (P, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), P(c))
}

// requiredCaps is what the bring-up sequence in New depends on.
var requiredCaps = []Cap{
	CapIRQChip,
	CapHLT,
	CapUserMemory,
	CapSetTSSAddr,
	CapEXTCPUID,
	CapPIT2,
	CapSetIdentityMapAddr,
}

func VerifyCapabilities(kvmFd P) error {
	for _, c := range requiredCaps {
		ret, err := CheckExtension(kvmFd, c)
		if err != nil {
			return fmt.Errorf("CheckExtension %s: %w", c, err)
		}
		if ret == 0 {
			return fmt.Errorf("%s: %w", c, ErrMissingCapability)
		}
	}
	return nil
}
