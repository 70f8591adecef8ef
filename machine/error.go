package machine

import (
	"errors"
)

var (
	ErrAPIIncompatible      = errors.New("kvm api version is not 12")
	ErrNotReady             = errors.New("operation ordering violated")
	ErrGuestMemory          = errors.New("guest memory out of range for request")
	ErrNoMemory             = errors.New("memory mapping failed")
	ErrMissingCapability    = errors.New("required kvm capability not present")
	ErrZeroSizeKernel       = errors.New("kernel is 0 bytes")
	ErrSignatureNotMatch    = errors.New("signature not match in bzImage")
	ErrOldProtocolVersion   = errors.New("old boot protocol version")
	ErrReadOnlyRegister     = errors.New("write to read-only register")
	ErrBadVA                = errors.New("bad virtual address")
	ErrBadCPU               = errors.New("bad cpu number")
	ErrBadRegister          = errors.New("bad register")
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")
	ErrDebug                = errors.New("debug exit")
)
