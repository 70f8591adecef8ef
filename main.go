package main

import (
	"github.com/set-io/vmm/cmd"
)

// version must be set from the contents of VERSION file by go build's
// -X main.version= option in the Makefile.
var version = "unknown"

// gitCommit will be the hash that the binary was built from
// and will be populated by the Makefile
var gitCommit = ""

const (
	usage = `Minimal KVM virtual machine monitor

vmm boots an unmodified Linux kernel (bzImage plus optional initrd)
on a single virtual CPU, with a serial console on COM1 wired to the
host terminal.

To boot a kernel:

    # vmm --kernel bzImage --initrd initrd.img --memory 1G

The kernel command line defaults to "console=ttyS0" so early output
lands on the emulated UART.`
)

func main() {
	cmd.Execute("vmm", usage, version, gitCommit)
}
