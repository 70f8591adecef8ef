package cmd

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/set-io/vmm/initramfs"
	"github.com/set-io/vmm/machine"
	"github.com/set-io/vmm/utils"
)

// boot builds the machine from the config record and runs it until
// the guest halts.
func boot(cfg *Config) error {
	memSize, err := utils.ParseSize(cfg.Memory)
	if err != nil {
		return err
	}

	if cfg.KernelPath == "" {
		return fmt.Errorf("no kernel given: %w", os.ErrNotExist)
	}
	kernel, err := os.Open(cfg.KernelPath)
	if err != nil {
		return err
	}
	defer kernel.Close()

	initrd, err := openInitrd(cfg)
	if err != nil {
		return err
	}

	m, err := machine.New(memSize)
	if err != nil {
		return err
	}
	defer m.Halt()

	if err := m.LoadLinux(kernel, initrd, cfg.Cmdline); err != nil {
		return err
	}

	stop := make(chan struct{})
	g := new(errgroup.Group)

	var tty *machine.RawTTY
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if tty, err = machine.OpenRawTTY(); err != nil {
			log.Printf("no raw tty, console input disabled: %v", err)
			tty = nil
		}
	}
	if tty != nil {
		g.Go(func() error {
			tty.Pump(m.GetSerial(), stop)
			return nil
		})
	}

	runErr := runVCPU(m, cfg.Trace)

	close(stop)
	if tty != nil {
		tty.Restore()
	}
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func runVCPU(m *machine.Machine, trace int) error {
	if trace > 0 {
		return m.VCPU(0, trace)
	}
	return m.RunInfiniteLoop(0)
}

func openInitrd(cfg *Config) (io.ReaderAt, error) {
	switch {
	case cfg.InitrdDir != "":
		b, err := initramfs.BuildFromDir(cfg.InitrdDir)
		if err != nil {
			return nil, fmt.Errorf("initramfs from %s: %w", cfg.InitrdDir, err)
		}
		return bytes.NewReader(b), nil
	case cfg.InitrdPath != "":
		f, err := os.Open(cfg.InitrdPath)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, nil
}
