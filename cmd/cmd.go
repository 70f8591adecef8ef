package cmd

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/set-io/vmm/machine"
	"github.com/set-io/vmm/utils"
)

// Exit codes. Anything not covered below surfaces as exitFailure.
const (
	exitOK              = 0
	exitBadMemory       = 1
	exitAPIIncompatible = 2
	exitNotReady        = 3
	exitGuestMemory     = 4
	exitNoMemory        = 5
	exitFailure         = 6
	exitBadKernel       = 9
	exitUnexpectedExit  = 99
)

// Config is the single record handed from the CLI surface to the
// core. Flags override values taken from an OCI spec file.
type Config struct {
	KernelPath string
	InitrdPath string
	InitrdDir  string
	Memory     string
	Cmdline    string
	SpecFile   string
	Trace      int
	Debug      bool
}

func Execute(name, usage, version, gitCommit string) {
	os.Exit(Main(name, usage, version, gitCommit, os.Args[1:]))
}

func Main(name, usage, version, gitCommit string, args []string) int {
	var cfg Config
	var showVersion bool

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "%s\n\n", usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.KernelPath, "kernel", "", "path to a bzImage (required)")
	fs.StringVar(&cfg.InitrdPath, "initrd", "", "path to an initrd image")
	fs.StringVar(&cfg.InitrdDir, "initrd-dir", "", "build the initrd from this directory")
	fs.StringVar(&cfg.Memory, "memory", "1G", "guest memory size, e.g. 1G, 512M, 2GB")
	fs.StringVar(&cfg.Cmdline, "cmdline", machine.DefaultCmdline, "kernel command line")
	fs.StringVar(&cfg.SpecFile, "spec", "", "OCI runtime spec file supplying the vm section")
	fs.IntVar(&cfg.Trace, "trace", 0, "disassemble every N instructions (0 disables)")
	fs.BoolVar(&cfg.Debug, "debug", false, "verbose machine logging")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFailure
	}
	if showVersion {
		fmt.Printf("%s version %s\n", name, version)
		if gitCommit != "" {
			fmt.Printf("commit: %s\n", gitCommit)
		}
		return exitOK
	}

	if cfg.SpecFile != "" {
		if err := cfg.applySpecFile(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			return exitBadKernel
		}
	}
	if cfg.Debug {
		machine.DebugEnabled()
	}

	if err := boot(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return errToCode(err)
	}
	return exitOK
}

// applySpecFile fills unset fields from the vm section of an OCI
// runtime spec document.
func (c *Config) applySpecFile() error {
	data, err := os.ReadFile(c.SpecFile)
	if err != nil {
		return err
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("spec %s: %w", c.SpecFile, err)
	}
	if spec.VM == nil {
		return fmt.Errorf("spec %s: no vm section", c.SpecFile)
	}

	if c.KernelPath == "" {
		c.KernelPath = spec.VM.Kernel.Path
	}
	if c.InitrdPath == "" {
		c.InitrdPath = spec.VM.Kernel.InitRD
	}
	if c.Cmdline == machine.DefaultCmdline && len(spec.VM.Kernel.Parameters) > 0 {
		c.Cmdline = strings.Join(spec.VM.Kernel.Parameters, " ")
	}
	return nil
}

func errToCode(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidMemoryUnit):
		return exitBadMemory
	case errors.Is(err, machine.ErrUnexpectedExitReason):
		return exitUnexpectedExit
	case errors.Is(err, machine.ErrAPIIncompatible):
		return exitAPIIncompatible
	case errors.Is(err, machine.ErrNotReady):
		return exitNotReady
	case errors.Is(err, machine.ErrGuestMemory):
		return exitGuestMemory
	case errors.Is(err, machine.ErrNoMemory):
		return exitNoMemory
	case errors.Is(err, os.ErrNotExist):
		return exitBadKernel
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return exitFailure
	}
	return exitFailure
}
