package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/virtkit/rvemu"
	"golang.org/x/term"
)

// Ctrl-] detaches the console and stops the guest
const escapeChar = 0x1d

func main() {
	if err := run(); err != nil {
		if code, ok := guestExit(err); ok {
			os.Exit(code)
		}
		fmt.Fprintf(os.Stderr, "rvemu: %v\n", err)
		os.Exit(1)
	}
}

// guestExitError carries the guest's exit code out of run
type guestExitError struct {
	code int
}

func (e guestExitError) Error() string {
	return fmt.Sprintf("guest exited with code %d", e.code)
}

func guestExit(err error) (int, bool) {
	var exitErr guestExitError
	if errors.As(err, &exitErr) {
		return exitErr.code, true
	}
	return 0, false
}

func run() error {
	configPath := flag.String("config", "", "Machine config file (yaml)")
	kernelPath := flag.String("kernel", "", "Flat kernel binary loaded at the start of RAM")
	diskPath := flag.String("disk", "", "Disk image for the virtio block device")
	memoryMB := flag.Uint64("memory", 0, "Memory in MB")
	cmdline := flag.String("cmdline", "", "Kernel command line")
	firmware := flag.Bool("firmware", false, "Handle S-mode SBI calls in the emulator")
	stopOnZero := flag.Bool("stop-on-zero", false, "Exit when the guest stores to physical address 0")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a kernel in an RV64IMAC emulator.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel kernel.bin -disk fs.img\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config machine.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Press Ctrl-] to stop the guest.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var cfg MachineConfig
	if *configPath != "" {
		loaded, err := LoadMachineConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags override the config file
	if *kernelPath != "" {
		cfg.Kernel = *kernelPath
	}
	if *diskPath != "" {
		cfg.Disk = *diskPath
	}
	if *memoryMB != 0 {
		cfg.MemoryMB = *memoryMB
	}
	if *cmdline != "" {
		cfg.Cmdline = *cmdline
	}
	if *firmware {
		cfg.Firmware = true
	}
	if *stopOnZero {
		cfg.StopOnZero = true
	}

	if cfg.Kernel == "" {
		flag.Usage()
		return fmt.Errorf("no kernel given")
	}

	emu, err := rvemu.New(rvemu.Config{
		MemoryBytes: cfg.MemoryMB * 1024 * 1024,
		Output:      os.Stdout,
		Firmware:    cfg.Firmware,
		StopOnZero:  cfg.StopOnZero,
		Cmdline:     cfg.Cmdline,
	})
	if err != nil {
		return err
	}

	kernel, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}
	if err := emu.LoadKernel(kernel); err != nil {
		return err
	}
	slog.Debug("loaded kernel", "path", cfg.Kernel, "size", len(kernel))

	if cfg.Disk != "" {
		disk, err := os.ReadFile(cfg.Disk)
		if err != nil {
			return fmt.Errorf("read disk: %w", err)
		}
		emu.AttachDisk(disk)
		slog.Debug("attached disk", "path", cfg.Disk, "size", len(disk))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	go pumpInput(cancel, emu)

	code, err := emu.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if code != 0 {
		return guestExitError{code: code}
	}
	return nil
}

// pumpInput forwards stdin to the guest console until the escape
// character arrives
func pumpInput(cancel context.CancelFunc, emu *rvemu.Emulator) {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if buf[i] == escapeChar {
				cancel()
				return
			}
		}
		emu.QueueInput(buf[:n])
	}
}
