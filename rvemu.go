// Package rvemu emulates a single-hart RV64IMAC machine with enough of
// the privileged architecture to boot a small Unix-like kernel: M/S/U
// privilege levels, Sv39 paging, a CLINT timer, a PLIC, a 16550 UART, and
// a virtio block device.
package rvemu

import (
	"context"
	"fmt"
	"io"

	"github.com/virtkit/rvemu/internal/rv64"
)

// Outcome reports what a single step did. Traps the guest handles itself
// are outcomes; errors are emulator defects.
type Outcome = rv64.Outcome

// OutcomeKind classifies an Outcome.
type OutcomeKind = rv64.OutcomeKind

// Outcome kinds.
const (
	Continued = rv64.Continued
	Trapped   = rv64.Trapped
	HostExit  = rv64.HostExit
)

const (
	// DefaultMemoryBytes is the RAM size used when Config.MemoryBytes is zero.
	DefaultMemoryBytes = 128 * 1024 * 1024

	pageSize   = 4096
	sectorSize = 512
)

// Config configures a new Emulator.
type Config struct {
	// MemoryBytes is the guest RAM size. Zero selects DefaultMemoryBytes.
	// Must be a multiple of the 4 KiB page size.
	MemoryBytes uint64

	// Output receives console bytes the guest writes to the UART.
	// Defaults to io.Discard.
	Output io.Writer

	// Firmware enables the built-in SBI handler: ecalls from S-mode are
	// serviced by the host instead of trapping to M-mode.
	Firmware bool

	// StopOnZero turns a guest store to physical address zero into a
	// HostExit carrying the stored value.
	StopOnZero bool

	// Cmdline is the kernel command line published in the device tree.
	Cmdline string
}

// Emulator is a fully assembled guest machine.
type Emulator struct {
	machine *rv64.Machine
	cmdline string
}

// New validates the configuration and builds the machine.
func New(cfg Config) (*Emulator, error) {
	memSize := cfg.MemoryBytes
	if memSize == 0 {
		memSize = DefaultMemoryBytes
	}
	if memSize%pageSize != 0 {
		return nil, fmt.Errorf("rvemu: memory size 0x%x is not page aligned", memSize)
	}

	output := cfg.Output
	if output == nil {
		output = io.Discard
	}

	machine := rv64.NewMachine(memSize, output)
	machine.EnableFirmware = cfg.Firmware
	machine.SetStopOnZero(cfg.StopOnZero)

	return &Emulator{
		machine: machine,
		cmdline: cfg.Cmdline,
	}, nil
}

// LoadKernel places a flat kernel binary at the start of RAM, publishes
// the device tree below the top of RAM, and points the hart at the entry:
// a0 = hart ID, a1 = device tree, sp = bottom of the device tree.
func (e *Emulator) LoadKernel(kernel []byte) error {
	base := e.machine.MemoryBase()
	size := e.machine.MemorySize()

	fdt := rv64.GenerateFDT(e.machine, e.cmdline)
	fdtLen := (uint64(len(fdt)) + pageSize - 1) &^ uint64(pageSize-1)
	if uint64(len(kernel))+fdtLen > size {
		return fmt.Errorf("rvemu: kernel of %d bytes does not fit in 0x%x of RAM", len(kernel), size)
	}
	dtbAddr := base + size - fdtLen

	if err := e.machine.LoadBytes(base, kernel); err != nil {
		return fmt.Errorf("rvemu: load kernel: %w", err)
	}
	if err := e.machine.LoadBytes(dtbAddr, fdt); err != nil {
		return fmt.Errorf("rvemu: load device tree: %w", err)
	}

	e.machine.SetupForKernel(dtbAddr)
	e.machine.CPU.X[2] = dtbAddr // stack grows down from the device tree

	return nil
}

// AttachDisk backs the virtio block device with the given image, padded
// up to a whole number of 512-byte sectors.
func (e *Emulator) AttachDisk(image []byte) {
	if rem := len(image) % sectorSize; rem != 0 {
		padded := make([]byte, len(image)+sectorSize-rem)
		copy(padded, image)
		image = padded
	}
	e.machine.Disk.SetDisk(image)
}

// QueueInput delivers bytes to the guest console as if typed on the
// serial line. It may be called concurrently with Run; the bytes reach
// the UART at the next step boundary.
func (e *Emulator) QueueInput(data []byte) {
	e.machine.QueueInput(data)
}

// Step advances the machine by one instruction.
func (e *Emulator) Step() (Outcome, error) {
	return e.machine.Step()
}

// Run steps the machine until the guest exits or ctx is cancelled,
// returning the guest exit code.
func (e *Emulator) Run(ctx context.Context) (int, error) {
	return e.machine.Run(ctx, 0)
}

// Halt stops a concurrent Run loop.
func (e *Emulator) Halt() {
	e.machine.Halt()
}

// Machine exposes the underlying machine for tests and tooling.
func (e *Emulator) Machine() *rv64.Machine {
	return e.machine
}
