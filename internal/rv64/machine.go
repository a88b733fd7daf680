package rv64

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// OutcomeKind classifies the result of a single step
type OutcomeKind int

const (
	// Continued means the instruction retired normally (or the hart idled
	// in WFI)
	Continued OutcomeKind = iota
	// Trapped means an exception or interrupt was taken; control moved to
	// the trap vector and the machine keeps running
	Trapped
	// HostExit means the guest asked the host to stop
	HostExit
)

// Outcome reports what a step did. Architectural traps are outcomes, not
// errors: a non-nil error from Step means the emulator itself is broken.
type Outcome struct {
	Kind  OutcomeKind
	Cause uint64 // trap cause when Kind == Trapped
	Code  int    // guest exit code when Kind == HostExit
}

// haltError carries a guest-requested exit through the execution path
type haltError struct {
	code int
}

func (e haltError) Error() string {
	return fmt.Sprintf("halt requested with code %d", e.code)
}

// Machine is a complete single-hart RV64IMAC system
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART
	Disk  *VirtIOBlock

	// EnableFirmware routes ecalls from S-mode to the built-in SBI
	// handler instead of trapping to M-mode
	EnableFirmware bool

	halted atomic.Bool

	// inputMu guards pendingInput. Console bytes arrive from a reader
	// goroutine; everything else in the machine is owned by the step
	// loop, so input is staged here and drained at step boundaries.
	inputMu      sync.Mutex
	pendingInput []byte
}

// NewMachine builds the platform: CPU, Sv39 MMU, and the fixed device map
func NewMachine(ramSize uint64, output io.Writer) *Machine {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	mmu := NewMMU(cpu)
	cpu.MMU = mmu

	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(output)
	disk := NewVirtIOBlock(bus, nil)

	uart.OnInterrupt = func(pending bool) {
		plic.SetPending(UARTIRQ, pending)
	}
	disk.OnInterrupt = func(pending bool) {
		plic.SetPending(VirtIOIRQ, pending)
	}

	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)
	bus.AddDevice(VirtIOBase, disk)

	return &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
		Disk:  disk,
	}
}

// Reset returns the machine to its power-on state
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.halted.Store(false)
}

// SetStopOnZero halts the machine when the guest stores to physical
// address zero; the stored value becomes the exit code
func (m *Machine) SetStopOnZero(enable bool) {
	m.CPU.StopOnZero = enable
}

// LoadBytes copies data into guest memory at a physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// QueueInput stages console bytes for the guest. Safe to call from a
// goroutine other than the one running Step.
func (m *Machine) QueueInput(data []byte) {
	m.inputMu.Lock()
	m.pendingInput = append(m.pendingInput, data...)
	m.inputMu.Unlock()
}

// drainInput hands staged console bytes to the UART on the step
// goroutine, which owns all device and interrupt state
func (m *Machine) drainInput() {
	m.inputMu.Lock()
	buf := m.pendingInput
	m.pendingInput = nil
	m.inputMu.Unlock()

	if len(buf) > 0 {
		m.UART.QueueInput(buf)
	}
}

// Step advances the machine by one instruction. The timer ticks once per
// call whether or not an instruction retired, so time moves during WFI.
func (m *Machine) Step() (Outcome, error) {
	m.drainInput()
	out, err := m.stepInsn()
	m.CLINT.Tick()
	return out, err
}

func (m *Machine) stepInsn() (Outcome, error) {
	if m.CPU.WFI {
		// WFI wakes on any pending enabled interrupt, even one masked by
		// the global enable bits
		if m.CPU.Mip&m.CPU.Mie == 0 {
			return Outcome{Kind: Continued}, nil
		}
		m.CPU.WFI = false
	}

	if pending, cause := m.CPU.CheckInterrupt(); pending {
		m.CPU.HandleTrap(cause, 0)
		return Outcome{Kind: Trapped, Cause: cause}, nil
	}

	pc := m.CPU.PC

	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		return m.trapOn(err)
	}

	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.CPU.HandleTrap(CauseInsnAccessFault, pc)
		return Outcome{Kind: Trapped, Cause: CauseInsnAccessFault}, nil
	}

	isCompressed := insn&0x3 != 0x3
	m.CPU.insnBytes = 4
	if isCompressed {
		expanded, err := m.CPU.ExpandCompressed(uint16(insn))
		if err != nil {
			return m.trapOn(err)
		}
		insn = expanded
		m.CPU.insnBytes = 2
	}

	m.CPU.pcWritten = false
	err = m.CPU.Execute(insn)
	if err != nil {
		if halt, ok := err.(haltError); ok {
			m.halted.Store(true)
			return Outcome{Kind: HostExit, Code: halt.code}, nil
		}
		exc, ok := err.(ExceptionError)
		if !ok {
			return Outcome{}, err
		}
		m.CPU.PC = pc

		if m.EnableFirmware && exc.Cause == CauseEcallFromS {
			if err := m.HandleSBI(); err != nil {
				if halt, ok := err.(haltError); ok {
					m.halted.Store(true)
					return Outcome{Kind: HostExit, Code: halt.code}, nil
				}
				return Outcome{}, err
			}
			m.CPU.PC += 4
			return Outcome{Kind: Continued}, nil
		}

		m.CPU.HandleTrap(exc.Cause, exc.Tval)
		return Outcome{Kind: Trapped, Cause: exc.Cause}, nil
	}

	// Sequential instructions advance here; jumps and xRET retarget PC
	// themselves, even when the target is the jump's own address
	if !m.CPU.pcWritten {
		if isCompressed {
			m.CPU.PC += 2
		} else {
			m.CPU.PC += 4
		}
	}

	m.CPU.Cycle++
	m.CPU.Instret++

	return Outcome{Kind: Continued}, nil
}

// trapOn routes an architectural exception into the trap machinery and
// passes everything else through as an emulator fault
func (m *Machine) trapOn(err error) (Outcome, error) {
	exc, ok := err.(ExceptionError)
	if !ok {
		return Outcome{}, err
	}
	m.CPU.HandleTrap(exc.Cause, exc.Tval)
	return Outcome{Kind: Trapped, Cause: exc.Cause}, nil
}

// Run steps the machine until the guest exits, the context is cancelled,
// or Halt is called. It yields to the context check every yieldAfter
// instructions. The returned code is the guest exit code.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) (int, error) {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if m.halted.Load() {
			return 0, nil
		}

		for i := int64(0); i < yieldAfter; i++ {
			out, err := m.Step()
			if err != nil {
				return 0, fmt.Errorf("step failed at PC=0x%x: %w", m.CPU.PC, err)
			}
			if out.Kind == HostExit {
				return out.Code, nil
			}
		}
	}
}

// Halt stops a concurrent Run loop at the next batch boundary
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted reports whether the machine has stopped
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}
