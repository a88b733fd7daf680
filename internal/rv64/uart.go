package rv64

import (
	"io"
)

// UART register offsets (16550 compatible)
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits
const (
	UARTLSRDataReady      = 1 << 0 // Data ready
	UARTLSROverrunError   = 1 << 1 // Overrun error
	UARTLSRParityError    = 1 << 2 // Parity error
	UARTLSRFramingError   = 1 << 3 // Framing error
	UARTLSRBreakInterrupt = 1 << 4 // Break interrupt
	UARTLSRTHREmpty       = 1 << 5 // Transmit holding register empty
	UARTLSRTxEmpty        = 1 << 6 // Transmitter empty
	UARTLSRFIFOError      = 1 << 7 // FIFO error
)

// IIR bits
const (
	UARTIIRNoInterrupt = 1 << 0 // No interrupt pending
)

// UART implements a 16550 subset. Transmit forwards bytes to the host
// writer immediately; receive is fed through QueueInput and raises the
// console interrupt source while data waits.
type UART struct {
	Output io.Writer

	// Registers
	RBR uint8 // Receive buffer
	IER uint8 // Interrupt enable
	IIR uint8 // Interrupt identification
	FCR uint8 // FIFO control
	LCR uint8 // Line control
	MCR uint8 // Modem control
	LSR uint8 // Line status
	MSR uint8 // Modem status
	SCR uint8 // Scratch

	// DLAB registers
	DLL uint8 // Divisor latch low
	DLH uint8 // Divisor latch high

	// Receive queue
	inputBuffer []byte
	inputPos    int

	// Interrupt pending
	InterruptPending bool

	// Interrupt callback, wired to the PLIC by the machine
	OnInterrupt func(pending bool)
}

// NewUART creates a new UART device
func NewUART(output io.Writer) *UART {
	return &UART{
		Output: output,
		LSR:    UARTLSRTHREmpty | UARTLSRTxEmpty, // TX ready
		IIR:    UARTIIRNoInterrupt,
	}
}

// Size implements Device
func (uart *UART) Size() uint64 {
	return UARTSize
}

// Read implements Device
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}

	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegRBR:
		if dlab {
			return uint64(uart.DLL), nil
		}
		data := uart.RBR
		if uart.inputPos < len(uart.inputBuffer) {
			data = uart.inputBuffer[uart.inputPos]
			uart.inputPos++
			if uart.inputPos >= len(uart.inputBuffer) {
				uart.inputBuffer = nil
				uart.inputPos = 0
			}
		}
		uart.updateLSR()
		uart.updateInterrupt()
		return uint64(data), nil

	case UARTRegIER:
		if dlab {
			return uint64(uart.DLH), nil
		}
		return uint64(uart.IER), nil

	case UARTRegIIR:
		return uint64(uart.IIR), nil

	case UARTRegLCR:
		return uint64(uart.LCR), nil

	case UARTRegMCR:
		return uint64(uart.MCR), nil

	case UARTRegLSR:
		uart.updateLSR()
		return uint64(uart.LSR), nil

	case UARTRegMSR:
		return uint64(uart.MSR), nil

	case UARTRegSCR:
		return uint64(uart.SCR), nil
	}

	return 0, nil
}

// Write implements Device
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}

	data := uint8(value)
	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.DLL = data
			return nil
		}
		if uart.Output != nil {
			uart.Output.Write([]byte{data})
		}

	case UARTRegIER:
		if dlab {
			uart.DLH = data
			return nil
		}
		uart.IER = data
		uart.updateInterrupt()

	case UARTRegFCR:
		uart.FCR = data
		if data&0x01 != 0 && data&0x02 != 0 {
			// RX FIFO reset
			uart.inputBuffer = nil
			uart.inputPos = 0
			uart.updateLSR()
			uart.updateInterrupt()
		}

	case UARTRegLCR:
		uart.LCR = data

	case UARTRegMCR:
		uart.MCR = data

	case UARTRegSCR:
		uart.SCR = data
	}

	return nil
}

// updateLSR updates the line status register
func (uart *UART) updateLSR() {
	uart.LSR = UARTLSRTHREmpty | UARTLSRTxEmpty // TX always ready

	if uart.inputPos < len(uart.inputBuffer) {
		uart.LSR |= UARTLSRDataReady
	}
}

// updateInterrupt recomputes the interrupt line
func (uart *UART) updateInterrupt() {
	pending := false

	if uart.IER&0x01 != 0 && uart.inputPos < len(uart.inputBuffer) {
		pending = true
		uart.IIR = 0x04 // Receive data available
	} else if uart.IER&0x02 != 0 {
		pending = true
		uart.IIR = 0x02 // THR empty, always ready
	} else {
		uart.IIR = UARTIIRNoInterrupt
	}

	// Always re-drive the line: a PLIC claim clears the pending bit, so
	// a still-level interrupt must be re-asserted even when our view of
	// it never toggled
	uart.InterruptPending = pending
	if uart.OnInterrupt != nil {
		uart.OnInterrupt(pending)
	}
}

// QueueInput appends bytes for the guest to read
func (uart *UART) QueueInput(data []byte) {
	uart.inputBuffer = append(uart.inputBuffer, data...)
	uart.updateLSR()
	uart.updateInterrupt()
}

var _ Device = (*UART)(nil)
