package rv64

import (
	"bytes"
	"testing"
)

func TestUARTTransmit(t *testing.T) {
	var out bytes.Buffer
	uart := NewUART(&out)

	for _, b := range []byte("hello\n") {
		uart.Write(UARTRegTHR, 1, uint64(b))
	}
	if out.String() != "hello\n" {
		t.Errorf("output: got %q", out.String())
	}

	lsr, _ := uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRTHREmpty == 0 {
		t.Error("transmitter never reports busy in this model")
	}
}

func TestUARTReceive(t *testing.T) {
	uart := NewUART(nil)

	lsr, _ := uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady != 0 {
		t.Error("data ready with empty buffer")
	}

	uart.QueueInput([]byte("ab"))

	lsr, _ = uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady == 0 {
		t.Error("data ready not set after queueing input")
	}

	b, _ := uart.Read(UARTRegRBR, 1)
	if b != 'a' {
		t.Errorf("first byte: got %q", byte(b))
	}
	b, _ = uart.Read(UARTRegRBR, 1)
	if b != 'b' {
		t.Errorf("second byte: got %q", byte(b))
	}

	lsr, _ = uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady != 0 {
		t.Error("data ready stuck after draining buffer")
	}
}

func TestUARTReceiveInterrupt(t *testing.T) {
	uart := NewUART(nil)

	var line bool
	uart.OnInterrupt = func(pending bool) { line = pending }

	// Enable the receive-data interrupt
	uart.Write(UARTRegIER, 1, 0x01)
	if line {
		t.Error("interrupt raised with no data")
	}

	uart.QueueInput([]byte{'x'})
	if !line {
		t.Error("interrupt not raised on input")
	}
	iir, _ := uart.Read(UARTRegIIR, 1)
	if iir != 0x04 {
		t.Errorf("IIR: got 0x%x", iir)
	}

	uart.Read(UARTRegRBR, 1)
	if line {
		t.Error("interrupt not dropped after drain")
	}
	iir, _ = uart.Read(UARTRegIIR, 1)
	if iir&UARTIIRNoInterrupt == 0 {
		t.Errorf("IIR after drain: got 0x%x", iir)
	}
}

func TestUARTDivisorLatch(t *testing.T) {
	uart := NewUART(nil)

	// DLAB redirects registers 0 and 1 to the divisor latch
	uart.Write(UARTRegLCR, 1, 0x80)
	uart.Write(UARTRegTHR, 1, 0x23)
	uart.Write(UARTRegIER, 1, 0x01)

	dll, _ := uart.Read(UARTRegRBR, 1)
	dlh, _ := uart.Read(UARTRegIER, 1)
	if dll != 0x23 || dlh != 0x01 {
		t.Errorf("divisor latch: got 0x%x/0x%x", dll, dlh)
	}

	uart.Write(UARTRegLCR, 1, 0x03)
	ier, _ := uart.Read(UARTRegIER, 1)
	if ier != 0 {
		t.Errorf("IER touched by latch writes: 0x%x", ier)
	}
}

func TestUARTFIFOReset(t *testing.T) {
	uart := NewUART(nil)
	uart.QueueInput([]byte("stale"))

	uart.Write(UARTRegFCR, 1, 0x07)

	lsr, _ := uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady != 0 {
		t.Error("FIFO reset left data pending")
	}
}
