package rvemu

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

func kernelFromWords(words []uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func runGuest(t *testing.T, e *Emulator) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return code
}

func TestNewRejectsUnalignedMemory(t *testing.T) {
	_, err := New(Config{MemoryBytes: 4096 + 100})
	if err == nil {
		t.Fatal("expected an error for unaligned memory size")
	}
}

func TestBootToExit(t *testing.T) {
	e, err := New(Config{MemoryBytes: 1 << 20, StopOnZero: true})
	if err != nil {
		t.Fatal(err)
	}

	kernel := kernelFromWords([]uint32{
		0x00700513, // li a0, 7
		0x00a02023, // sw a0, 0(zero)
	})
	if err := e.LoadKernel(kernel); err != nil {
		t.Fatal(err)
	}

	if got := runGuest(t, e); got != 7 {
		t.Fatalf("exit code: expected 7, got %d", got)
	}
}

func TestLoadKernelPublishesDeviceTree(t *testing.T) {
	e, err := New(Config{MemoryBytes: 1 << 20, Cmdline: "console=ttyS0"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LoadKernel(kernelFromWords([]uint32{0x00000013})); err != nil {
		t.Fatal(err)
	}

	m := e.Machine()
	dtbAddr := m.CPU.X[11]
	if dtbAddr < m.MemoryBase() || dtbAddr >= m.MemoryBase()+m.MemorySize() {
		t.Fatalf("a1 does not point into RAM: 0x%x", dtbAddr)
	}
	if m.CPU.X[2] != dtbAddr {
		t.Errorf("sp: expected the device tree base, got 0x%x", m.CPU.X[2])
	}

	// FDT blobs are big-endian
	var magic [4]byte
	for i := range magic {
		magic[i], _ = m.Bus.Read8(dtbAddr + uint64(i))
	}
	if got := binary.BigEndian.Uint32(magic[:]); got != 0xd00dfeed {
		t.Errorf("device tree magic: got 0x%x", got)
	}
}

func TestLoadKernelTooLarge(t *testing.T) {
	e, err := New(Config{MemoryBytes: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LoadKernel(make([]byte, 2<<20)); err == nil {
		t.Fatal("expected an error for an oversized kernel")
	}
}

func TestAttachDiskPadsToSector(t *testing.T) {
	e, err := New(Config{MemoryBytes: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}

	e.AttachDisk(make([]byte, 100))
	if got := e.Machine().Disk.Capacity(); got != 1 {
		t.Errorf("capacity: expected 1 sector, got %d", got)
	}

	e.AttachDisk(make([]byte, 1024))
	if got := e.Machine().Disk.Capacity(); got != 2 {
		t.Errorf("capacity: expected 2 sectors, got %d", got)
	}
}

func TestQueueInputReachesGuest(t *testing.T) {
	e, err := New(Config{MemoryBytes: 1 << 20, StopOnZero: true})
	if err != nil {
		t.Fatal(err)
	}

	// Read one byte from the UART and exit with it
	kernel := kernelFromWords([]uint32{
		0x10000537, // lui a0, 0x10000
		0x00054583, // lbu a1, 0(a0)
		0x00b02023, // sw a1, 0(zero)
	})
	if err := e.LoadKernel(kernel); err != nil {
		t.Fatal(err)
	}
	e.QueueInput([]byte{'x'})

	if got := runGuest(t, e); got != 'x' {
		t.Fatalf("exit code: expected %d, got %d", 'x', got)
	}
}

func TestStepOutcome(t *testing.T) {
	e, err := New(Config{MemoryBytes: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LoadKernel(kernelFromWords([]uint32{0x00000013})); err != nil {
		t.Fatal(err)
	}

	out, err := e.Step()
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if out.Kind != Continued {
		t.Errorf("outcome: got %v", out.Kind)
	}
}
