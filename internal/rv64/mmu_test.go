package rv64

import (
	"errors"
	"testing"
)

const (
	testRootPT = RAMBase + 0x10000
	testL1PT   = RAMBase + 0x11000
	testL0PT   = RAMBase + 0x12000
)

func pte(pa uint64, flags uint64) uint64 {
	return (pa>>PageShift)<<10 | flags
}

func writePTE(t *testing.T, cpu *CPU, addr, val uint64) {
	t.Helper()
	if err := cpu.Bus.Write64(addr, val); err != nil {
		t.Fatalf("write pte at 0x%x: %v", addr, err)
	}
}

// newPagedCPU builds a supervisor-mode CPU with a three-level table rooted
// at testRootPT, mapping VA 0x1000 onto RAMBase+0x3000 read/write.
func newPagedCPU(t *testing.T) *CPU {
	t.Helper()
	bus := NewBus(1 << 20)
	cpu := NewCPU(bus)
	cpu.MMU = NewMMU(cpu)

	writePTE(t, cpu, testRootPT, pte(testL1PT, PteV))
	writePTE(t, cpu, testL1PT, pte(testL0PT, PteV))
	writePTE(t, cpu, testL0PT+1*8, pte(RAMBase+0x3000, PteV|PteR|PteW|PteA|PteD))

	cpu.Priv = PrivSupervisor
	cpu.Satp = (SatpModeSv39 << 60) | (testRootPT >> PageShift)
	return cpu
}

func expectCause(t *testing.T, err error, cause uint64) {
	t.Helper()
	var ex ExceptionError
	if !errors.As(err, &ex) {
		t.Fatalf("expected exception, got %v", err)
	}
	if ex.Cause != cause {
		t.Errorf("cause: expected %d, got %d", cause, ex.Cause)
	}
}

func TestSv39Translation(t *testing.T) {
	cpu := newPagedCPU(t)

	paddr, err := cpu.MMU.TranslateRead(0x1234)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if paddr != RAMBase+0x3234 {
		t.Errorf("paddr: got 0x%x", paddr)
	}

	// Second lookup comes from the TLB
	paddr, err = cpu.MMU.TranslateRead(0x1000)
	if err != nil {
		t.Fatalf("tlb translate: %v", err)
	}
	if paddr != RAMBase+0x3000 {
		t.Errorf("tlb paddr: got 0x%x", paddr)
	}
}

func TestBareModePassesThrough(t *testing.T) {
	cpu := newPagedCPU(t)
	cpu.Satp = 0

	paddr, err := cpu.MMU.TranslateRead(RAMBase + 0x500)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if paddr != RAMBase+0x500 {
		t.Errorf("paddr: got 0x%x", paddr)
	}
}

func TestMachineModeBypassesTranslation(t *testing.T) {
	cpu := newPagedCPU(t)
	cpu.Priv = PrivMachine

	paddr, err := cpu.MMU.TranslateRead(RAMBase + 0x500)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if paddr != RAMBase+0x500 {
		t.Errorf("paddr: got 0x%x", paddr)
	}
}

func TestMPRVUsesMPPForData(t *testing.T) {
	cpu := newPagedCPU(t)
	cpu.Priv = PrivMachine
	cpu.Mstatus |= MstatusMPRV | (uint64(PrivSupervisor) << MstatusMPPShift)

	paddr, err := cpu.MMU.TranslateRead(0x1000)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if paddr != RAMBase+0x3000 {
		t.Errorf("MPRV data access not translated: got 0x%x", paddr)
	}

	// Fetches ignore MPRV
	paddr, err = cpu.MMU.TranslateFetch(RAMBase + 0x40)
	if err != nil {
		t.Fatalf("fetch translate: %v", err)
	}
	if paddr != RAMBase+0x40 {
		t.Errorf("MPRV affected a fetch: got 0x%x", paddr)
	}
}

func TestWalkExhaustionFaults(t *testing.T) {
	cpu := newPagedCPU(t)

	// Level-0 entry is a pointer (V set, R/W/X clear) instead of a leaf;
	// the walk runs out of levels and must page-fault
	writePTE(t, cpu, testL0PT+2*8, pte(RAMBase+0x4000, PteV))

	_, err := cpu.MMU.TranslateRead(0x2000)
	expectCause(t, err, CauseLoadPageFault)

	_, err = cpu.MMU.TranslateWrite(0x2000)
	expectCause(t, err, CauseStorePageFault)
}

func TestPageFaults(t *testing.T) {
	cpu := newPagedCPU(t)

	_, err := cpu.MMU.TranslateRead(0x2000)
	expectCause(t, err, CauseLoadPageFault)

	_, err = cpu.MMU.TranslateWrite(0x2000)
	expectCause(t, err, CauseStorePageFault)

	// Mapped page without X
	_, err = cpu.MMU.TranslateFetch(0x1000)
	expectCause(t, err, CauseInsnPageFault)

	// Non-canonical address
	_, err = cpu.MMU.TranslateRead(1 << 40)
	expectCause(t, err, CauseLoadPageFault)
}

func TestPTEOffBusIsAccessFault(t *testing.T) {
	cpu := newPagedCPU(t)

	// Root entry 1 points the next-level table at unmapped memory
	writePTE(t, cpu, testRootPT+1*8, pte(0x1000, PteV))

	_, err := cpu.MMU.TranslateRead(1 << 30)
	expectCause(t, err, CauseLoadAccessFault)
}

func TestUserPagePermissions(t *testing.T) {
	cpu := newPagedCPU(t)
	writePTE(t, cpu, testL0PT+2*8, pte(RAMBase+0x4000, PteV|PteR|PteU|PteA))

	// Supervisor without SUM
	_, err := cpu.MMU.TranslateRead(0x2000)
	expectCause(t, err, CauseLoadPageFault)

	cpu.Mstatus |= MstatusSUM
	if _, err := cpu.MMU.TranslateRead(0x2000); err != nil {
		t.Errorf("SUM read: %v", err)
	}

	// User touching a supervisor page
	cpu.Priv = PrivUser
	_, err = cpu.MMU.TranslateRead(0x1000)
	expectCause(t, err, CauseLoadPageFault)

	if _, err := cpu.MMU.TranslateRead(0x2000); err != nil {
		t.Errorf("user page from U-mode: %v", err)
	}
}

func TestMXRAllowsReadOfExecOnly(t *testing.T) {
	cpu := newPagedCPU(t)
	writePTE(t, cpu, testL0PT+3*8, pte(RAMBase+0x5000, PteV|PteX|PteA))

	_, err := cpu.MMU.TranslateRead(0x3000)
	expectCause(t, err, CauseLoadPageFault)

	cpu.Mstatus |= MstatusMXR
	if _, err := cpu.MMU.TranslateRead(0x3000); err != nil {
		t.Errorf("MXR read: %v", err)
	}
}

func TestAccessedDirtyUpdates(t *testing.T) {
	cpu := newPagedCPU(t)

	// Leaf with neither A nor D set
	leafAddr := uint64(testL0PT + 4*8)
	writePTE(t, cpu, leafAddr, pte(RAMBase+0x6000, PteV|PteR|PteW))

	if _, err := cpu.MMU.TranslateRead(0x4000); err != nil {
		t.Fatalf("read: %v", err)
	}
	val, _ := cpu.Bus.Read64(leafAddr)
	if val&PteA == 0 {
		t.Error("walk did not set A on read")
	}
	if val&PteD != 0 {
		t.Error("read set D")
	}

	if _, err := cpu.MMU.TranslateWrite(0x4000); err != nil {
		t.Fatalf("write: %v", err)
	}
	val, _ = cpu.Bus.Read64(leafAddr)
	if val&PteD == 0 {
		t.Error("walk did not set D on write")
	}
}

func TestTLBStaleUntilFlush(t *testing.T) {
	cpu := newPagedCPU(t)

	if _, err := cpu.MMU.TranslateRead(0x1000); err != nil {
		t.Fatalf("prime: %v", err)
	}

	// Retarget the leaf in memory; the cached mapping keeps winning
	writePTE(t, cpu, testL0PT+1*8, pte(RAMBase+0x7000, PteV|PteR|PteW|PteA|PteD))
	paddr, err := cpu.MMU.TranslateRead(0x1000)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if paddr != RAMBase+0x3000 {
		t.Errorf("expected stale mapping, got 0x%x", paddr)
	}

	// satp write flushes even when the value is unchanged
	if err := cpu.csrWrite(CSRSatp, cpu.Satp); err != nil {
		t.Fatalf("satp: %v", err)
	}
	paddr, err = cpu.MMU.TranslateRead(0x1000)
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if paddr != RAMBase+0x7000 {
		t.Errorf("expected fresh mapping, got 0x%x", paddr)
	}
}

func TestMegapageMapping(t *testing.T) {
	cpu := newPagedCPU(t)

	// L1 entry 1 is a 2 MiB leaf
	writePTE(t, cpu, testL1PT+1*8, pte(RAMBase, PteV|PteR|PteA|PteD))

	paddr, err := cpu.MMU.TranslateRead(0x200000 + 0x1555)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if paddr != RAMBase+0x1555 {
		t.Errorf("paddr: got 0x%x", paddr)
	}
}

func TestMisalignedMegapageFaults(t *testing.T) {
	cpu := newPagedCPU(t)

	// PPN[0] of a level-1 leaf must be zero
	writePTE(t, cpu, testL1PT+2*8, pte(RAMBase+0x1000, PteV|PteR|PteA))

	_, err := cpu.MMU.TranslateRead(0x400000)
	expectCause(t, err, CauseLoadPageFault)
}

func TestWritableNotReadableIsReserved(t *testing.T) {
	cpu := newPagedCPU(t)
	writePTE(t, cpu, testL0PT+5*8, pte(RAMBase+0x6000, PteV|PteW|PteA|PteD))

	_, err := cpu.MMU.TranslateRead(0x5000)
	expectCause(t, err, CauseLoadPageFault)
}
