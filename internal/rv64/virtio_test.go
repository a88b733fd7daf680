package rv64

import (
	"bytes"
	"io"
	"testing"
)

const (
	vqDesc   = RAMBase + 0x1000
	vqAvail  = RAMBase + 0x2000
	vqUsed   = RAMBase + 0x3000
	vqHeader = RAMBase + 0x4000
	vqData   = RAMBase + 0x5000
	vqStatus = RAMBase + 0x6000
)

func newBlockMachine(t *testing.T, disk []byte) *Machine {
	t.Helper()
	m := NewMachine(1<<20, io.Discard)
	m.Disk.SetDisk(disk)
	return m
}

func virtioReg32(t *testing.T, m *Machine, offset uint64) uint32 {
	t.Helper()
	val, err := m.Bus.Read32(VirtIOBase + offset)
	if err != nil {
		t.Fatalf("read reg 0x%x: %v", offset, err)
	}
	return val
}

func virtioWrite32(t *testing.T, m *Machine, offset uint64, val uint32) {
	t.Helper()
	if err := m.Bus.Write32(VirtIOBase+offset, val); err != nil {
		t.Fatalf("write reg 0x%x: %v", offset, err)
	}
}

// setupQueue programs queue 0 with the standard test ring layout
func setupQueue(t *testing.T, m *Machine) {
	t.Helper()
	virtioWrite32(t, m, VirtIOQueueSel, 0)
	virtioWrite32(t, m, VirtIOQueueNum, 4)
	virtioWrite32(t, m, VirtIOQueueDescLo, uint32(vqDesc))
	virtioWrite32(t, m, VirtIOQueueDescHi, uint32(vqDesc>>32))
	virtioWrite32(t, m, VirtIOQueueAvailLo, uint32(vqAvail))
	virtioWrite32(t, m, VirtIOQueueAvailHi, uint32(vqAvail>>32))
	virtioWrite32(t, m, VirtIOQueueUsedLo, uint32(vqUsed))
	virtioWrite32(t, m, VirtIOQueueUsedHi, uint32(vqUsed>>32))
	virtioWrite32(t, m, VirtIOQueueReady, 1)
}

func writeDesc(t *testing.T, m *Machine, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	base := vqDesc + uint64(idx)*16
	m.Bus.Write64(base, addr)
	m.Bus.Write32(base+8, length)
	m.Bus.Write16(base+12, flags)
	m.Bus.Write16(base+14, next)
}

// postRequest builds a three-descriptor request chain for the given sector
// and rings the doorbell. Slot in the avail ring follows the running index.
func postRequest(t *testing.T, m *Machine, availIdx uint16, typ uint32, sector uint64, dataLen uint32) {
	t.Helper()

	m.Bus.Write32(vqHeader, typ)
	m.Bus.Write64(vqHeader+8, sector)

	writeDesc(t, m, 0, vqHeader, 16, VringDescFNext, 1)
	dataFlags := uint16(VringDescFNext)
	if typ == VirtioBlkTIn {
		dataFlags |= VringDescFWrite
	}
	writeDesc(t, m, 1, vqData, dataLen, dataFlags, 2)
	writeDesc(t, m, 2, vqStatus, 1, VringDescFWrite, 0)

	slot := availIdx % 4
	m.Bus.Write16(vqAvail+4+uint64(slot)*2, 0)
	m.Bus.Write16(vqAvail+2, availIdx+1)

	virtioWrite32(t, m, VirtIOQueueNotify, 0)
}

func statusByte(t *testing.T, m *Machine) uint8 {
	t.Helper()
	val, err := m.Bus.Read8(vqStatus)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	return val
}

func TestVirtIOIdentity(t *testing.T) {
	m := newBlockMachine(t, make([]byte, 4*SectorSize))

	if magic := virtioReg32(t, m, VirtIOMagic); magic != 0x74726976 {
		t.Errorf("magic: got 0x%x", magic)
	}
	if ver := virtioReg32(t, m, VirtIOVersion); ver != 2 {
		t.Errorf("version: got %d", ver)
	}
	if id := virtioReg32(t, m, VirtIODeviceID); id != 2 {
		t.Errorf("device id: got %d", id)
	}

	// Capacity lives in config space as a 64-bit sector count
	lo := virtioReg32(t, m, VirtIOConfig)
	hi := virtioReg32(t, m, VirtIOConfig+4)
	if lo != 4 || hi != 0 {
		t.Errorf("capacity: got %d/%d", lo, hi)
	}
}

func TestVirtIOBlockRead(t *testing.T) {
	disk := make([]byte, 4*SectorSize)
	for i := range disk {
		disk[i] = byte(i)
	}
	m := newBlockMachine(t, disk)
	setupQueue(t, m)

	postRequest(t, m, 0, VirtioBlkTIn, 1, SectorSize)

	got := make([]byte, SectorSize)
	for i := range got {
		got[i], _ = m.Bus.Read8(vqData + uint64(i))
	}
	if !bytes.Equal(got, disk[SectorSize:2*SectorSize]) {
		t.Error("read data does not match disk sector")
	}
	if st := statusByte(t, m); st != VirtioBlkStatusOK {
		t.Errorf("status: got %d", st)
	}

	usedIdx, _ := m.Bus.Read16(vqUsed + 2)
	if usedIdx != 1 {
		t.Errorf("used idx: got %d", usedIdx)
	}
	if irq := virtioReg32(t, m, VirtIOIntStatus); irq != 1 {
		t.Errorf("interrupt status: got %d", irq)
	}
}

func TestVirtIOBlockWrite(t *testing.T) {
	disk := make([]byte, 4*SectorSize)
	m := newBlockMachine(t, disk)
	setupQueue(t, m)

	for i := uint64(0); i < SectorSize; i++ {
		m.Bus.Write8(vqData+i, 0xab)
	}
	postRequest(t, m, 0, VirtioBlkTOut, 2, SectorSize)

	if st := statusByte(t, m); st != VirtioBlkStatusOK {
		t.Fatalf("status: got %d", st)
	}
	for i := 0; i < SectorSize; i++ {
		if disk[2*SectorSize+i] != 0xab {
			t.Fatalf("disk byte %d not written", i)
		}
	}
}

func TestVirtIOOutOfRangeSectorFailsRequest(t *testing.T) {
	m := newBlockMachine(t, make([]byte, 4*SectorSize))
	setupQueue(t, m)

	postRequest(t, m, 0, VirtioBlkTIn, 100, SectorSize)

	if st := statusByte(t, m); st != VirtioBlkStatusIOErr {
		t.Errorf("status: expected IOERR, got %d", st)
	}
	usedIdx, _ := m.Bus.Read16(vqUsed + 2)
	if usedIdx != 1 {
		t.Errorf("failed request not completed: used idx %d", usedIdx)
	}
}

func TestVirtIOHugeSectorFailsRequest(t *testing.T) {
	m := newBlockMachine(t, make([]byte, 4*SectorSize))
	setupQueue(t, m)

	// sector*SectorSize wraps uint64; must still be rejected, not panic
	postRequest(t, m, 0, VirtioBlkTIn, (1<<55)-1, SectorSize)

	if st := statusByte(t, m); st != VirtioBlkStatusIOErr {
		t.Errorf("status: expected IOERR, got %d", st)
	}

	postRequest(t, m, 1, VirtioBlkTOut, ^uint64(0), SectorSize)

	if st := statusByte(t, m); st != VirtioBlkStatusIOErr {
		t.Errorf("write status: expected IOERR, got %d", st)
	}
}

func TestVirtIOUnsupportedRequestType(t *testing.T) {
	m := newBlockMachine(t, make([]byte, 4*SectorSize))
	setupQueue(t, m)

	postRequest(t, m, 0, 8, 0, SectorSize)

	if st := statusByte(t, m); st != VirtioBlkStatusUnsupp {
		t.Errorf("status: expected UNSUPP, got %d", st)
	}
}

func TestVirtIOInterruptAck(t *testing.T) {
	m := newBlockMachine(t, make([]byte, 4*SectorSize))
	setupQueue(t, m)

	postRequest(t, m, 0, VirtioBlkTIn, 0, SectorSize)

	if m.CPU.Mip&MipMEIP == 0 && m.CPU.Mip&MipSEIP == 0 {
		// PLIC gating depends on enables; the raw line is what matters here
		if virtioReg32(t, m, VirtIOIntStatus) != 1 {
			t.Fatal("completion did not raise the interrupt line")
		}
	}

	virtioWrite32(t, m, VirtIOIntAck, 1)
	if irq := virtioReg32(t, m, VirtIOIntStatus); irq != 0 {
		t.Errorf("interrupt status after ack: got %d", irq)
	}
}

func TestVirtIOBackToBackRequests(t *testing.T) {
	disk := make([]byte, 8*SectorSize)
	for i := range disk {
		disk[i] = byte(i / SectorSize)
	}
	m := newBlockMachine(t, disk)
	setupQueue(t, m)

	for n := uint16(0); n < 3; n++ {
		postRequest(t, m, n, VirtioBlkTIn, uint64(n), SectorSize)
		b, _ := m.Bus.Read8(vqData)
		if b != byte(n) {
			t.Errorf("request %d: read wrong sector, got %d", n, b)
		}
	}

	usedIdx, _ := m.Bus.Read16(vqUsed + 2)
	if usedIdx != 3 {
		t.Errorf("used idx: got %d", usedIdx)
	}
}

func TestVirtIOResetClearsState(t *testing.T) {
	m := newBlockMachine(t, make([]byte, 4*SectorSize))
	setupQueue(t, m)
	virtioWrite32(t, m, VirtIOStatus, 0x0f)

	virtioWrite32(t, m, VirtIOStatus, 0)

	if st := virtioReg32(t, m, VirtIOStatus); st != 0 {
		t.Errorf("status after reset: got %d", st)
	}
	if ready := virtioReg32(t, m, VirtIOQueueReady); ready != 0 {
		t.Errorf("queue still ready after reset: %d", ready)
	}
}
