package rv64

// virtio-mmio register offsets (version 2)
const (
	VirtIOMagic          = 0x000
	VirtIOVersion        = 0x004
	VirtIODeviceID       = 0x008
	VirtIOVendorID       = 0x00c
	VirtIODeviceFeatures = 0x010
	VirtIODevFeaturesSel = 0x014
	VirtIODrvFeatures    = 0x020
	VirtIODrvFeaturesSel = 0x024
	VirtIOQueueSel       = 0x030
	VirtIOQueueNumMax    = 0x034
	VirtIOQueueNum       = 0x038
	VirtIOQueueReady     = 0x044
	VirtIOQueueNotify    = 0x050
	VirtIOIntStatus      = 0x060
	VirtIOIntAck         = 0x064
	VirtIOStatus         = 0x070
	VirtIOQueueDescLo    = 0x080
	VirtIOQueueDescHi    = 0x084
	VirtIOQueueAvailLo   = 0x090
	VirtIOQueueAvailHi   = 0x094
	VirtIOQueueUsedLo    = 0x0a0
	VirtIOQueueUsedHi    = 0x0a4
	VirtIOConfig         = 0x100
)

// Descriptor flags
const (
	VringDescFNext  = 1
	VringDescFWrite = 2
)

// virtio-blk request types and completion status
const (
	VirtioBlkTIn  = 0 // Read from the device
	VirtioBlkTOut = 1 // Write to the device

	VirtioBlkStatusOK     = 0
	VirtioBlkStatusIOErr  = 1
	VirtioBlkStatusUnsupp = 2
)

const SectorSize = 512

// virtQueue holds the guest-programmed ring addresses for one queue
type virtQueue struct {
	num          uint32
	ready        uint32
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
}

type virtqDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// VirtIOBlock is a virtio-mmio block device with a single request queue.
// The guest publishes descriptor chains through the available ring and
// kicks the notify register; the device transfers sectors against the
// backing disk buffer, reports per-request status, and raises its PLIC
// source. A bad request fails through its status byte, never the emulator.
type VirtIOBlock struct {
	bus *Bus

	disk []byte

	status      uint32
	featuresSel uint32
	drvFeatSel  uint32
	drvFeatures uint64
	queueSel    uint32
	queue       virtQueue
	intStatus   uint32

	// Interrupt callback, wired to the PLIC by the machine
	OnInterrupt func(pending bool)
}

// NewVirtIOBlock creates the block device backed by the given disk image
func NewVirtIOBlock(bus *Bus, disk []byte) *VirtIOBlock {
	return &VirtIOBlock{
		bus:  bus,
		disk: disk,
	}
}

// SetDisk replaces the backing disk buffer
func (v *VirtIOBlock) SetDisk(disk []byte) {
	v.disk = disk
}

// Capacity returns the disk size in sectors
func (v *VirtIOBlock) Capacity() uint64 {
	return uint64(len(v.disk)) / SectorSize
}

// diskRange validates a guest-supplied sector/length pair and returns the
// byte offset into the disk. Checked without computing sector*SectorSize
// first, so huge sector numbers cannot wrap the bounds check.
func (v *VirtIOBlock) diskRange(sector, n uint64) (uint64, bool) {
	total := uint64(len(v.disk))
	if sector > total/SectorSize {
		return 0, false
	}
	off := sector * SectorSize
	if n > total-off {
		return 0, false
	}
	return off, true
}

// Size implements Device
func (v *VirtIOBlock) Size() uint64 {
	return VirtIOSize
}

// Read implements Device
func (v *VirtIOBlock) Read(offset uint64, size int) (uint64, error) {
	if offset >= VirtIOConfig {
		// Config space: capacity in sectors at offset 0
		cfgOff := offset - VirtIOConfig
		capacity := v.Capacity()
		var val uint64
		for i := 0; i < size; i++ {
			byteOff := cfgOff + uint64(i)
			if byteOff < 8 {
				val |= uint64(byte(capacity>>(8*byteOff))) << (8 * i)
			}
		}
		return val, nil
	}

	switch offset {
	case VirtIOMagic:
		return 0x74726976, nil // "virt"
	case VirtIOVersion:
		return 2, nil
	case VirtIODeviceID:
		return 2, nil // block device
	case VirtIOVendorID:
		return 0xffff, nil
	case VirtIODeviceFeatures:
		if v.featuresSel == 1 {
			return 1, nil // VIRTIO_F_VERSION_1
		}
		return 0, nil
	case VirtIOQueueNumMax:
		return 0x10, nil
	case VirtIOQueueReady:
		return uint64(v.queue.ready), nil
	case VirtIOIntStatus:
		return uint64(v.intStatus), nil
	case VirtIOStatus:
		return uint64(v.status), nil
	}

	return 0, nil
}

// Write implements Device
func (v *VirtIOBlock) Write(offset uint64, size int, value uint64) error {
	val := uint32(value)

	switch offset {
	case VirtIODevFeaturesSel:
		v.featuresSel = val
	case VirtIODrvFeaturesSel:
		v.drvFeatSel = val
	case VirtIODrvFeatures:
		if v.drvFeatSel == 0 {
			v.drvFeatures = (v.drvFeatures &^ 0xffffffff) | uint64(val)
		} else {
			v.drvFeatures = (v.drvFeatures & 0xffffffff) | (uint64(val) << 32)
		}
	case VirtIOQueueSel:
		v.queueSel = val
	case VirtIOQueueNum:
		if val > 0 && val&(val-1) == 0 {
			v.queue.num = val
		}
	case VirtIOQueueReady:
		v.queue.ready = val & 1
	case VirtIOQueueNotify:
		if val == 0 && v.queue.ready == 1 {
			v.processQueue()
		}
	case VirtIOIntAck:
		v.intStatus &^= val
		if v.intStatus == 0 && v.OnInterrupt != nil {
			v.OnInterrupt(false)
		}
	case VirtIOStatus:
		if val == 0 {
			v.reset()
		}
		v.status = val
	case VirtIOQueueDescLo:
		v.queue.descAddr = (v.queue.descAddr &^ 0xffffffff) | uint64(val)
	case VirtIOQueueDescHi:
		v.queue.descAddr = (v.queue.descAddr & 0xffffffff) | (uint64(val) << 32)
	case VirtIOQueueAvailLo:
		v.queue.availAddr = (v.queue.availAddr &^ 0xffffffff) | uint64(val)
	case VirtIOQueueAvailHi:
		v.queue.availAddr = (v.queue.availAddr & 0xffffffff) | (uint64(val) << 32)
	case VirtIOQueueUsedLo:
		v.queue.usedAddr = (v.queue.usedAddr &^ 0xffffffff) | uint64(val)
	case VirtIOQueueUsedHi:
		v.queue.usedAddr = (v.queue.usedAddr & 0xffffffff) | (uint64(val) << 32)
	}

	return nil
}

func (v *VirtIOBlock) reset() {
	v.queue = virtQueue{}
	v.intStatus = 0
	if v.OnInterrupt != nil {
		v.OnInterrupt(false)
	}
}

// processQueue walks the available ring from the last seen index and
// services every published request
func (v *VirtIOBlock) processQueue() {
	availIdx, err := v.bus.Read16(v.queue.availAddr + 2)
	if err != nil {
		return
	}

	for v.queue.lastAvailIdx != availIdx {
		slot := uint64(uint32(v.queue.lastAvailIdx) & (v.queue.num - 1))
		descIdx, err := v.bus.Read16(v.queue.availAddr + 4 + slot*2)
		if err != nil {
			return
		}

		usedLen := v.handleRequest(descIdx)
		if err := v.pushUsed(descIdx, usedLen); err != nil {
			return
		}

		v.queue.lastAvailIdx++
	}
}

// readDesc fetches the 16-byte descriptor at the given table index
func (v *VirtIOBlock) readDesc(idx uint16) (virtqDesc, error) {
	base := v.queue.descAddr + uint64(idx)*16

	addr, err := v.bus.Read64(base)
	if err != nil {
		return virtqDesc{}, err
	}
	length, err := v.bus.Read32(base + 8)
	if err != nil {
		return virtqDesc{}, err
	}
	flags, err := v.bus.Read16(base + 12)
	if err != nil {
		return virtqDesc{}, err
	}
	next, err := v.bus.Read16(base + 14)
	if err != nil {
		return virtqDesc{}, err
	}

	return virtqDesc{addr: addr, len: length, flags: flags, next: next}, nil
}

// collectChain gathers the descriptor chain starting at idx, split into
// the driver-readable and device-writable portions. The chain length is
// bounded by the queue size so a looped chain cannot hang the device.
func (v *VirtIOBlock) collectChain(idx uint16) (readDescs, writeDescs []virtqDesc, ok bool) {
	for i := uint32(0); i <= v.queue.num; i++ {
		desc, err := v.readDesc(idx)
		if err != nil {
			return nil, nil, false
		}

		if desc.flags&VringDescFWrite != 0 {
			writeDescs = append(writeDescs, desc)
		} else {
			if len(writeDescs) > 0 {
				// Readable after writable is malformed
				return nil, nil, false
			}
			readDescs = append(readDescs, desc)
		}

		if desc.flags&VringDescFNext == 0 {
			return readDescs, writeDescs, true
		}
		idx = desc.next
	}

	// Chain longer than the queue: treat as malformed
	return nil, nil, false
}

// readChain copies up to len(buf) bytes out of the readable descriptors
func (v *VirtIOBlock) readChain(descs []virtqDesc, buf []byte) bool {
	pos := 0
	for _, desc := range descs {
		n := int(desc.len)
		if n > len(buf)-pos {
			n = len(buf) - pos
		}
		for i := 0; i < n; i++ {
			b, err := v.bus.Read8(desc.addr + uint64(i))
			if err != nil {
				return false
			}
			buf[pos+i] = b
		}
		pos += n
		if pos == len(buf) {
			return true
		}
	}
	return pos == len(buf)
}

// writeChain copies buf into the writable descriptors
func (v *VirtIOBlock) writeChain(descs []virtqDesc, buf []byte) bool {
	pos := 0
	for _, desc := range descs {
		n := int(desc.len)
		if n > len(buf)-pos {
			n = len(buf) - pos
		}
		for i := 0; i < n; i++ {
			if err := v.bus.Write8(desc.addr+uint64(i), buf[pos+i]); err != nil {
				return false
			}
		}
		pos += n
		if pos == len(buf) {
			return true
		}
	}
	return pos == len(buf)
}

// handleRequest services one request chain and returns the number of
// bytes written into the device-writable portion
func (v *VirtIOBlock) handleRequest(descIdx uint16) uint32 {
	readDescs, writeDescs, ok := v.collectChain(descIdx)
	if !ok || len(writeDescs) == 0 {
		return 0
	}

	var readLen, writeLen uint32
	for _, d := range readDescs {
		readLen += d.len
	}
	for _, d := range writeDescs {
		writeLen += d.len
	}

	if readLen < 16 || writeLen < 1 {
		return 0
	}

	// Request header: type at 0, sector at 8
	hdr := make([]byte, 16)
	if !v.readChain(readDescs, hdr) {
		return 0
	}
	typ := cpuEndian.Uint32(hdr[0:4])
	sector := cpuEndian.Uint64(hdr[8:16])

	switch typ {
	case VirtioBlkTIn:
		out := make([]byte, writeLen)
		dataLen := uint64(writeLen - 1)
		status := byte(VirtioBlkStatusOK)

		if off, ok := v.diskRange(sector, dataLen); !ok {
			status = VirtioBlkStatusIOErr
		} else {
			copy(out[:dataLen], v.disk[off:off+dataLen])
		}

		out[writeLen-1] = status
		if !v.writeChain(writeDescs, out) {
			return 0
		}
		return writeLen

	case VirtioBlkTOut:
		payload := make([]byte, readLen)
		status := byte(VirtioBlkStatusOK)

		if !v.readChain(readDescs, payload) {
			status = VirtioBlkStatusIOErr
		} else {
			data := payload[16:]
			if off, ok := v.diskRange(sector, uint64(len(data))); !ok {
				status = VirtioBlkStatusIOErr
			} else {
				copy(v.disk[off:], data)
			}
		}

		if !v.writeChain(writeDescs, []byte{status}) {
			return 0
		}
		return 1

	default:
		if !v.writeChain(writeDescs, []byte{VirtioBlkStatusUnsupp}) {
			return 0
		}
		return 1
	}
}

// pushUsed publishes a completed request in the used ring and raises the
// interrupt line
func (v *VirtIOBlock) pushUsed(descIdx uint16, usedLen uint32) error {
	idx, err := v.bus.Read16(v.queue.usedAddr + 2)
	if err != nil {
		return err
	}

	slot := uint64(uint32(idx) & (v.queue.num - 1))
	elem := v.queue.usedAddr + 4 + slot*8
	if err := v.bus.Write32(elem, uint32(descIdx)); err != nil {
		return err
	}
	if err := v.bus.Write32(elem+4, usedLen); err != nil {
		return err
	}
	if err := v.bus.Write16(v.queue.usedAddr+2, idx+1); err != nil {
		return err
	}

	v.intStatus |= 1
	if v.OnInterrupt != nil {
		v.OnInterrupt(true)
	}
	return nil
}

var _ Device = (*VirtIOBlock)(nil)
