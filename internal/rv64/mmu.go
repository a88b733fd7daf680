package rv64

// SATP modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Page sizes
const (
	PageSize  = 4096
	PageShift = 12
	VpnBits   = 9
	PpnBits   = 44
)

// Access kinds for translation
const (
	accessRead = iota
	accessWrite
	accessFetch
)

// TLB entry
type TLBEntry struct {
	Valid    bool
	VPN      uint64 // Virtual page number
	PPN      uint64 // Physical page number
	Flags    uint64
	PageSize uint64 // For superpages
	ASID     uint16
}

// MMU translates virtual addresses through the Sv39 page tables rooted at
// satp. A direct-mapped TLB caches successful walks; anything uncertain
// (missing A/D bits, flushes) falls back to a fresh walk.
type MMU struct {
	cpu *CPU

	tlb [512]TLBEntry
}

// NewMMU creates a new MMU
func NewMMU(cpu *CPU) *MMU {
	return &MMU{
		cpu: cpu,
	}
}

// Flush invalidates all TLB entries
func (mmu *MMU) Flush() {
	for i := range mmu.tlb {
		mmu.tlb[i].Valid = false
	}
}

// FlushPage invalidates the cached translation for one virtual address
func (mmu *MMU) FlushPage(vaddr uint64, asid uint16) {
	vpn := vaddr >> PageShift
	idx := vpn & uint64(len(mmu.tlb)-1)
	entry := &mmu.tlb[idx]
	if entry.Valid && (asid == 0 || entry.ASID == asid) && entry.VPN == vpn {
		entry.Valid = false
	}
}

// Translate translates a virtual address to a physical address
func (mmu *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	mode := (mmu.cpu.Satp >> 60) & 0xf

	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := mmu.cpu.Priv

	// MPRV makes data accesses behave as the mode saved in MPP
	if priv == PrivMachine && access != accessFetch && mmu.cpu.Mstatus&MstatusMPRV != 0 {
		priv = uint8((mmu.cpu.Mstatus >> MstatusMPPShift) & 3)
	}

	// M-mode bypasses translation
	if priv == PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	idx := vpn & uint64(len(mmu.tlb)-1)
	entry := &mmu.tlb[idx]

	asid := uint16((mmu.cpu.Satp >> 44) & 0xffff)

	if entry.Valid && entry.VPN == vpn && (entry.ASID == asid || entry.Flags&PteG != 0) {
		if err := mmu.checkPermissions(entry.Flags, access, priv, vaddr); err != nil {
			return 0, err
		}

		// A/D updates must go through a real walk so the in-memory PTE
		// is the one that changes
		if entry.Flags&PteA == 0 || (access == accessWrite && entry.Flags&PteD == 0) {
			entry.Valid = false
		} else {
			pageOffset := vaddr & (entry.PageSize - 1)
			return (entry.PPN << PageShift) | pageOffset, nil
		}
	}

	paddr, flags, pageSize, err := mmu.walkPageTable(vaddr, access, priv, mode)
	if err != nil {
		return 0, err
	}

	entry.Valid = true
	entry.VPN = vpn
	entry.PPN = paddr >> PageShift
	entry.Flags = flags
	entry.PageSize = pageSize
	entry.ASID = asid

	return paddr, nil
}

// walkPageTable performs the three-level Sv39 walk. The loop counts levels
// down explicitly; running out of levels without a leaf is a page fault.
func (mmu *MMU) walkPageTable(vaddr uint64, access int, priv uint8, mode uint64) (uint64, uint64, uint64, error) {
	if mode != SatpModeSv39 {
		// WARL: unsupported modes behave as bare
		return vaddr, PteR | PteW | PteX, PageSize, nil
	}

	const levels = 3
	const vpnMask = 0x1ff

	// Sv39 addresses are sign-extended from bit 38
	if top := vaddr >> 38; top != 0 && top != (1<<26)-1 {
		return 0, 0, 0, pageFault(access, vaddr)
	}

	ppn := mmu.cpu.Satp & ((1 << PpnBits) - 1)
	pteAddr := ppn << PageShift

	var pte uint64
	var pageSize uint64 = PageSize

	for level := levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*VpnBits
		vpn := (vaddr >> vpnShift) & vpnMask

		// Page table reads are always physical; a miss here is an
		// access fault, not a page fault
		pteAddr = pteAddr + vpn*8
		val, err := mmu.cpu.Bus.Read64(pteAddr)
		if err != nil {
			return 0, 0, 0, accessFault(access, vaddr)
		}
		pte = val

		if pte&PteV == 0 {
			return 0, 0, 0, pageFault(access, vaddr)
		}

		// Writable-but-not-readable is reserved
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, 0, pageFault(access, vaddr)
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			// Leaf
			if level > 0 {
				mask := uint64((1 << (level * VpnBits)) - 1)
				if ((pte >> 10) & mask) != 0 {
					// Misaligned superpage
					return 0, 0, 0, pageFault(access, vaddr)
				}
				pageSize = 1 << (PageShift + level*VpnBits)
			}

			if err := mmu.checkPermissions(pte, access, priv, vaddr); err != nil {
				return 0, 0, 0, err
			}

			if pte&PteA == 0 || (access == accessWrite && pte&PteD == 0) {
				newPte := pte | PteA
				if access == accessWrite {
					newPte |= PteD
				}
				if err := mmu.cpu.Bus.Write64(pteAddr, newPte); err != nil {
					return 0, 0, 0, accessFault(access, vaddr)
				}
				pte = newPte
			}

			ppn := (pte >> 10) & ((1 << PpnBits) - 1)
			pageOffset := vaddr & (pageSize - 1)

			// Superpages take their low PPN bits from the virtual address
			if level > 0 {
				mask := uint64((1 << (level * VpnBits)) - 1)
				vpnBits := (vaddr >> PageShift) & mask
				ppn = (ppn &^ mask) | vpnBits
			}

			paddr := (ppn << PageShift) | pageOffset
			return paddr, pte, pageSize, nil
		}

		// Non-leaf, descend
		ppn := (pte >> 10) & ((1 << PpnBits) - 1)
		pteAddr = ppn << PageShift
	}

	// Level exhausted without finding a leaf
	return 0, 0, 0, pageFault(access, vaddr)
}

// checkPermissions checks a leaf PTE against the access kind and mode
func (mmu *MMU) checkPermissions(pte uint64, access int, priv uint8, vaddr uint64) error {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return pageFault(access, vaddr)
		}
	} else {
		// Supervisor touching a user page requires SUM, and never for fetch
		if pte&PteU != 0 {
			if access == accessFetch || mmu.cpu.Mstatus&MstatusSUM == 0 {
				return pageFault(access, vaddr)
			}
		}
	}

	switch access {
	case accessRead:
		if pte&PteR == 0 {
			// MXR lets loads read executable pages
			if mmu.cpu.Mstatus&MstatusMXR != 0 && pte&PteX != 0 {
				return nil
			}
			return pageFault(access, vaddr)
		}
	case accessWrite:
		if pte&PteW == 0 {
			return pageFault(access, vaddr)
		}
	case accessFetch:
		if pte&PteX == 0 {
			return pageFault(access, vaddr)
		}
	}

	return nil
}

// pageFault returns the page fault exception matching the access kind
func pageFault(access int, vaddr uint64) error {
	switch access {
	case accessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case accessFetch:
		return Exception(CauseInsnPageFault, vaddr)
	}
	return Exception(CauseLoadPageFault, vaddr)
}

// accessFault returns the access fault exception matching the access kind
func accessFault(access int, addr uint64) error {
	switch access {
	case accessWrite:
		return Exception(CauseStoreAccessFault, addr)
	case accessFetch:
		return Exception(CauseInsnAccessFault, addr)
	}
	return Exception(CauseLoadAccessFault, addr)
}

// TranslateRead translates a read access
func (mmu *MMU) TranslateRead(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, accessRead)
}

// TranslateWrite translates a write access
func (mmu *MMU) TranslateWrite(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, accessWrite)
}

// TranslateFetch translates an instruction fetch
func (mmu *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, accessFetch)
}
