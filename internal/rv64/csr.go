package rv64

// The CSR bank is a sparse table of descriptors keyed by the 12-bit index.
// An index missing from the table is unimplemented and every access to it
// raises an illegal-instruction exception; reads never invent zeroes. Write
// handlers fold in each register's legal-bit mask, so stray bits are dropped
// silently per the WARL rules.
type csrDesc struct {
	read  func(cpu *CPU) uint64
	write func(cpu *CPU, val uint64)
}

var csrTable = map[uint16]csrDesc{
	// User counters
	CSRCycle:   {read: func(cpu *CPU) uint64 { return cpu.Cycle }},
	CSRTime:    {read: func(cpu *CPU) uint64 { return cpu.Cycle }},
	CSRInstret: {read: func(cpu *CPU) uint64 { return cpu.Instret }},

	// Supervisor CSRs
	CSRSstatus: {
		read:  func(cpu *CPU) uint64 { return cpu.Mstatus & sstatusMask },
		write: func(cpu *CPU, val uint64) { cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask) },
	},
	CSRSie: {
		read:  func(cpu *CPU) uint64 { return cpu.Mie & cpu.Mideleg },
		write: func(cpu *CPU, val uint64) { cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (val & cpu.Mideleg) },
	},
	CSRStvec: {
		read:  func(cpu *CPU) uint64 { return cpu.Stvec },
		write: func(cpu *CPU, val uint64) { cpu.Stvec = val },
	},
	CSRScounteren: {
		read:  func(cpu *CPU) uint64 { return cpu.Scounteren },
		write: func(cpu *CPU, val uint64) { cpu.Scounteren = val & 7 },
	},
	CSRSscratch: {
		read:  func(cpu *CPU) uint64 { return cpu.Sscratch },
		write: func(cpu *CPU, val uint64) { cpu.Sscratch = val },
	},
	CSRSepc: {
		read:  func(cpu *CPU) uint64 { return cpu.Sepc },
		write: func(cpu *CPU, val uint64) { cpu.Sepc = val &^ 1 },
	},
	CSRScause: {
		read:  func(cpu *CPU) uint64 { return cpu.Scause },
		write: func(cpu *CPU, val uint64) { cpu.Scause = val },
	},
	CSRStval: {
		read:  func(cpu *CPU) uint64 { return cpu.Stval },
		write: func(cpu *CPU, val uint64) { cpu.Stval = val },
	},
	CSRSip: {
		read: func(cpu *CPU) uint64 { return cpu.Mip & cpu.Mideleg },
		// Only SSIP is writable from S-mode
		write: func(cpu *CPU, val uint64) { cpu.Mip = (cpu.Mip &^ MipSSIP) | (val & MipSSIP) },
	},
	CSRSatp: {
		read: func(cpu *CPU) uint64 { return cpu.Satp },
		write: func(cpu *CPU, val uint64) {
			cpu.Satp = val
			// Changing the translation root invalidates every cached mapping.
			if cpu.MMU != nil {
				cpu.MMU.Flush()
			}
		},
	},

	// Machine CSRs
	CSRMstatus: {
		read:  func(cpu *CPU) uint64 { return cpu.Mstatus },
		write: (*CPU).writeMstatus,
	},
	CSRMisa: {
		read:  func(cpu *CPU) uint64 { return cpu.Misa },
		write: func(cpu *CPU, val uint64) {}, // WARL, fixed
	},
	CSRMedeleg: {
		read:  func(cpu *CPU) uint64 { return cpu.Medeleg },
		write: func(cpu *CPU, val uint64) { cpu.Medeleg = val & 0xb3ff },
	},
	CSRMideleg: {
		read:  func(cpu *CPU) uint64 { return cpu.Mideleg },
		write: func(cpu *CPU, val uint64) { cpu.Mideleg = val & (MipSSIP | MipSTIP | MipSEIP) },
	},
	CSRMie: {
		read: func(cpu *CPU) uint64 { return cpu.Mie },
		write: func(cpu *CPU, val uint64) {
			cpu.Mie = val & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
		},
	},
	CSRMtvec: {
		read:  func(cpu *CPU) uint64 { return cpu.Mtvec },
		write: func(cpu *CPU, val uint64) { cpu.Mtvec = val },
	},
	CSRMcounteren: {
		read:  func(cpu *CPU) uint64 { return cpu.Mcounteren },
		write: func(cpu *CPU, val uint64) { cpu.Mcounteren = val & 7 },
	},
	CSRMscratch: {
		read:  func(cpu *CPU) uint64 { return cpu.Mscratch },
		write: func(cpu *CPU, val uint64) { cpu.Mscratch = val },
	},
	CSRMepc: {
		read:  func(cpu *CPU) uint64 { return cpu.Mepc },
		write: func(cpu *CPU, val uint64) { cpu.Mepc = val &^ 1 },
	},
	CSRMcause: {
		read:  func(cpu *CPU) uint64 { return cpu.Mcause },
		write: func(cpu *CPU, val uint64) { cpu.Mcause = val },
	},
	CSRMtval: {
		read:  func(cpu *CPU) uint64 { return cpu.Mtval },
		write: func(cpu *CPU, val uint64) { cpu.Mtval = val },
	},
	CSRMip: {
		read: func(cpu *CPU) uint64 { return cpu.Mip },
		// Only the delegatable supervisor bits are software-writable
		write: func(cpu *CPU, val uint64) {
			mask := uint64(MipSSIP | MipSTIP | MipSEIP)
			cpu.Mip = (cpu.Mip &^ mask) | (val & mask)
		},
	},
	CSRMcycle: {
		read:  func(cpu *CPU) uint64 { return cpu.Cycle },
		write: func(cpu *CPU, val uint64) { cpu.Cycle = val },
	},
	CSRMinstret: {
		read:  func(cpu *CPU) uint64 { return cpu.Instret },
		write: func(cpu *CPU, val uint64) { cpu.Instret = val },
	},
	CSRMvendorid: {read: func(cpu *CPU) uint64 { return 0 }},
	CSRMarchid:   {read: func(cpu *CPU) uint64 { return 0 }},
	CSRMimpid:    {read: func(cpu *CPU) uint64 { return 0 }},
	CSRMhartid:   {read: func(cpu *CPU) uint64 { return cpu.Mhartid }},
}

// csrRead reads a CSR value
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	// Bits 9:8 encode the minimum privilege
	if uint16(cpu.Priv) < (csr>>8)&3 {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	desc, ok := csrTable[csr]
	if !ok {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	return desc.read(cpu), nil
}

// csrWrite writes a CSR value
func (cpu *CPU) csrWrite(csr uint16, val uint64) error {
	if uint16(cpu.Priv) < (csr>>8)&3 {
		return Exception(CauseIllegalInsn, 0)
	}

	// Bits 11:10 == 11 marks the read-only address space
	if (csr >> 10) == 3 {
		return Exception(CauseIllegalInsn, 0)
	}

	desc, ok := csrTable[csr]
	if !ok || desc.write == nil {
		return Exception(CauseIllegalInsn, 0)
	}
	desc.write(cpu, val)
	return nil
}

// Sstatus mask - bits visible in sstatus
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusSUM | MstatusMXR

// writeMstatus writes mstatus with proper masking
func (cpu *CPU) writeMstatus(val uint64) {
	const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	cpu.Mstatus = (cpu.Mstatus &^ mstatusMask) | (val & mstatusMask)
}
