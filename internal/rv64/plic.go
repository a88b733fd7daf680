package rv64

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICThresholdBase = 0x200000 // Threshold and claim per context
)

// PLIC context offsets (per-hart, per-mode)
const (
	PLICContextStride = 0x1000
)

// PLICMaxSources bounds the source ID space. The platform wires two
// sources (UART and virtio block), so 32 IDs is plenty.
const PLICMaxSources = 32

// PLIC implements the Platform Level Interrupt Controller. State is owned
// by the single step loop; device asserts and register accesses all happen
// there, so no locking is needed. Two contexts: 0 targets M-mode external
// interrupts, 1 targets S-mode.
type PLIC struct {
	cpu *CPU

	// Priority for each source (0-7, 0 = disabled)
	priority [PLICMaxSources]uint32

	// Pending bits (1 bit per source)
	pending uint32

	// Enable bits, threshold and claimed source per context
	enable    [2]uint32
	threshold [2]uint32
	claimed   [2]uint32
}

// NewPLIC creates a new PLIC
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{
		cpu: cpu,
	}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= PLICPendingBase && offset < PLICEnableBase:
		if offset == PLICPendingBase {
			return uint64(p.pending), nil
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if context < 2 && word == 0 {
			return uint64(p.enable[context]), nil
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if context < 2 {
			switch regOffset {
			case 0: // Threshold
				return uint64(p.threshold[context]), nil
			case 4: // Claim
				return uint64(p.claim(int(context))), nil
			}
		}
	}

	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source > 0 && source < PLICMaxSources { // Source 0 is reserved
			p.priority[source] = uint32(value) & 7
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if context < 2 && word == 0 {
			p.enable[context] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if context < 2 {
			switch regOffset {
			case 0: // Threshold
				p.threshold[context] = uint32(value) & 7
			case 4: // Complete
				p.complete(int(context), uint32(value))
			}
		}
	}

	p.updateInterrupt()
	return nil
}

// SetPending asserts or clears an interrupt source
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	if pending {
		p.pending |= 1 << source
	} else {
		p.pending &^= 1 << source
	}

	p.updateInterrupt()
}

// claim returns the highest priority pending enabled source above the
// context's threshold and removes it from pending
func (p *PLIC) claim(context int) uint32 {
	var bestSource uint32
	var bestPriority uint32

	for source := uint32(1); source < PLICMaxSources; source++ {
		if p.pending&(1<<source) == 0 {
			continue
		}
		if p.enable[context]&(1<<source) == 0 {
			continue
		}

		priority := p.priority[source]
		if priority <= p.threshold[context] {
			continue
		}

		// Higher number wins
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		p.pending &^= 1 << bestSource
		p.claimed[context] = bestSource
	}

	p.updateInterrupt()
	return bestSource
}

// complete acknowledges a claimed source, re-arming it
func (p *PLIC) complete(context int, source uint32) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	if p.claimed[context] == source {
		p.claimed[context] = 0
	}

	p.updateInterrupt()
}

// updateInterrupt recomputes the external interrupt lines into mip
func (p *PLIC) updateInterrupt() {
	if p.hasPendingInterrupt(0) {
		p.cpu.Mip |= MipMEIP
	} else {
		p.cpu.Mip &^= MipMEIP
	}

	if p.hasPendingInterrupt(1) {
		p.cpu.Mip |= MipSEIP
	} else {
		p.cpu.Mip &^= MipSEIP
	}
}

// hasPendingInterrupt reports whether any enabled source above the
// context's threshold is pending
func (p *PLIC) hasPendingInterrupt(context int) bool {
	for source := uint32(1); source < PLICMaxSources; source++ {
		if p.pending&(1<<source) == 0 {
			continue
		}
		if p.enable[context]&(1<<source) == 0 {
			continue
		}
		if p.priority[source] > p.threshold[context] {
			return true
		}
	}

	return false
}

var _ Device = (*PLIC)(nil)
