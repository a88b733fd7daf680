package rv64

// interruptOrder lists deliverable interrupts from highest priority to
// lowest: machine external, software, timer, then the supervisor set.
var interruptOrder = [...]struct {
	bit   uint64
	cause uint64
}{
	{MipMEIP, CauseMExternalInt},
	{MipMSIP, CauseMSoftwareInt},
	{MipMTIP, CauseMTimerInt},
	{MipSEIP, CauseSExternalInt},
	{MipSSIP, CauseSSoftwareInt},
	{MipSTIP, CauseSTimerInt},
}

// CheckInterrupt scans for a pending, enabled interrupt that must preempt
// the next fetch. An interrupt destined for a mode above the current one is
// taken regardless of the global enable bit; one destined for the current
// mode requires it; one destined below is never taken.
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return false, 0
	}

	for _, in := range interruptOrder {
		if pending&in.bit == 0 {
			continue
		}

		code := in.cause &^ (1 << 63)
		target := PrivMachine
		if cpu.Mideleg&(1<<code) != 0 {
			target = PrivSupervisor
		}

		switch {
		case target < cpu.Priv:
			continue
		case target > cpu.Priv:
			return true, in.cause
		case target == PrivMachine && cpu.Mstatus&MstatusMIE != 0:
			return true, in.cause
		case target == PrivSupervisor && cpu.Mstatus&MstatusSIE != 0:
			return true, in.cause
		}
	}

	return false, 0
}

// HandleTrap enters the trap handler for the given cause. Exceptions raised
// in S or U mode whose medeleg/mideleg bit is set route to the supervisor
// vector; everything else routes to machine mode.
func (cpu *CPU) HandleTrap(cause uint64, tval uint64) {
	isInterrupt := (cause >> 63) != 0
	code := cause &^ (1 << 63)

	delegateToS := false
	if cpu.Priv <= PrivSupervisor {
		if isInterrupt {
			delegateToS = cpu.Mideleg&(1<<code) != 0
		} else {
			delegateToS = cpu.Medeleg&(1<<code) != 0
		}
	}

	if delegateToS {
		cpu.Sepc = cpu.PC
		cpu.Scause = cause
		cpu.Stval = tval

		// SIE -> SPIE, then mask
		if cpu.Mstatus&MstatusSIE != 0 {
			cpu.Mstatus |= MstatusSPIE
		} else {
			cpu.Mstatus &^= MstatusSPIE
		}
		cpu.Mstatus &^= MstatusSIE

		if cpu.Priv == PrivSupervisor {
			cpu.Mstatus |= MstatusSPP
		} else {
			cpu.Mstatus &^= MstatusSPP
		}

		cpu.Priv = PrivSupervisor
		cpu.jumpTo(trapVector(cpu.Stvec, code, isInterrupt))
	} else {
		cpu.Mepc = cpu.PC
		cpu.Mcause = cause
		cpu.Mtval = tval

		// MIE -> MPIE, then mask
		if cpu.Mstatus&MstatusMIE != 0 {
			cpu.Mstatus |= MstatusMPIE
		} else {
			cpu.Mstatus &^= MstatusMPIE
		}
		cpu.Mstatus &^= MstatusMIE

		cpu.Mstatus &^= MstatusMPP
		cpu.Mstatus |= uint64(cpu.Priv) << MstatusMPPShift

		cpu.Priv = PrivMachine
		cpu.jumpTo(trapVector(cpu.Mtvec, code, isInterrupt))
	}
}

// trapVector computes the handler address from a tvec register. Mode bit 0
// selects vectored dispatch for interrupts.
func trapVector(tvec, code uint64, isInterrupt bool) uint64 {
	if tvec&1 == 1 && isInterrupt {
		return (tvec &^ 1) + 4*code
	}
	return tvec &^ 3
}

// handleMret implements the M-mode trap return sequence: restore the
// privilege mode and interrupt enable saved at trap entry.
func (cpu *CPU) handleMret() error {
	if cpu.Priv != PrivMachine {
		return Exception(CauseIllegalInsn, 0)
	}

	mpp := uint8((cpu.Mstatus & MstatusMPP) >> MstatusMPPShift)

	// MPIE -> MIE
	if cpu.Mstatus&MstatusMPIE != 0 {
		cpu.Mstatus |= MstatusMIE
	} else {
		cpu.Mstatus &^= MstatusMIE
	}
	cpu.Mstatus |= MstatusMPIE
	cpu.Mstatus &^= MstatusMPP

	// Leaving M-mode clears MPRV
	if mpp != PrivMachine {
		cpu.Mstatus &^= MstatusMPRV
	}

	cpu.Priv = mpp
	cpu.jumpTo(cpu.Mepc)
	return nil
}

// handleSret implements the S-mode trap return sequence.
func (cpu *CPU) handleSret() error {
	if cpu.Priv < PrivSupervisor {
		return Exception(CauseIllegalInsn, 0)
	}
	if cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusTSR != 0 {
		return Exception(CauseIllegalInsn, 0)
	}

	spp := PrivUser
	if cpu.Mstatus&MstatusSPP != 0 {
		spp = PrivSupervisor
	}

	// SPIE -> SIE
	if cpu.Mstatus&MstatusSPIE != 0 {
		cpu.Mstatus |= MstatusSIE
	} else {
		cpu.Mstatus &^= MstatusSIE
	}
	cpu.Mstatus |= MstatusSPIE
	cpu.Mstatus &^= MstatusSPP
	cpu.Mstatus &^= MstatusMPRV

	cpu.Priv = spp
	cpu.jumpTo(cpu.Sepc)
	return nil
}
