package rv64

import "testing"

func TestTrapDelegationToSupervisor(t *testing.T) {
	cpu := newTestCPU()
	cpu.Medeleg = 1 << (CauseEcallFromU &^ (1 << 63))
	cpu.Stvec = 0x80001000
	cpu.Mtvec = 0x80002000
	cpu.Priv = PrivUser
	cpu.PC = 0x80000100
	cpu.Mstatus |= MstatusSIE

	cpu.HandleTrap(CauseEcallFromU, 0)

	if cpu.Priv != PrivSupervisor {
		t.Errorf("priv: expected S, got %d", cpu.Priv)
	}
	if cpu.PC != 0x80001000 {
		t.Errorf("PC: expected stvec, got 0x%x", cpu.PC)
	}
	if cpu.Sepc != 0x80000100 {
		t.Errorf("sepc: got 0x%x", cpu.Sepc)
	}
	if cpu.Scause != CauseEcallFromU {
		t.Errorf("scause: got 0x%x", cpu.Scause)
	}
	if cpu.Mstatus&MstatusSIE != 0 {
		t.Error("SIE not masked on trap entry")
	}
	if cpu.Mstatus&MstatusSPIE == 0 {
		t.Error("SPIE did not capture prior SIE")
	}
	if cpu.Mstatus&MstatusSPP != 0 {
		t.Error("SPP should record U-mode")
	}
}

func TestTrapFromMachineIgnoresDelegation(t *testing.T) {
	cpu := newTestCPU()
	cpu.Medeleg = 1 << CauseIllegalInsn
	cpu.Stvec = 0x80001000
	cpu.Mtvec = 0x80002000
	cpu.Priv = PrivMachine
	cpu.PC = 0x80000100

	cpu.HandleTrap(CauseIllegalInsn, 0xdead)

	if cpu.Priv != PrivMachine {
		t.Errorf("priv: expected M, got %d", cpu.Priv)
	}
	if cpu.PC != 0x80002000 {
		t.Errorf("PC: expected mtvec, got 0x%x", cpu.PC)
	}
	if cpu.Mtval != 0xdead {
		t.Errorf("mtval: got 0x%x", cpu.Mtval)
	}
	if mpp := (cpu.Mstatus & MstatusMPP) >> MstatusMPPShift; mpp != uint64(PrivMachine) {
		t.Errorf("MPP: got %d", mpp)
	}
}

func TestVectoredInterruptDispatch(t *testing.T) {
	cpu := newTestCPU()
	cpu.Mtvec = 0x80002000 | 1
	cpu.PC = 0x80000100

	cpu.HandleTrap(CauseMTimerInt, 0)
	if cpu.PC != 0x80002000+4*7 {
		t.Errorf("vectored PC: got 0x%x", cpu.PC)
	}

	// Exceptions ignore the vectored mode bit
	cpu.PC = 0x80000100
	cpu.Priv = PrivMachine
	cpu.HandleTrap(CauseIllegalInsn, 0)
	if cpu.PC != 0x80002000 {
		t.Errorf("exception PC: got 0x%x", cpu.PC)
	}
}

func TestInterruptPriorityOrder(t *testing.T) {
	cpu := newTestCPU()
	cpu.Mstatus |= MstatusMIE
	cpu.Mie = MipMEIP | MipMTIP | MipSTIP
	cpu.Mip = MipMTIP | MipMEIP

	taken, cause := cpu.CheckInterrupt()
	if !taken {
		t.Fatal("expected a pending interrupt")
	}
	if cause != CauseMExternalInt {
		t.Errorf("expected external first, got 0x%x", cause)
	}

	cpu.Mip = MipMTIP
	_, cause = cpu.CheckInterrupt()
	if cause != CauseMTimerInt {
		t.Errorf("expected timer, got 0x%x", cause)
	}
}

func TestInterruptGlobalEnableRules(t *testing.T) {
	cpu := newTestCPU()
	cpu.Mie = MipMTIP
	cpu.Mip = MipMTIP

	// Same-mode interrupt with MIE clear stays held
	cpu.Priv = PrivMachine
	if taken, _ := cpu.CheckInterrupt(); taken {
		t.Error("M interrupt taken in M-mode with MIE clear")
	}

	// A lower mode always takes a machine interrupt
	cpu.Priv = PrivSupervisor
	if taken, _ := cpu.CheckInterrupt(); !taken {
		t.Error("M interrupt not taken from S-mode")
	}

	// Delegated interrupt destined below M is invisible to M
	cpu.Priv = PrivMachine
	cpu.Mideleg = MipSTIP
	cpu.Mie = MipSTIP
	cpu.Mip = MipSTIP
	if taken, _ := cpu.CheckInterrupt(); taken {
		t.Error("S interrupt taken in M-mode")
	}
}

func TestMretRestoresState(t *testing.T) {
	cpu := newTestCPU()
	cpu.Priv = PrivUser
	cpu.PC = 0x80000100
	cpu.Mstatus |= MstatusMIE
	cpu.Mtvec = 0x80002000

	cpu.HandleTrap(CauseEcallFromU, 0)
	if cpu.Mstatus&MstatusMIE != 0 {
		t.Fatal("MIE not masked at trap entry")
	}

	if err := cpu.handleMret(); err != nil {
		t.Fatalf("mret: %v", err)
	}
	if cpu.Priv != PrivUser {
		t.Errorf("priv after mret: got %d", cpu.Priv)
	}
	if cpu.PC != 0x80000100 {
		t.Errorf("PC after mret: got 0x%x", cpu.PC)
	}
	if cpu.Mstatus&MstatusMIE == 0 {
		t.Error("MIE not restored from MPIE")
	}
}

func TestSretRestoresState(t *testing.T) {
	cpu := newTestCPU()
	cpu.Medeleg = 1 << (CauseEcallFromU &^ (1 << 63))
	cpu.Priv = PrivUser
	cpu.PC = 0x80000200
	cpu.Mstatus |= MstatusSIE
	cpu.Stvec = 0x80001000

	cpu.HandleTrap(CauseEcallFromU, 0)
	if cpu.Priv != PrivSupervisor {
		t.Fatal("trap did not delegate")
	}

	if err := cpu.handleSret(); err != nil {
		t.Fatalf("sret: %v", err)
	}
	if cpu.Priv != PrivUser {
		t.Errorf("priv after sret: got %d", cpu.Priv)
	}
	if cpu.PC != 0x80000200 {
		t.Errorf("PC after sret: got 0x%x", cpu.PC)
	}
	if cpu.Mstatus&MstatusSIE == 0 {
		t.Error("SIE not restored from SPIE")
	}
}

func TestSretFromUserIsIllegal(t *testing.T) {
	cpu := newTestCPU()
	cpu.Priv = PrivUser
	if err := cpu.handleSret(); err == nil {
		t.Error("sret from U-mode did not trap")
	}

	cpu.Priv = PrivSupervisor
	cpu.Mstatus |= MstatusTSR
	if err := cpu.handleSret(); err == nil {
		t.Error("sret with TSR set did not trap")
	}
}
