package rv64

// SBI extension IDs
const (
	SBIExtBase          = 0x10
	SBIExtTimer         = 0x54494D45 // "TIME"
	SBIExtIPI           = 0x735049   // "sPI"
	SBIExtRFence        = 0x52464E43 // "RFNC"
	SBIExtHSM           = 0x48534D   // "HSM"
	SBIExtSRST          = 0x53525354 // "SRST"
	SBIExtLegacyPutchar = 0x01
	SBIExtLegacyGetchar = 0x02
)

// SBI base extension function IDs
const (
	SBIBaseGetSpecVersion = 0
	SBIBaseGetImplID      = 1
	SBIBaseGetImplVersion = 2
	SBIBaseProbeExtension = 3
	SBIBaseGetMvendorID   = 4
	SBIBaseGetMarchID     = 5
	SBIBaseGetMimplID     = 6
)

// SBI timer extension function IDs
const (
	SBITimerSetTimer = 0
)

// SBI HSM function IDs
const (
	SBIHSMHartStart  = 0
	SBIHSMHartStop   = 1
	SBIHSMHartStatus = 2
)

// SBI error codes
const (
	SBISuccess           = 0
	SBIErrFailed         = -1
	SBIErrNotSupported   = -2
	SBIErrInvalidParam   = -3
	SBIErrDenied         = -4
	SBIErrInvalidAddress = -5
	SBIErrAlreadyAvail   = -6
)

// HandleSBI services an ecall from S-mode when the built-in firmware is
// enabled. a7 holds the extension ID, a6 the function ID, a0-a5 the
// arguments; the result goes back in a0 (error) and a1 (value).
func (m *Machine) HandleSBI() error {
	ext := m.CPU.X[17]
	fid := m.CPU.X[16]

	var errCode int64 = SBISuccess
	var val uint64

	switch ext {
	case SBIExtLegacyPutchar:
		ch := byte(m.CPU.X[10])
		if m.UART.Output != nil {
			m.UART.Output.Write([]byte{ch})
		}

	case SBIExtLegacyGetchar:
		v, _ := m.UART.Read(UARTRegLSR, 1)
		if v&UARTLSRDataReady != 0 {
			val, _ = m.UART.Read(UARTRegRBR, 1)
		} else {
			val = ^uint64(0)
		}

	case SBIExtBase:
		errCode, val = m.handleSBIBase(fid)

	case SBIExtTimer:
		errCode, val = m.handleSBITimer(fid)

	case SBIExtIPI, SBIExtRFence:
		// Single hart, nothing to signal or shoot down

	case SBIExtHSM:
		errCode, val = m.handleSBIHSM(fid)

	case SBIExtSRST:
		// System reset: a0 = reset type, a1 = reason
		return haltError{code: int(int32(m.CPU.X[11]))}

	default:
		errCode = SBIErrNotSupported
	}

	m.CPU.X[10] = uint64(errCode)
	m.CPU.X[11] = val

	return nil
}

func (m *Machine) handleSBIBase(fid uint64) (int64, uint64) {
	switch fid {
	case SBIBaseGetSpecVersion:
		return SBISuccess, 0x01000000 // 1.0

	case SBIBaseGetImplID:
		return SBISuccess, 0x52564b49 // "RVKI"

	case SBIBaseGetImplVersion:
		return SBISuccess, 0x00010000

	case SBIBaseProbeExtension:
		switch m.CPU.X[10] {
		case SBIExtBase, SBIExtTimer, SBIExtIPI, SBIExtRFence, SBIExtHSM,
			SBIExtSRST, SBIExtLegacyPutchar, SBIExtLegacyGetchar:
			return SBISuccess, 1
		default:
			return SBISuccess, 0
		}

	case SBIBaseGetMvendorID, SBIBaseGetMarchID, SBIBaseGetMimplID:
		return SBISuccess, 0

	default:
		return SBIErrNotSupported, 0
	}
}

func (m *Machine) handleSBITimer(fid uint64) (int64, uint64) {
	switch fid {
	case SBITimerSetTimer:
		m.CLINT.SetTimecmp(m.CPU.X[10])
		m.CPU.Mip &^= MipSTIP
		return SBISuccess, 0

	default:
		return SBIErrNotSupported, 0
	}
}

func (m *Machine) handleSBIHSM(fid uint64) (int64, uint64) {
	switch fid {
	case SBIHSMHartStatus:
		if m.CPU.X[10] == 0 {
			return SBISuccess, 0 // STARTED
		}
		return SBIErrInvalidParam, 0

	case SBIHSMHartStart:
		return SBIErrAlreadyAvail, 0

	case SBIHSMHartStop:
		return SBIErrNotSupported, 0

	default:
		return SBIErrNotSupported, 0
	}
}

// SetupForKernel prepares the hart to enter a bare M-mode kernel: hart ID
// in a0, a device tree pointer in a1, and the stack pointer at the top of
// RAM. The kernel entry is the start of RAM.
func (m *Machine) SetupForKernel(dtbAddr uint64) {
	m.CPU.X[10] = 0 // a0 = hart ID
	m.CPU.X[11] = dtbAddr
	m.CPU.X[2] = m.MemoryBase() + m.MemorySize()
	m.CPU.PC = m.MemoryBase()
	m.CPU.Priv = PrivMachine
}
