package rv64

import "errors"

// execAMO executes the A extension. AMOs translate their address once with
// write intent, so any fault is a store fault; LR alone uses read intent.
func (cpu *CPU) execAMO(insn uint32) error {
	f3 := funct3(insn)
	f5 := funct7(insn) >> 2 // Top 5 bits of funct7

	addr := cpu.ReadReg(rs1(insn))
	rs2Val := cpu.ReadReg(rs2(insn))

	switch f3 {
	case 0b010: // 32-bit
		if addr&3 != 0 {
			return Exception(CauseStoreAddrMisaligned, addr)
		}
		return cpu.execAMO32(insn, addr, rs2Val, f5)
	case 0b011: // 64-bit
		if addr&7 != 0 {
			return Exception(CauseStoreAddrMisaligned, addr)
		}
		return cpu.execAMO64(insn, addr, rs2Val, f5)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
}

// amoRead reads for an AMO read-modify-write at an already chosen access
// kind, mapping a physical miss to the matching access fault
func (cpu *CPU) amoRead(vaddr uint64, size int, access int) (uint64, error) {
	paddr, err := cpu.translate(vaddr, access)
	if err != nil {
		return 0, err
	}
	val, err := cpu.Bus.Read(paddr, size)
	if errors.Is(err, ErrBusFault) {
		return 0, accessFault(access, vaddr)
	}
	return val, err
}

// execAMO32 executes 32-bit atomic operations
func (cpu *CPU) execAMO32(insn uint32, addr uint64, rs2Val uint64, f5 uint32) error {
	rdReg := rd(insn)

	switch f5 {
	case 0b00010: // LR.W
		val, err := cpu.amoRead(addr, 4, accessRead)
		if err != nil {
			return err
		}
		cpu.WriteReg(rdReg, uint64(int32(uint32(val))))
		cpu.Reservation = addr
		cpu.ReservationValid = true
		return nil

	case 0b00011: // SC.W
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1) // Failure
			return nil
		}
		if err := cpu.storeVirt(addr, 4, rs2Val); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, 0) // Success
		cpu.ReservationValid = false
		return nil

	default:
		oldVal64, err := cpu.amoRead(addr, 4, accessWrite)
		if err != nil {
			return err
		}
		oldVal := uint32(oldVal64)

		var newVal uint32
		switch f5 {
		case 0b00001: // AMOSWAP.W
			newVal = uint32(rs2Val)
		case 0b00000: // AMOADD.W
			newVal = oldVal + uint32(rs2Val)
		case 0b00100: // AMOXOR.W
			newVal = oldVal ^ uint32(rs2Val)
		case 0b01100: // AMOAND.W
			newVal = oldVal & uint32(rs2Val)
		case 0b01000: // AMOOR.W
			newVal = oldVal | uint32(rs2Val)
		case 0b10000: // AMOMIN.W
			newVal = uint32(rs2Val)
			if int32(oldVal) < int32(rs2Val) {
				newVal = oldVal
			}
		case 0b10100: // AMOMAX.W
			newVal = uint32(rs2Val)
			if int32(oldVal) > int32(rs2Val) {
				newVal = oldVal
			}
		case 0b11000: // AMOMINU.W
			newVal = uint32(rs2Val)
			if oldVal < uint32(rs2Val) {
				newVal = oldVal
			}
		case 0b11100: // AMOMAXU.W
			newVal = uint32(rs2Val)
			if oldVal > uint32(rs2Val) {
				newVal = oldVal
			}
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}

		if err := cpu.storeVirt(addr, 4, uint64(newVal)); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, uint64(int32(oldVal)))
		return nil
	}
}

// execAMO64 executes 64-bit atomic operations
func (cpu *CPU) execAMO64(insn uint32, addr uint64, rs2Val uint64, f5 uint32) error {
	rdReg := rd(insn)

	switch f5 {
	case 0b00010: // LR.D
		val, err := cpu.amoRead(addr, 8, accessRead)
		if err != nil {
			return err
		}
		cpu.WriteReg(rdReg, val)
		cpu.Reservation = addr
		cpu.ReservationValid = true
		return nil

	case 0b00011: // SC.D
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1) // Failure
			return nil
		}
		if err := cpu.storeVirt(addr, 8, rs2Val); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, 0) // Success
		cpu.ReservationValid = false
		return nil

	default:
		oldVal, err := cpu.amoRead(addr, 8, accessWrite)
		if err != nil {
			return err
		}

		var newVal uint64
		switch f5 {
		case 0b00001: // AMOSWAP.D
			newVal = rs2Val
		case 0b00000: // AMOADD.D
			newVal = oldVal + rs2Val
		case 0b00100: // AMOXOR.D
			newVal = oldVal ^ rs2Val
		case 0b01100: // AMOAND.D
			newVal = oldVal & rs2Val
		case 0b01000: // AMOOR.D
			newVal = oldVal | rs2Val
		case 0b10000: // AMOMIN.D
			newVal = rs2Val
			if int64(oldVal) < int64(rs2Val) {
				newVal = oldVal
			}
		case 0b10100: // AMOMAX.D
			newVal = rs2Val
			if int64(oldVal) > int64(rs2Val) {
				newVal = oldVal
			}
		case 0b11000: // AMOMINU.D
			newVal = rs2Val
			if oldVal < rs2Val {
				newVal = oldVal
			}
		case 0b11100: // AMOMAXU.D
			newVal = rs2Val
			if oldVal > rs2Val {
				newVal = oldVal
			}
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}

		if err := cpu.storeVirt(addr, 8, newVal); err != nil {
			return err
		}
		cpu.WriteReg(rdReg, oldVal)
		return nil
	}
}
