package rv64

import "testing"

func TestExpandCompressed(t *testing.T) {
	cpu := newTestCPU()

	cases := []struct {
		name string
		c    uint16
		want uint32
	}{
		{"c.li a0, 1", 0x4505, 0x00100513},
		{"c.addi a0, 2", 0x0509, 0x00250513},
		{"c.mv a0, a1", 0x852e, 0x00b00533},
		{"c.add a0, a1", 0x952e, 0x00b50533},
		{"c.nop", 0x0001, 0x00000013},
		{"c.ebreak", 0x9002, 0x00100073},
		{"c.j 0", 0xa001, 0x0000006f},
		{"c.jr a0", 0x8502, 0x00050067},
	}

	for _, tc := range cases {
		got, err := cpu.ExpandCompressed(tc.c)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected 0x%08x, got 0x%08x", tc.name, tc.want, got)
		}
	}
}

func TestCompressedFloatingPointIsIllegal(t *testing.T) {
	cpu := newTestCPU()

	// C.FLD and C.FLDSP are outside this profile
	for _, c := range []uint16{0x2000, 0x2002} {
		if _, err := cpu.ExpandCompressed(c); err == nil {
			t.Errorf("0x%04x expanded without error", c)
		}
	}
}

func TestCompressedJALLinksHalfwordReturn(t *testing.T) {
	// c.jal only exists on RV32; on RV64 the same encoding is c.addiw.
	// The RV64 call idiom is c.jalr, whose link value must be the address
	// of the following 2-byte slot.
	m := newTestMachineForJAL(t)

	if got := runToExit(t, m); got != 0 {
		t.Fatalf("exit: got %d", got)
	}
	// The c.jalr sits at RAMBase+6; its link value is the next halfword,
	// not the next word
	if m.CPU.X[1] != RAMBase+8 {
		t.Errorf("ra: expected 0x%x, got 0x%x", RAMBase+8, m.CPU.X[1])
	}
}

// newTestMachineForJAL lays out: auipc a0 to the target, c.jalr through it,
// then the target stores the exit code.
func newTestMachineForJAL(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(1024*1024, nil)

	// 0x00: auipc a0, 0        a0 = RAMBase
	// 0x04: c.addi a0, 8       a0 = RAMBase + 8
	// 0x06: c.jalr a0
	// 0x08: sw zero, 0(zero)
	words := []byte{
		0x17, 0x05, 0x00, 0x00, // auipc a0, 0
		0x21, 0x05, // c.addi a0, 8
		0x02, 0x95, // c.jalr a0
		0x23, 0x20, 0x00, 0x00, // sw zero, 0(zero)
	}
	for i, b := range words {
		if err := m.Bus.Write8(RAMBase+uint64(i), b); err != nil {
			t.Fatalf("load byte %d: %v", i, err)
		}
	}
	m.CPU.PC = RAMBase
	return m
}
