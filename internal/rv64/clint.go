package rv64

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (per hart)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (per hart)
	CLINTMtime    = 0xbff8 // Machine Time
)

// CLINT implements the Core Local Interruptor. mtime advances exactly once
// per executed instruction, which keeps timer interrupt delivery
// deterministic across runs.
type CLINT struct {
	cpu *CPU

	msip     uint32
	mtime    uint64
	mtimecmp uint64
}

// NewCLINT creates a new CLINT
func NewCLINT(cpu *CPU) *CLINT {
	return &CLINT{
		cpu:      cpu,
		mtimecmp: ^uint64(0), // No timer interrupt until the guest arms one
	}
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// Mtime returns the current counter value
func (c *CLINT) Mtime() uint64 {
	return c.mtime
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4:
		return uint64(c.msip), nil

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		return c.mtimecmp, nil

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.mtime, nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4:
		if value&1 != 0 {
			c.msip = 1
			c.cpu.Mip |= MipMSIP
		} else {
			c.msip = 0
			c.cpu.Mip &^= MipMSIP
		}

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		if size == 4 {
			if offset == CLINTMtimecmp {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
			}
		} else {
			c.mtimecmp = value
		}
		c.updateInterrupt()

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		c.mtime = value
		c.updateInterrupt()
	}

	return nil
}

// SetTimecmp programs the timer compare register directly, bypassing the
// memory-mapped interface. Used by the SBI timer extension.
func (c *CLINT) SetTimecmp(value uint64) {
	c.mtimecmp = value
	c.updateInterrupt()
}

// Tick advances mtime by one and re-evaluates the timer interrupt. The
// machine calls this once per step.
func (c *CLINT) Tick() {
	c.mtime++
	c.updateInterrupt()
}

func (c *CLINT) updateInterrupt() {
	if c.mtime >= c.mtimecmp {
		c.cpu.Mip |= MipMTIP
	} else {
		c.cpu.Mip &^= MipMTIP
	}
}

var _ Device = (*CLINT)(nil)
