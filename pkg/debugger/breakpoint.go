package debugger

// int3, the one byte x86 trap instruction.
const int3 = 0xcc

// memory is the slice of the tracee a breakpoint needs: byte level
// peek/poke at absolute addresses, tracee stopped.
type memory interface {
	peekData(addr uint64, out []byte) error
	pokeData(addr uint64, data []byte) error
}

// Breakpoint is a software breakpoint at one absolute address of the
// tracee. While enabled the byte at the address is int3 and savedByte
// holds the displaced original; disabling writes it back.
type Breakpoint struct {
	mem       memory
	addr      uint64
	enabled   bool
	savedByte byte
}

func newBreakpoint(mem memory, addr uint64) *Breakpoint {
	return &Breakpoint{mem: mem, addr: addr}
}

// Enable saves the byte at the breakpoint address and replaces it with
// int3. Enabling an enabled breakpoint is a no-op.
func (bp *Breakpoint) Enable() error {
	if bp.enabled {
		return nil
	}

	var buf [1]byte
	if err := bp.mem.peekData(bp.addr, buf[:]); err != nil {
		return err
	}
	bp.savedByte = buf[0]

	buf[0] = int3
	if err := bp.mem.pokeData(bp.addr, buf[:]); err != nil {
		return err
	}

	bp.enabled = true
	return nil
}

// Disable restores the saved byte. Disabling a disabled breakpoint is a
// no-op.
func (bp *Breakpoint) Disable() error {
	if !bp.enabled {
		return nil
	}

	buf := [1]byte{bp.savedByte}
	if err := bp.mem.pokeData(bp.addr, buf[:]); err != nil {
		return err
	}

	bp.enabled = false
	return nil
}

// Enabled reports whether the int3 byte is currently in place.
func (bp *Breakpoint) Enabled() bool {
	return bp.enabled
}

// Addr returns the absolute address the breakpoint patches.
func (bp *Breakpoint) Addr() uint64 {
	return bp.addr
}

// SavedByte returns the original byte displaced by int3. Only meaningful
// while the breakpoint is enabled.
func (bp *Breakpoint) SavedByte() byte {
	return bp.savedByte
}
