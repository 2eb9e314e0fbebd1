package debugger

import (
	"golang.org/x/arch/x86/x86asm"
)

// longest legal x86 instruction
const maxInstLen = 15

// Instruction is one disassembled tracee instruction at a relative
// address.
type Instruction struct {
	Addr uint64
	Text string
}

// Disassemble decodes count instructions starting at a relative address,
// reading the bytes from the tracee. Bytes displaced by enabled
// breakpoints are shown as their saved originals, so the listing matches
// the instruction stream the tracee observes.
func (d *Debugger) Disassemble(rel uint64, count int) ([]Instruction, error) {
	addr, err := d.abs(rel)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, count*maxInstLen)
	if err := d.peekData(addr, buf); err != nil {
		return nil, err
	}

	for _, bp := range d.breakpoints {
		if !bp.Enabled() {
			continue
		}
		if bp.Addr() >= addr && bp.Addr() < addr+uint64(len(buf)) {
			buf[bp.Addr()-addr] = bp.SavedByte()
		}
	}

	out := make([]Instruction, 0, count)
	offset := 0
	for len(out) < count && offset < len(buf) {
		inst, err := x86asm.Decode(buf[offset:], 64)
		if err != nil {
			out = append(out, Instruction{Addr: rel + uint64(offset), Text: "(bad)"})
			offset++
			continue
		}

		out = append(out, Instruction{
			Addr: rel + uint64(offset),
			Text: x86asm.GNUSyntax(inst, rel+uint64(offset), nil),
		})
		offset += inst.Len
	}

	return out, nil
}
