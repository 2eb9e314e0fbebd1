package debugger

import (
	"errors"

	"github.com/Manu343726/chinche/pkg/dwarfctx"
)

// SingleStep executes one instruction and classifies the resulting stop.
func (d *Debugger) SingleStep() error {
	if err := d.ptraceSingleStep(); err != nil {
		return err
	}
	return d.WaitForSignal()
}

// StepInstruction is the transparency primitive: if an enabled
// breakpoint sits under the current PC it is lifted for exactly one
// instruction and re-armed, so the tracee executes the displaced
// original byte.
func (d *Debugger) StepInstruction() error {
	rel, err := d.RelPC()
	if err != nil {
		return err
	}

	bp, ok := d.breakpoints[rel]
	if !ok || !bp.Enabled() {
		return d.SingleStep()
	}

	if err := bp.Disable(); err != nil {
		return err
	}
	if err := d.SingleStep(); err != nil {
		return err
	}
	if d.finished {
		return nil
	}
	return bp.Enable()
}

// Continue resumes the tracee until the next stop: step transparently
// off any breakpoint under the PC, then let it run.
func (d *Debugger) Continue() error {
	if err := d.StepInstruction(); err != nil {
		return err
	}
	if d.finished {
		return nil
	}

	if err := d.ptraceCont(); err != nil {
		return err
	}
	return d.WaitForSignal()
}

// StepIn advances to the next source line, entering called functions.
// Instructions with no line info degrade to a single instruction step.
func (d *Debugger) StepIn() error {
	start, err := d.CurrentLine()
	if errors.Is(err, dwarfctx.ErrNotFound) {
		return d.StepInstruction()
	}
	if err != nil {
		return err
	}

	for {
		if err := d.StepInstruction(); err != nil {
			return err
		}
		if d.finished {
			return nil
		}

		line, err := d.CurrentLine()
		if errors.Is(err, dwarfctx.ErrNotFound) {
			// stepped outside mapped source; stop here
			return nil
		}
		if err != nil {
			return err
		}

		if line.File != start.File || line.Line != start.Line {
			d.printLine(line)
			return nil
		}
	}
}

// StepOut runs until the current function returns, by breaking at the
// frame's return address. Undefined in functions built without a frame
// pointer.
func (d *Debugger) StepOut() error {
	ret, err := d.returnAddress()
	if err != nil {
		return err
	}
	rel, err := d.rel(ret)
	if err != nil {
		return err
	}

	temporary := false
	if _, ok := d.breakpoints[rel]; !ok {
		if err := d.SetBreakpoint(rel, false); err != nil {
			return err
		}
		temporary = true
	}

	if err := d.Continue(); err != nil {
		return err
	}

	if temporary && !d.finished {
		return d.RemoveBreakpoint(rel, false)
	}
	return nil
}

// StepOver advances to the next source line of the enclosing function
// without entering calls: every other line of the function gets a
// temporary breakpoint, plus one at the return address in case the
// function returns first.
func (d *Debugger) StepOver() error {
	relPC, err := d.RelPC()
	if err != nil {
		return err
	}

	fn, err := d.ctx.FunctionFromPC(relPC)
	if err != nil {
		return err
	}
	lines, err := d.ctx.FunctionLines(fn)
	if err != nil {
		return err
	}
	current, err := d.ctx.LineFromPC(relPC)
	if err != nil {
		return err
	}

	var temporaries []uint64
	for _, line := range lines {
		if line.Address == current.Address {
			continue
		}
		if _, ok := d.breakpoints[line.Address]; ok {
			continue
		}
		if err := d.SetBreakpoint(line.Address, false); err != nil {
			return err
		}
		temporaries = append(temporaries, line.Address)
	}

	ret, err := d.returnAddress()
	if err != nil {
		return err
	}
	relRet, err := d.rel(ret)
	if err != nil {
		return err
	}
	if _, ok := d.breakpoints[relRet]; !ok {
		if err := d.SetBreakpoint(relRet, false); err != nil {
			return err
		}
		temporaries = append(temporaries, relRet)
	}

	if err := d.Continue(); err != nil {
		return err
	}

	if d.finished {
		return nil
	}
	for _, addr := range temporaries {
		if err := d.RemoveBreakpoint(addr, false); err != nil {
			return err
		}
	}
	return nil
}
