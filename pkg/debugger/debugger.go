// Package debugger implements the control plane of a debugging session:
// spawning the traced child, classifying its stops, the breakpoint table
// and the source-level stepping algorithms. A session owns exactly one
// tracee; every operation except WaitForSignal requires it stopped.
package debugger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Manu343726/chinche/pkg/dwarfctx"
	"github.com/Manu343726/chinche/pkg/regs"
	"github.com/Manu343726/chinche/pkg/utils"
)

// The load offset is discovered on the first stop; any read before that
// is a bug in the session sequencing.
const loadOffsetUnset = ^uint64(0)

var errLoadOffsetUnset = errors.New("load offset queried before the first stop")

// personality(2) values used to switch off address space layout
// randomization around the spawn. The flag is inherited across
// fork and exec, which is the only way to reach the child: the Go
// runtime cannot run code between the two.
const (
	persQuery           = 0xffffffff
	persAddrNoRandomize = 0x0040000
)

// Options tune a session. The zero value logs through slog.Default(),
// prints to stdout and shows two source lines around each stop.
type Options struct {
	Output        io.Writer
	Logger        *slog.Logger
	SourceContext int
}

// Debugger drives one traced child process.
type Debugger struct {
	prog string
	pid  int
	proc *os.Process
	ctx  *dwarfctx.Context
	pt   *ptraceThread

	// keyed by relative address; each value patches the corresponding
	// absolute address
	breakpoints map[uint64]*Breakpoint
	loadOffset  uint64
	finished    bool
	exited      bool
	exitCode    int

	out           io.Writer
	log           *slog.Logger
	sourceContext int
}

// Launch spawns prog as a traced child, stopped before its first
// instruction. ASLR is disabled for the child so breakpoint addresses
// survive relaunches. The returned session must be Closed.
func Launch(prog string, opts *Options) (*Debugger, error) {
	ctx, err := dwarfctx.New(prog)
	if err != nil {
		return nil, fmt.Errorf("loading debug info of %q: %w", prog, err)
	}

	d := &Debugger{
		prog:          prog,
		ctx:           ctx,
		pt:            newPtraceThread(),
		breakpoints:   make(map[uint64]*Breakpoint),
		loadOffset:    loadOffsetUnset,
		out:           os.Stdout,
		log:           slog.Default(),
		sourceContext: 2,
	}
	if opts != nil {
		if opts.Output != nil {
			d.out = opts.Output
		}
		if opts.Logger != nil {
			d.log = opts.Logger
		}
		if opts.SourceContext > 0 {
			d.sourceContext = opts.SourceContext
		}
	}

	err = d.pt.do(func() error {
		orig, _, errno := unix.Syscall(unix.SYS_PERSONALITY, persQuery, 0, 0)
		if errno != 0 {
			return fmt.Errorf("personality: %w", errno)
		}
		unix.Syscall(unix.SYS_PERSONALITY, orig|persAddrNoRandomize, 0, 0)
		defer unix.Syscall(unix.SYS_PERSONALITY, orig, 0, 0)

		proc, err := os.StartProcess(prog, []string{prog}, &os.ProcAttr{
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
			Sys: &syscall.SysProcAttr{
				Ptrace:    true,
				Pdeathsig: syscall.SIGKILL,
			},
		})
		if err != nil {
			return err
		}

		d.proc = proc
		d.pid = proc.Pid
		return nil
	})
	if err != nil {
		d.pt.stop()
		ctx.Close()
		return nil, fmt.Errorf("launching %q: %w", prog, err)
	}

	d.log.Debug("tracee launched", "prog", prog, "pid", d.pid)
	return d, nil
}

// Close kills the tracee if it is still alive and releases the session.
func (d *Debugger) Close() error {
	if !d.finished && d.proc != nil {
		d.proc.Kill()
	}
	d.pt.stop()
	return d.ctx.Close()
}

// Pid returns the tracee's process id.
func (d *Debugger) Pid() int {
	return d.pid
}

// Finished reports whether the tracee has exited or crashed.
func (d *Debugger) Finished() bool {
	return d.finished
}

// ExitCode returns the tracee's exit status, once it has exited.
func (d *Debugger) ExitCode() (int, bool) {
	return d.exitCode, d.exited
}

// Context exposes the debug info view of the tracee's executable.
func (d *Debugger) Context() *dwarfctx.Context {
	return d.ctx
}

// LoadOffset returns the address the primary image was mapped at, and
// whether it is known yet. Zero for non-PIE binaries.
func (d *Debugger) LoadOffset() (uint64, bool) {
	if d.loadOffset == loadOffsetUnset {
		return 0, false
	}
	return d.loadOffset, true
}

// abs translates a metadata-relative address to the tracee's address
// space.
func (d *Debugger) abs(rel uint64) (uint64, error) {
	if d.loadOffset == loadOffsetUnset {
		return 0, errLoadOffsetUnset
	}
	return rel + d.loadOffset, nil
}

// rel translates a tracee address back to metadata-relative form.
func (d *Debugger) rel(abs uint64) (uint64, error) {
	if d.loadOffset == loadOffsetUnset {
		return 0, errLoadOffsetUnset
	}
	return abs - d.loadOffset, nil
}

// initLoadOffset resolves the load offset once, after the first stop.
// Reading /proc earlier would race the kernel mapping the image.
func (d *Debugger) initLoadOffset() error {
	if d.loadOffset != loadOffsetUnset {
		return nil
	}

	if !d.ctx.PIE() {
		d.loadOffset = 0
		return nil
	}

	maps, err := os.Open(fmt.Sprintf("/proc/%d/maps", d.pid))
	if err != nil {
		return fmt.Errorf("reading tracee maps: %w", err)
	}
	defer maps.Close()

	scanner := bufio.NewScanner(maps)
	if !scanner.Scan() {
		return fmt.Errorf("tracee maps are empty")
	}

	base, _, ok := strings.Cut(scanner.Text(), "-")
	if !ok {
		return fmt.Errorf("malformed maps line %q", scanner.Text())
	}
	addr, err := strconv.ParseUint(base, 16, 64)
	if err != nil {
		return fmt.Errorf("malformed maps base %q: %w", base, err)
	}

	d.loadOffset = addr
	d.log.Debug("load offset resolved", "offset", utils.FormatHex(addr))
	return nil
}

// WaitForSignal blocks until the tracee stops or terminates and
// classifies the reason. Breakpoint traps rewind the PC onto the trapped
// instruction and announce the hit; a crash or exit marks the session
// finished.
func (d *Debugger) WaitForSignal() error {
	status, err := d.wait()
	if err != nil {
		return fmt.Errorf("waiting for tracee: %w", err)
	}

	if !status.Stopped() {
		if status.Exited() {
			d.exited = true
			d.exitCode = status.ExitStatus()
		}
		d.finish("Process finished running.")
		return nil
	}

	if err := d.initLoadOffset(); err != nil {
		return err
	}

	switch status.StopSignal() {
	case unix.SIGTRAP:
		return d.handleTrap()
	case unix.SIGSEGV:
		d.reportSegfault()
		return nil
	default:
		// Any other stop signal ends the session. Overbroad (a SIGPIPE
		// stop is not an exit) but kept as the observable behavior.
		d.log.Debug("tracee stopped by signal, ending session", "signal", status.StopSignal())
		d.finish("Process finished running.")
		return nil
	}
}

func (d *Debugger) handleTrap() error {
	si, err := d.getSiginfo()
	if err != nil {
		return err
	}

	switch si.Code {
	case siKernel, trapBrkpt:
		// the trap pushes the PC one byte past int3; back it up onto
		// the displaced instruction
		pc, err := d.readPC()
		if err != nil {
			return err
		}
		pc--
		if err := d.writePC(pc); err != nil {
			return err
		}

		rel, err := d.rel(pc)
		if err != nil {
			return err
		}

		d.log.Debug("breakpoint trap", "addr", utils.FormatHex(rel))
		fmt.Fprintf(d.out, "Hit breakpoint at %s\n", utils.FormatHex(rel))
		d.printSourceAt(rel)
		return nil

	case trapTrace:
		// single step completed
		return nil

	default:
		// the exec stop at launch lands here, among others
		d.log.Debug("ignoring SIGTRAP", "si_code", si.Code)
		return nil
	}
}

func (d *Debugger) reportSegfault() {
	d.finished = true

	pc, err := d.readPC()
	if err != nil {
		fmt.Fprintln(d.out, "Process segfaulted.")
		return
	}
	rel, err := d.rel(pc)
	if err != nil {
		fmt.Fprintln(d.out, "Process segfaulted.")
		return
	}

	line, err := d.ctx.LineFromPC(rel)
	if err != nil {
		fmt.Fprintf(d.out, "Process segfaulted at %s.\n", utils.FormatHex(rel))
		return
	}

	fmt.Fprintf(d.out, "Process segfaulted on line %d of %s\n", line.Line, line.File)
	if excerpt, err := dwarfctx.SourceExcerpt(line.File, line.Line, d.sourceContext); err == nil {
		fmt.Fprint(d.out, excerpt)
	}
}

func (d *Debugger) finish(message string) {
	d.finished = true
	fmt.Fprintln(d.out, message)
}

// printSourceAt shows the source excerpt for a relative address. Missing
// line info or an unreadable source file prints nothing.
func (d *Debugger) printSourceAt(rel uint64) {
	line, err := d.ctx.LineFromPC(rel)
	if err != nil {
		return
	}
	d.printLine(line)
}

func (d *Debugger) printLine(line dwarfctx.LineEntry) {
	excerpt, err := dwarfctx.SourceExcerpt(line.File, line.Line, d.sourceContext)
	if err != nil {
		return
	}
	fmt.Fprint(d.out, excerpt)
}

// --- Registers ---

// Registers returns the full dump, one named value per register in dump
// order.
func (d *Debugger) Registers() ([]regs.NamedValue, error) {
	var dump unix.PtraceRegs
	if err := d.getRegs(&dump); err != nil {
		return nil, err
	}
	return regs.Values(&dump), nil
}

// ReadRegister reads one register by name.
func (d *Debugger) ReadRegister(name string) (uint64, error) {
	r, err := regs.FromName(name)
	if err != nil {
		return 0, err
	}

	var dump unix.PtraceRegs
	if err := d.getRegs(&dump); err != nil {
		return 0, err
	}
	return regs.Value(&dump, r), nil
}

// ReadRegisterDwarf reads one register by DWARF register number.
func (d *Debugger) ReadRegisterDwarf(num int) (uint64, error) {
	r, err := regs.FromDwarf(num)
	if err != nil {
		return 0, err
	}

	var dump unix.PtraceRegs
	if err := d.getRegs(&dump); err != nil {
		return 0, err
	}
	return regs.Value(&dump, r), nil
}

// WriteRegister sets one register by name.
func (d *Debugger) WriteRegister(name string, value uint64) error {
	r, err := regs.FromName(name)
	if err != nil {
		return err
	}

	var dump unix.PtraceRegs
	if err := d.getRegs(&dump); err != nil {
		return err
	}
	regs.SetValue(&dump, r, value)
	return d.setRegs(&dump)
}

func (d *Debugger) readPC() (uint64, error) {
	var dump unix.PtraceRegs
	if err := d.getRegs(&dump); err != nil {
		return 0, err
	}
	return regs.Value(&dump, regs.PC), nil
}

func (d *Debugger) writePC(pc uint64) error {
	var dump unix.PtraceRegs
	if err := d.getRegs(&dump); err != nil {
		return err
	}
	regs.SetValue(&dump, regs.PC, pc)
	return d.setRegs(&dump)
}

// RelPC returns the current program counter as a relative address.
func (d *Debugger) RelPC() (uint64, error) {
	pc, err := d.readPC()
	if err != nil {
		return 0, err
	}
	return d.rel(pc)
}

// CurrentLine resolves the source line under the current PC.
func (d *Debugger) CurrentLine() (dwarfctx.LineEntry, error) {
	rel, err := d.RelPC()
	if err != nil {
		return dwarfctx.LineEntry{}, err
	}
	return d.ctx.LineFromPC(rel)
}

// returnAddress reads the current frame's return address from [FP+8].
// Meaningless in functions built without a frame pointer.
func (d *Debugger) returnAddress() (uint64, error) {
	var dump unix.PtraceRegs
	if err := d.getRegs(&dump); err != nil {
		return 0, err
	}

	var buf [8]byte
	if err := d.peekData(regs.Value(&dump, regs.FP)+8, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// --- Memory ---

// ReadMemory peeks 8 bytes at a relative address. The load offset is
// applied, so mappings outside the primary image cannot be addressed.
func (d *Debugger) ReadMemory(rel uint64) (uint64, error) {
	addr, err := d.abs(rel)
	if err != nil {
		return 0, err
	}

	var buf [8]byte
	if err := d.peekData(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteMemory pokes one byte at a relative address. Same primary-image
// limitation as ReadMemory.
func (d *Debugger) WriteMemory(rel uint64, value byte) error {
	addr, err := d.abs(rel)
	if err != nil {
		return err
	}
	return d.pokeData(addr, []byte{value})
}

// --- Breakpoint table ---

// SetBreakpoint installs and enables a breakpoint at a relative address.
// An existing breakpoint at the same address is replaced by the fresh
// enabled one.
func (d *Debugger) SetBreakpoint(rel uint64, verbose bool) error {
	addr, err := d.abs(rel)
	if err != nil {
		return err
	}

	bp := newBreakpoint(d, addr)
	if err := bp.Enable(); err != nil {
		return fmt.Errorf("enabling breakpoint at %s: %w", utils.FormatHex(rel), err)
	}
	d.breakpoints[rel] = bp

	d.log.Debug("breakpoint set", "addr", utils.FormatHex(rel))
	if verbose {
		fmt.Fprintf(d.out, "Breakpoint set at %s\n", utils.FormatHex(rel))
	}
	return nil
}

// RemoveBreakpoint disables and erases the breakpoint at a relative
// address, if any.
func (d *Debugger) RemoveBreakpoint(rel uint64, verbose bool) error {
	bp, ok := d.breakpoints[rel]
	if !ok {
		return nil
	}

	if err := bp.Disable(); err != nil {
		return err
	}
	delete(d.breakpoints, rel)

	d.log.Debug("breakpoint removed", "addr", utils.FormatHex(rel))
	if verbose {
		fmt.Fprintf(d.out, "Breakpoint removed from %s\n", utils.FormatHex(rel))
	}
	return nil
}

// DisableBreakpoint disables the breakpoint at a relative address in
// place, keeping it in the table.
func (d *Debugger) DisableBreakpoint(rel uint64, verbose bool) error {
	bp, ok := d.breakpoints[rel]
	if !ok {
		return nil
	}

	if err := bp.Disable(); err != nil {
		return err
	}

	if verbose {
		fmt.Fprintf(d.out, "Breakpoint disabled at %s\n", utils.FormatHex(rel))
	}
	return nil
}

// SetBreakpointAtFunction resolves a function name to its first line
// past the prologue and breaks there.
func (d *Debugger) SetBreakpointAtFunction(name string) error {
	addr, err := d.ctx.FunctionByName(name)
	if err != nil {
		return err
	}
	return d.SetBreakpoint(addr, true)
}

// SetBreakpointAtSourceLine resolves file:line and breaks there.
func (d *Debugger) SetBreakpointAtSourceLine(file string, line int) error {
	addr, err := d.ctx.SourceLine(file, line)
	if err != nil {
		return err
	}
	return d.SetBreakpoint(addr, true)
}

// BreakpointAddrs lists the relative addresses of every breakpoint in
// the table, sorted.
func (d *Debugger) BreakpointAddrs() []uint64 {
	addrs := make([]uint64, 0, len(d.breakpoints))
	for rel := range d.breakpoints {
		addrs = append(addrs, rel)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
