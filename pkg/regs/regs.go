// Package regs describes the x86-64 integer register file as seen through
// PTRACE_GETREGS: 27 named 64 bit registers in the kernel's dump order,
// with their DWARF register numbers.
package regs

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/Manu343726/chinche/pkg/utils"
)

// ErrUnknownRegister is returned when a name or DWARF number does not
// correspond to any register in the descriptor table.
var ErrUnknownRegister = errors.New("unknown register")

// Reg identifies one of the 27 integer registers. The constant order is
// the order of the fields in the kernel register dump (user_regs_struct).
type Reg int

const (
	R15 Reg = iota
	R14
	R13
	R12
	Rbp
	Rbx
	R11
	R10
	R9
	R8
	Rax
	Rcx
	Rdx
	Rsi
	Rdi
	OrigRax
	Rip
	Cs
	Eflags
	Rsp
	Ss
	FsBase
	GsBase
	Ds
	Es
	Fs
	Gs
)

// Count is the number of registers in a dump.
const Count = 27

// PC and FP alias the program counter and frame pointer registers.
const (
	PC = Rip
	FP = Rbp
)

// Descriptor ties a register to its DWARF number and user-facing name.
// Registers with no DWARF number (orig_rax, rip) carry -1.
type Descriptor struct {
	Reg   Reg
	Dwarf int
	Name  string
}

// Descriptors lists every register in dump order.
var Descriptors = [Count]Descriptor{
	{R15, 15, "r15"},
	{R14, 14, "r14"},
	{R13, 13, "r13"},
	{R12, 12, "r12"},
	{Rbp, 6, "rbp"},
	{Rbx, 3, "rbx"},
	{R11, 11, "r11"},
	{R10, 10, "r10"},
	{R9, 9, "r9"},
	{R8, 8, "r8"},
	{Rax, 0, "rax"},
	{Rcx, 2, "rcx"},
	{Rdx, 1, "rdx"},
	{Rsi, 4, "rsi"},
	{Rdi, 5, "rdi"},
	{OrigRax, -1, "orig_rax"},
	{Rip, -1, "rip"},
	{Cs, 51, "cs"},
	{Eflags, 49, "eflags"},
	{Rsp, 7, "rsp"},
	{Ss, 52, "ss"},
	{FsBase, 58, "fs_base"},
	{GsBase, 59, "gs_base"},
	{Ds, 53, "ds"},
	{Es, 50, "es"},
	{Fs, 54, "fs"},
	{Gs, 55, "gs"},
}

// field returns a pointer to the register's slot in a dump. An explicit
// per-field match, so the mapping does not depend on struct layout tricks.
func field(regs *unix.PtraceRegs, r Reg) *uint64 {
	switch r {
	case R15:
		return &regs.R15
	case R14:
		return &regs.R14
	case R13:
		return &regs.R13
	case R12:
		return &regs.R12
	case Rbp:
		return &regs.Rbp
	case Rbx:
		return &regs.Rbx
	case R11:
		return &regs.R11
	case R10:
		return &regs.R10
	case R9:
		return &regs.R9
	case R8:
		return &regs.R8
	case Rax:
		return &regs.Rax
	case Rcx:
		return &regs.Rcx
	case Rdx:
		return &regs.Rdx
	case Rsi:
		return &regs.Rsi
	case Rdi:
		return &regs.Rdi
	case OrigRax:
		return &regs.Orig_rax
	case Rip:
		return &regs.Rip
	case Cs:
		return &regs.Cs
	case Eflags:
		return &regs.Eflags
	case Rsp:
		return &regs.Rsp
	case Ss:
		return &regs.Ss
	case FsBase:
		return &regs.Fs_base
	case GsBase:
		return &regs.Gs_base
	case Ds:
		return &regs.Ds
	case Es:
		return &regs.Es
	case Fs:
		return &regs.Fs
	case Gs:
		return &regs.Gs
	}
	return nil
}

// Value reads one register out of a dump.
func Value(regs *unix.PtraceRegs, r Reg) uint64 {
	return *field(regs, r)
}

// SetValue writes one register slot of a dump.
func SetValue(regs *unix.PtraceRegs, r Reg, value uint64) {
	*field(regs, r) = value
}

// NamedValue pairs a register name with its value in a dump.
type NamedValue struct {
	Name  string
	Value uint64
}

// Values flattens a dump into named values, in dump order.
func Values(regs *unix.PtraceRegs) []NamedValue {
	out := make([]NamedValue, Count)
	for i, d := range Descriptors {
		out[i] = NamedValue{Name: d.Name, Value: Value(regs, d.Reg)}
	}
	return out
}

// Name returns the user-facing name of a register.
func Name(r Reg) string {
	return Descriptors[r].Name
}

// FromName resolves a register from its name.
func FromName(name string) (Reg, error) {
	for _, d := range Descriptors {
		if d.Name == name {
			return d.Reg, nil
		}
	}
	return 0, utils.MakeError(ErrUnknownRegister, "%q", name)
}

// FromDwarf resolves a register from its DWARF register number.
func FromDwarf(num int) (Reg, error) {
	for _, d := range Descriptors {
		if d.Dwarf >= 0 && d.Dwarf == num {
			return d.Reg, nil
		}
	}
	return 0, utils.MakeError(ErrUnknownRegister, "DWARF number %d", num)
}
