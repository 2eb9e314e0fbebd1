// Package dwarfctx is a read-only view over the debug information of an
// ELF executable: DIEs, line tables and symbol tables. Every address it
// produces or consumes is relative to the image, as written in the
// binary's metadata; callers apply the runtime load offset.
package dwarfctx

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"sort"
	"strings"

	"github.com/Manu343726/chinche/pkg/utils"
)

// ErrNotFound is returned when a lookup resolves to no function, line
// entry or address.
var ErrNotFound = errors.New("not found")

// Context holds the parsed debug info of one executable. Queries never
// touch the tracee, so they are safe at any point of the session.
type Context struct {
	file *elf.File
	data *dwarf.Data
}

// LineEntry is one row of a DWARF line table.
type LineEntry struct {
	File    string
	Line    int
	Address uint64
	IsStmt  bool
}

// New parses the executable's ELF and DWARF sections. The file stays open
// for the lifetime of the context.
func New(path string) (*Context, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, err
	}

	data, err := file.DWARF()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Context{file: file, data: data}, nil
}

// Close releases the underlying executable file.
func (c *Context) Close() error {
	return c.file.Close()
}

// PIE reports whether the executable is position independent, ie. whether
// the metadata addresses need a runtime load offset applied.
func (c *Context) PIE() bool {
	return c.file.Type == elf.ET_DYN
}

// FunctionFromPC finds the subprogram DIE whose PC range contains pc.
// Inlined and member functions are not resolved.
func (c *Context) FunctionFromPC(pc uint64) (*dwarf.Entry, error) {
	r := c.data.Reader()

	if _, err := r.SeekPC(pc); err != nil {
		return nil, utils.MakeError(ErrNotFound, "no compilation unit covers %s", utils.FormatHex(pc))
	}

	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Tag == dwarf.TagCompileUnit {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		ranges, err := c.data.Ranges(entry)
		if err != nil {
			continue
		}
		for _, rng := range ranges {
			if pc >= rng[0] && pc < rng[1] {
				return entry, nil
			}
		}
	}

	return nil, utils.MakeError(ErrNotFound, "no function covers %s", utils.FormatHex(pc))
}

// LineFromPC finds the line table entry for pc.
func (c *Context) LineFromPC(pc uint64) (LineEntry, error) {
	r := c.data.Reader()

	cu, err := r.SeekPC(pc)
	if err != nil {
		return LineEntry{}, utils.MakeError(ErrNotFound, "no compilation unit covers %s", utils.FormatHex(pc))
	}

	lines, err := c.data.LineReader(cu)
	if err != nil || lines == nil {
		return LineEntry{}, utils.MakeError(ErrNotFound, "compilation unit has no line table")
	}

	var entry dwarf.LineEntry
	if err := lines.SeekPC(pc, &entry); err != nil {
		return LineEntry{}, utils.MakeError(ErrNotFound, "no line entry for %s", utils.FormatHex(pc))
	}

	return toLineEntry(entry), nil
}

// SourceLine resolves (file, line) to the address of the first statement
// line entry on that line. The compilation unit is matched by path
// suffix, so "hello.c" matches ".../src/hello.c".
func (c *Context) SourceLine(file string, line int) (uint64, error) {
	r := c.data.Reader()

	for {
		cu, err := r.Next()
		if err != nil {
			return 0, err
		}
		if cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}

		name, _ := cu.Val(dwarf.AttrName).(string)
		if !strings.HasSuffix(name, file) {
			r.SkipChildren()
			continue
		}

		lines, err := c.data.LineReader(cu)
		if err != nil || lines == nil {
			r.SkipChildren()
			continue
		}

		var entry dwarf.LineEntry
		for lines.Next(&entry) == nil {
			if entry.EndSequence {
				continue
			}
			if entry.IsStmt && entry.Line == line {
				return entry.Address, nil
			}
		}
		r.SkipChildren()
	}

	return 0, utils.MakeError(ErrNotFound, "no statement at %s:%d", file, line)
}

// FunctionByName resolves a function name to the address of its first
// line entry past the prologue.
func (c *Context) FunctionByName(name string) (uint64, error) {
	r := c.data.Reader()

	for {
		entry, err := r.Next()
		if err != nil {
			return 0, err
		}
		if entry == nil {
			break
		}

		n, ok := entry.Val(dwarf.AttrName).(string)
		if !ok || n != name {
			continue
		}
		low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}

		line, err := c.lineAfterPrologue(low)
		if err != nil {
			continue
		}
		return line.Address, nil
	}

	return 0, utils.MakeError(ErrNotFound, "no function named %q", name)
}

// lineAfterPrologue takes the line entry at a function's entry address
// and advances one entry, past the stack frame setup.
func (c *Context) lineAfterPrologue(low uint64) (LineEntry, error) {
	r := c.data.Reader()

	cu, err := r.SeekPC(low)
	if err != nil {
		return LineEntry{}, utils.MakeError(ErrNotFound, "no compilation unit covers %s", utils.FormatHex(low))
	}

	lines, err := c.data.LineReader(cu)
	if err != nil || lines == nil {
		return LineEntry{}, utils.MakeError(ErrNotFound, "compilation unit has no line table")
	}

	var entry dwarf.LineEntry
	if err := lines.SeekPC(low, &entry); err != nil {
		return LineEntry{}, utils.MakeError(ErrNotFound, "no line entry for %s", utils.FormatHex(low))
	}

	for {
		if err := lines.Next(&entry); err != nil {
			return LineEntry{}, utils.MakeError(ErrNotFound, "line table ends inside the prologue")
		}
		if !entry.EndSequence {
			return toLineEntry(entry), nil
		}
	}
}

// FuncEntry returns a function DIE's entry address (low PC).
func (c *Context) FuncEntry(entry *dwarf.Entry) (uint64, error) {
	low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, utils.MakeError(ErrNotFound, "function DIE has no low PC")
	}
	return low, nil
}

// FuncEnd returns the address one past a function DIE's last instruction
// (high PC). DWARF encodes it either as an address or as an offset from
// the low PC.
func (c *Context) FuncEnd(entry *dwarf.Entry) (uint64, error) {
	low, err := c.FuncEntry(entry)
	if err != nil {
		return 0, err
	}

	switch high := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return high, nil
	case int64:
		return low + uint64(high), nil
	}
	return 0, utils.MakeError(ErrNotFound, "function DIE has no high PC")
}

// FunctionLines returns the line table entries inside a function's
// [entry, end) range, in address order.
func (c *Context) FunctionLines(entry *dwarf.Entry) ([]LineEntry, error) {
	low, err := c.FuncEntry(entry)
	if err != nil {
		return nil, err
	}
	high, err := c.FuncEnd(entry)
	if err != nil {
		return nil, err
	}

	r := c.data.Reader()
	cu, err := r.SeekPC(low)
	if err != nil {
		return nil, utils.MakeError(ErrNotFound, "no compilation unit covers %s", utils.FormatHex(low))
	}

	lines, err := c.data.LineReader(cu)
	if err != nil || lines == nil {
		return nil, utils.MakeError(ErrNotFound, "compilation unit has no line table")
	}

	var out []LineEntry
	var le dwarf.LineEntry
	for lines.Next(&le) == nil {
		if le.EndSequence {
			continue
		}
		if le.Address >= low && le.Address < high {
			out = append(out, toLineEntry(le))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func toLineEntry(entry dwarf.LineEntry) LineEntry {
	le := LineEntry{
		Line:    entry.Line,
		Address: entry.Address,
		IsStmt:  entry.IsStmt,
	}
	if entry.File != nil {
		le.File = entry.File.Name
	}
	return le
}
