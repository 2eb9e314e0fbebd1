package dwarfctx

import (
	"debug/elf"
)

// SymbolKind classifies an ELF symbol.
type SymbolKind int

const (
	SymNoType SymbolKind = iota
	SymObject
	SymFunction
	SymSection
	SymFile
)

func (k SymbolKind) String() string {
	switch k {
	case SymObject:
		return "object"
	case SymFunction:
		return "func"
	case SymSection:
		return "section"
	case SymFile:
		return "file"
	}
	return "notype"
}

// Symbol is one match from the executable's symbol tables.
type Symbol struct {
	Kind SymbolKind
	Name string
	Addr uint64
}

// LookupSymbol collects every symbol with the given name from symtab and
// dynsym. An executable with stripped symbol tables yields an empty list.
func (c *Context) LookupSymbol(name string) []Symbol {
	var out []Symbol

	tables := [][]elf.Symbol{}
	if syms, err := c.file.Symbols(); err == nil {
		tables = append(tables, syms)
	}
	if syms, err := c.file.DynamicSymbols(); err == nil {
		tables = append(tables, syms)
	}

	for _, table := range tables {
		for _, sym := range table {
			if sym.Name != name {
				continue
			}
			out = append(out, Symbol{
				Kind: symbolKind(elf.ST_TYPE(sym.Info)),
				Name: sym.Name,
				Addr: sym.Value,
			})
		}
	}

	return out
}

func symbolKind(t elf.SymType) SymbolKind {
	switch t {
	case elf.STT_OBJECT:
		return SymObject
	case elf.STT_FUNC:
		return SymFunction
	case elf.STT_SECTION:
		return SymSection
	case elf.STT_FILE:
		return SymFile
	}
	return SymNoType
}
