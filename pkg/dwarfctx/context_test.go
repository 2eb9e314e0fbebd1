package dwarfctx

import (
	"debug/dwarf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/chinche/internal/testfix"
)

func buildContext(t *testing.T, source string) *Context {
	t.Helper()

	ctx, err := New(testfix.Build(t, source))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestFunctionByName(t *testing.T) {
	ctx := buildContext(t, testfix.Call)

	mainStart := testfix.Line(t, testfix.Call, "main start")
	callLine := testfix.Line(t, testfix.Call, "call line")

	addr, err := ctx.FunctionByName("main")
	require.NoError(t, err)
	require.NotZero(t, addr)

	// the resolved address is past the prologue: at or after the first
	// statement, before the call
	line, err := ctx.LineFromPC(addr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, line.Line, mainStart)
	assert.LessOrEqual(t, line.Line, callLine)

	_, err = ctx.FunctionByName("no_such_function")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFunctionFromPC(t *testing.T) {
	ctx := buildContext(t, testfix.Call)

	addr, err := ctx.FunctionByName("compute")
	require.NoError(t, err)

	fn, err := ctx.FunctionFromPC(addr)
	require.NoError(t, err)
	name, _ := fn.Val(dwarf.AttrName).(string)
	assert.Equal(t, "compute", name)

	entry, err := ctx.FuncEntry(fn)
	require.NoError(t, err)
	end, err := ctx.FuncEnd(fn)
	require.NoError(t, err)
	assert.Less(t, entry, end)
	assert.GreaterOrEqual(t, addr, entry)
	assert.Less(t, addr, end)

	_, err = ctx.FunctionFromPC(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourceLineRoundTrip(t *testing.T) {
	ctx := buildContext(t, testfix.Hello)

	breakLine := testfix.Line(t, testfix.Hello, "break here")

	addr, err := ctx.SourceLine("fixture.c", breakLine)
	require.NoError(t, err)

	line, err := ctx.LineFromPC(addr)
	require.NoError(t, err)
	assert.Equal(t, breakLine, line.Line)
	assert.Equal(t, "fixture.c", filepath.Base(line.File))

	_, err = ctx.SourceLine("other.c", breakLine)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ctx.SourceLine("fixture.c", 10000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFunctionLines(t *testing.T) {
	ctx := buildContext(t, testfix.Call)

	addr, err := ctx.FunctionByName("main")
	require.NoError(t, err)
	fn, err := ctx.FunctionFromPC(addr)
	require.NoError(t, err)

	lines, err := ctx.FunctionLines(fn)
	require.NoError(t, err)
	require.NotEmpty(t, lines)

	entry, err := ctx.FuncEntry(fn)
	require.NoError(t, err)
	end, err := ctx.FuncEnd(fn)
	require.NoError(t, err)

	for i, line := range lines {
		assert.GreaterOrEqual(t, line.Address, entry)
		assert.Less(t, line.Address, end)
		if i > 0 {
			assert.GreaterOrEqual(t, line.Address, lines[i-1].Address)
		}
	}
}

func TestLookupSymbol(t *testing.T) {
	ctx := buildContext(t, testfix.Global)

	symbols := ctx.LookupSymbol("main")
	require.NotEmpty(t, symbols)
	assert.Equal(t, SymFunction, symbols[0].Kind)
	assert.Equal(t, "main", symbols[0].Name)
	assert.NotZero(t, symbols[0].Addr)

	symbols = ctx.LookupSymbol("x")
	require.NotEmpty(t, symbols)
	assert.Equal(t, SymObject, symbols[0].Kind)

	assert.Empty(t, ctx.LookupSymbol("no_such_symbol"))
}

func TestSymbolKindString(t *testing.T) {
	assert.Equal(t, "notype", SymNoType.String())
	assert.Equal(t, "object", SymObject.String())
	assert.Equal(t, "func", SymFunction.String())
	assert.Equal(t, "section", SymSection.String())
	assert.Equal(t, "file", SymFile.String())
}

func TestSourceExcerpt(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "excerpt.c")
	content := "one\ntwo\nthree\nfour\nfive\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	excerpt, err := SourceExcerpt(file, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, "  two\n> three\n  four\n", excerpt)

	// cursor on the first line, context clipped at the top
	excerpt, err = SourceExcerpt(file, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "> one\n  two\n  three\n", excerpt)

	_, err = SourceExcerpt(filepath.Join(dir, "missing.c"), 1, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}
