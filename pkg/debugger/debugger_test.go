package debugger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/chinche/internal/testfix"
	"github.com/Manu343726/chinche/pkg/regs"
)

// launch builds a fixture, spawns it traced and drives it to the first
// stop, where the load offset is known and commands are legal.
func launch(t *testing.T, source string) (*Debugger, *bytes.Buffer) {
	t.Helper()

	out := &bytes.Buffer{}
	dbg, err := Launch(testfix.Build(t, source), &Options{
		Output: out,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { dbg.Close() })

	require.NoError(t, dbg.WaitForSignal())
	require.False(t, dbg.Finished())

	_, known := dbg.LoadOffset()
	require.True(t, known, "load offset must be resolved on the first stop")

	return dbg, out
}

func breakAtLine(t *testing.T, dbg *Debugger, source string, marker string) uint64 {
	t.Helper()

	line := testfix.Line(t, source, marker)
	addr, err := dbg.Context().SourceLine("fixture.c", line)
	require.NoError(t, err)
	require.NoError(t, dbg.SetBreakpoint(addr, false))
	return addr
}

func currentLineNumber(t *testing.T, dbg *Debugger) int {
	t.Helper()

	line, err := dbg.CurrentLine()
	require.NoError(t, err)
	return line.Line
}

func TestRunToExit(t *testing.T) {
	dbg, out := launch(t, testfix.Hello)

	require.NoError(t, dbg.Continue())

	assert.True(t, dbg.Finished())
	code, exited := dbg.ExitCode()
	require.True(t, exited)
	assert.Equal(t, 3, code)
	assert.Contains(t, out.String(), "Process finished running.")
}

func TestBreakpointTransparency(t *testing.T) {
	dbg, _ := launch(t, testfix.Hello)

	addr, err := dbg.Context().FunctionByName("main")
	require.NoError(t, err)
	abs, err := dbg.abs(addr)
	require.NoError(t, err)

	original, err := dbg.ReadMemory(addr)
	require.NoError(t, err)

	bp := newBreakpoint(dbg, abs)
	assert.False(t, bp.Enabled())

	require.NoError(t, bp.Enable())
	assert.True(t, bp.Enabled())
	assert.Equal(t, byte(original), bp.SavedByte())

	patched, err := dbg.ReadMemory(addr)
	require.NoError(t, err)
	assert.Equal(t, byte(int3), byte(patched))
	assert.Equal(t, original>>8, patched>>8, "only the low byte may change")

	// enable on an enabled breakpoint is a no-op
	require.NoError(t, bp.Enable())
	assert.Equal(t, byte(original), bp.SavedByte())

	require.NoError(t, bp.Disable())
	restored, err := dbg.ReadMemory(addr)
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	// disable on a disabled breakpoint is a no-op
	require.NoError(t, bp.Disable())
	restored, err = dbg.ReadMemory(addr)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestBreakpointTableKeys(t *testing.T) {
	dbg, _ := launch(t, testfix.Hello)

	addr := breakAtLine(t, dbg, testfix.Hello, "break here")
	offset, _ := dbg.LoadOffset()

	bp, ok := dbg.breakpoints[addr]
	require.True(t, ok)
	assert.Equal(t, addr+offset, bp.Addr())
	assert.Equal(t, []uint64{addr}, dbg.BreakpointAddrs())

	require.NoError(t, dbg.DisableBreakpoint(addr, false))
	assert.False(t, bp.Enabled())
	assert.Len(t, dbg.BreakpointAddrs(), 1, "disable keeps the table entry")

	require.NoError(t, dbg.RemoveBreakpoint(addr, false))
	assert.Empty(t, dbg.BreakpointAddrs())

	// removing an absent breakpoint is fine
	require.NoError(t, dbg.RemoveBreakpoint(addr, false))
}

func TestBreakpointHitAndResume(t *testing.T) {
	dbg, out := launch(t, testfix.Hello)

	addr := breakAtLine(t, dbg, testfix.Hello, "break here")

	require.NoError(t, dbg.Continue())
	require.False(t, dbg.Finished())

	// the PC was backed up onto the trapped instruction
	pc, err := dbg.RelPC()
	require.NoError(t, err)
	assert.Equal(t, addr, pc)
	assert.Equal(t, testfix.Line(t, testfix.Hello, "break here"), currentLineNumber(t, dbg))
	assert.Contains(t, out.String(), "Hit breakpoint at")

	require.NoError(t, dbg.Continue())
	assert.True(t, dbg.Finished())
	code, exited := dbg.ExitCode()
	require.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestResumeTransparencyAcrossLoop(t *testing.T) {
	dbg, _ := launch(t, testfix.Loop)

	addr := breakAtLine(t, dbg, testfix.Loop, "loop body")
	bodyLine := testfix.Line(t, testfix.Loop, "loop body")

	for i := 0; i < 3; i++ {
		require.NoError(t, dbg.Continue())
		require.False(t, dbg.Finished(), "iteration %d", i)
		assert.Equal(t, bodyLine, currentLineNumber(t, dbg))

		// int3 is in place while stopped at the armed breakpoint
		word, err := dbg.ReadMemory(addr)
		require.NoError(t, err)
		assert.Equal(t, byte(int3), byte(word))
	}

	require.NoError(t, dbg.Continue())
	require.True(t, dbg.Finished())

	// the displaced instruction executed unmodified every iteration
	code, exited := dbg.ExitCode()
	require.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestMemoryWrite(t *testing.T) {
	dbg, _ := launch(t, testfix.Global)

	symbols := dbg.Context().LookupSymbol("x")
	require.NotEmpty(t, symbols)
	addr := symbols[0].Addr

	breakAtLine(t, dbg, testfix.Global, "read line")
	require.NoError(t, dbg.Continue())
	require.False(t, dbg.Finished())

	word, err := dbg.ReadMemory(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), uint32(word))

	require.NoError(t, dbg.WriteMemory(addr, 0x2a))
	word, err = dbg.ReadMemory(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2a), uint32(word))

	require.NoError(t, dbg.Continue())
	code, exited := dbg.ExitCode()
	require.True(t, exited)
	assert.Equal(t, 0x2a, code)
}

func TestRegisters(t *testing.T) {
	dbg, _ := launch(t, testfix.Hello)

	values, err := dbg.Registers()
	require.NoError(t, err)
	assert.Len(t, values, regs.Count)

	pc, err := dbg.ReadRegister("rip")
	require.NoError(t, err)
	assert.NotZero(t, pc)

	require.NoError(t, dbg.WriteRegister("rax", 0x63))
	value, err := dbg.ReadRegister("rax")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x63), value)

	value, err = dbg.ReadRegisterDwarf(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x63), value)

	_, err = dbg.ReadRegister("xmm0")
	assert.ErrorIs(t, err, regs.ErrUnknownRegister)
	assert.ErrorIs(t, dbg.WriteRegister("xmm0", 1), regs.ErrUnknownRegister)
}

func TestStepInstruction(t *testing.T) {
	dbg, _ := launch(t, testfix.Hello)

	before, err := dbg.ReadRegister("rip")
	require.NoError(t, err)

	require.NoError(t, dbg.StepInstruction())
	require.False(t, dbg.Finished())

	after, err := dbg.ReadRegister("rip")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestStepInEntersCall(t *testing.T) {
	dbg, _ := launch(t, testfix.Call)

	breakAtLine(t, dbg, testfix.Call, "call line")
	require.NoError(t, dbg.Continue())
	require.False(t, dbg.Finished())

	callLine := testfix.Line(t, testfix.Call, "call line")
	bodyLine := testfix.Line(t, testfix.Call, "compute body")
	require.Equal(t, callLine, currentLineNumber(t, dbg))

	require.NoError(t, dbg.StepIn())
	require.False(t, dbg.Finished())

	// landed inside compute, on its signature or first statement
	line := currentLineNumber(t, dbg)
	assert.NotEqual(t, callLine, line)
	assert.LessOrEqual(t, line, bodyLine)
}

func TestStepOverSkipsCall(t *testing.T) {
	dbg, _ := launch(t, testfix.Call)

	breakAtLine(t, dbg, testfix.Call, "call line")
	require.NoError(t, dbg.Continue())
	require.False(t, dbg.Finished())

	table := dbg.BreakpointAddrs()

	require.NoError(t, dbg.StepOver())
	require.False(t, dbg.Finished())

	callLine := testfix.Line(t, testfix.Call, "call line")
	afterLine := testfix.Line(t, testfix.Call, "after line")
	bodyLine := testfix.Line(t, testfix.Call, "compute body")

	line := currentLineNumber(t, dbg)
	assert.NotEqual(t, bodyLine, line, "step over must not land inside compute")
	assert.GreaterOrEqual(t, line, callLine)
	assert.LessOrEqual(t, line, afterLine)

	// every temporary breakpoint was removed
	assert.Equal(t, table, dbg.BreakpointAddrs())
}

func TestStepOutReturnsToCaller(t *testing.T) {
	dbg, _ := launch(t, testfix.Call)

	breakAtLine(t, dbg, testfix.Call, "compute body")
	require.NoError(t, dbg.Continue())
	require.False(t, dbg.Finished())

	table := dbg.BreakpointAddrs()

	require.NoError(t, dbg.StepOut())
	require.False(t, dbg.Finished())

	assert.Equal(t, testfix.Line(t, testfix.Call, "call line"), currentLineNumber(t, dbg))
	assert.Equal(t, table, dbg.BreakpointAddrs())
}

func TestSegfaultDiagnostic(t *testing.T) {
	dbg, out := launch(t, testfix.Segfault)

	require.NoError(t, dbg.Continue())

	assert.True(t, dbg.Finished())
	_, exited := dbg.ExitCode()
	assert.False(t, exited)
	assert.Contains(t, out.String(), "segfaulted")
	assert.Contains(t, out.String(), "fixture.c")
}

func TestDisassemble(t *testing.T) {
	dbg, _ := launch(t, testfix.Hello)

	pc, err := dbg.RelPC()
	require.NoError(t, err)

	instructions, err := dbg.Disassemble(pc, 4)
	require.NoError(t, err)
	require.Len(t, instructions, 4)
	assert.Equal(t, pc, instructions[0].Addr)
	for _, inst := range instructions {
		assert.NotEmpty(t, inst.Text)
	}
}

func TestSaveLoadBreakpoints(t *testing.T) {
	dbg, _ := launch(t, testfix.Call)

	first := breakAtLine(t, dbg, testfix.Call, "call line")
	second := breakAtLine(t, dbg, testfix.Call, "compute body")

	path := filepath.Join(t.TempDir(), "breakpoints.yaml")
	require.NoError(t, dbg.SaveBreakpoints(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "breakpoints:")

	require.NoError(t, dbg.RemoveBreakpoint(first, false))
	require.NoError(t, dbg.RemoveBreakpoint(second, false))
	require.Empty(t, dbg.BreakpointAddrs())

	require.NoError(t, dbg.LoadBreakpoints(path))
	expected := []uint64{first, second}
	if second < first {
		expected = []uint64{second, first}
	}
	assert.Equal(t, expected, dbg.BreakpointAddrs())
}
