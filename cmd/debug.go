package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Manu343726/chinche/pkg/debugger"
	"github.com/Manu343726/chinche/pkg/utils"
)

// Color definitions for debugger output
var (
	// Address colors
	colorAddr = color.New(color.FgCyan)
	// Register name colors
	colorReg = color.New(color.FgGreen)
	// Instruction text colors
	colorInstr = color.New(color.FgYellow)
	// Value colors (numeric values)
	colorValue = color.New(color.FgWhite, color.Bold)
	// Prompt colors
	colorPrompt = color.New(color.FgBlue, color.Bold)
	// Error colors
	colorError = color.New(color.FgRed, color.Bold)
	// Success/info colors
	colorSuccess = color.New(color.FgGreen)
)

// debugSession holds the state of an interactive debugging session
type debugSession struct {
	dbg     *debugger.Debugger
	lastCmd string
	quit    bool
}

func runDebug(cmd *cobra.Command, args []string) error {
	prog := args[0]

	dbg, err := debugger.Launch(prog, &debugger.Options{
		Logger:        slog.Default(),
		SourceContext: viper.GetInt("source-context"),
	})
	if err != nil {
		return err
	}
	defer dbg.Close()

	// The child is stopped by the exec trap before its first user
	// instruction; the first wait observes that stop and resolves the
	// load offset.
	if err := dbg.WaitForSignal(); err != nil {
		return err
	}
	if offset, ok := dbg.LoadOffset(); ok {
		fmt.Printf("Process %d loaded at %s\n", dbg.Pid(), colorAddr.Sprint(utils.FormatHex(offset)))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          colorPrompt.Sprint(viper.GetString("prompt")),
		HistoryFile:     viper.GetString("history-file"),
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	session := &debugSession{dbg: dbg}
	for !dbg.Finished() && !session.quit {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			// Repeat last command
			line = session.lastCmd
		}
		if line == "" {
			continue
		}
		session.lastCmd = line
		session.executeCommand(line)
	}

	return nil
}

// executeCommand dispatches one operator line. The first token is
// prefix-matched against the command names, first match wins.
func (s *debugSession) executeCommand(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	cmd := args[0]
	args = args[1:]

	switch {
	case utils.IsPrefixOf(cmd, "continue"):
		s.report(s.dbg.Continue())
	case utils.IsPrefixOf(cmd, "break"):
		s.cmdBreak(args)
	case utils.IsPrefixOf(cmd, "stepi"):
		s.report(s.dbg.StepInstruction())
	case utils.IsPrefixOf(cmd, "stepl"):
		s.report(s.dbg.StepIn())
	case utils.IsPrefixOf(cmd, "next"):
		s.report(s.dbg.StepOver())
	case utils.IsPrefixOf(cmd, "finish"):
		s.report(s.dbg.StepOut())
	case utils.IsPrefixOf(cmd, "registers"):
		s.cmdRegisters(args)
	case utils.IsPrefixOf(cmd, "memory"):
		s.cmdMemory(args)
	case utils.IsPrefixOf(cmd, "symbol"):
		s.cmdSymbol(args)
	case utils.IsPrefixOf(cmd, "disas"):
		s.cmdDisas(args)
	case utils.IsPrefixOf(cmd, "help"):
		s.cmdHelp()
	case utils.IsPrefixOf(cmd, "quit"):
		s.quit = true
	default:
		fmt.Fprintln(os.Stderr, "Unknown command")
	}
}

func (s *debugSession) report(err error) {
	if err != nil {
		colorError.Fprintln(os.Stderr, err)
	}
}

func (s *debugSession) cmdBreak(args []string) {
	if len(args) == 0 {
		colorError.Fprintln(os.Stderr, "break needs an address, a function name or file:line")
		return
	}

	switch args[0] {
	case "list":
		addrs := s.dbg.BreakpointAddrs()
		if len(addrs) == 0 {
			fmt.Println("No breakpoints set")
			return
		}
		for _, addr := range addrs {
			fmt.Println(colorAddr.Sprint(utils.FormatHex(addr)))
		}
		return
	case "save":
		if len(args) < 2 {
			colorError.Fprintln(os.Stderr, "break save needs a file path")
			return
		}
		if err := s.dbg.SaveBreakpoints(args[1]); err == nil {
			colorSuccess.Printf("Breakpoints saved to %s\n", args[1])
		} else {
			s.report(err)
		}
		return
	case "load":
		if len(args) < 2 {
			colorError.Fprintln(os.Stderr, "break load needs a file path")
			return
		}
		s.report(s.dbg.LoadBreakpoints(args[1]))
		return
	}

	target := args[0]

	if strings.HasPrefix(target, "0x") || strings.HasPrefix(target, "0X") {
		addr, err := utils.ParseHex(target)
		if err != nil {
			colorError.Fprintf(os.Stderr, "bad address %q\n", target)
			return
		}
		s.report(s.dbg.SetBreakpoint(addr, true))
		return
	}

	if file, line, ok := utils.SplitLocation(target); ok {
		s.report(s.dbg.SetBreakpointAtSourceLine(file, line))
		return
	}

	s.report(s.dbg.SetBreakpointAtFunction(target))
}

func (s *debugSession) cmdRegisters(args []string) {
	if len(args) == 0 {
		colorError.Fprintln(os.Stderr, "registers needs print, read or write")
		return
	}

	sub := args[0]
	args = args[1:]

	switch {
	case utils.IsPrefixOf(sub, "print"):
		values, err := s.dbg.Registers()
		if err != nil {
			s.report(err)
			return
		}
		for _, value := range values {
			fmt.Printf("%s %s\n",
				colorReg.Sprintf("%-8s", value.Name),
				colorValue.Sprint(utils.FormatHexFull(value.Value)))
		}

	case utils.IsPrefixOf(sub, "read"):
		if len(args) < 1 {
			colorError.Fprintln(os.Stderr, "registers read needs a register name")
			return
		}
		value, err := s.dbg.ReadRegister(args[0])
		if err != nil {
			s.report(err)
			return
		}
		fmt.Println(colorValue.Sprint(utils.FormatHex(value)))

	case utils.IsPrefixOf(sub, "write"):
		if len(args) < 2 {
			colorError.Fprintln(os.Stderr, "registers write needs a register name and a value")
			return
		}
		value, err := utils.ParseHex(args[1])
		if err != nil {
			colorError.Fprintf(os.Stderr, "bad value %q\n", args[1])
			return
		}
		s.report(s.dbg.WriteRegister(args[0], value))

	default:
		fmt.Fprintln(os.Stderr, "Unknown command")
	}
}

func (s *debugSession) cmdMemory(args []string) {
	if len(args) < 2 {
		colorError.Fprintln(os.Stderr, "memory needs read <addr> or write <addr> <value>")
		return
	}

	sub := args[0]
	addr, err := utils.ParseHex(args[1])
	if err != nil {
		colorError.Fprintf(os.Stderr, "bad address %q\n", args[1])
		return
	}

	switch {
	case utils.IsPrefixOf(sub, "read"):
		value, err := s.dbg.ReadMemory(addr)
		if err != nil {
			s.report(err)
			return
		}
		fmt.Println(colorValue.Sprint(utils.FormatHex(value)))

	case utils.IsPrefixOf(sub, "write"):
		if len(args) < 3 {
			colorError.Fprintln(os.Stderr, "memory write needs an address and a value")
			return
		}
		value, err := utils.ParseHex(args[2])
		if err != nil || value > 0xff {
			colorError.Fprintf(os.Stderr, "bad byte value %q\n", args[2])
			return
		}
		s.report(s.dbg.WriteMemory(addr, byte(value)))

	default:
		fmt.Fprintln(os.Stderr, "Unknown command")
	}
}

func (s *debugSession) cmdSymbol(args []string) {
	if len(args) == 0 {
		colorError.Fprintln(os.Stderr, "symbol needs a name")
		return
	}

	symbols := s.dbg.Context().LookupSymbol(args[0])
	if len(symbols) == 0 {
		fmt.Printf("No symbols named %q\n", args[0])
		return
	}
	for _, sym := range symbols {
		fmt.Printf("%s %s %s\n",
			sym.Name, sym.Kind, colorAddr.Sprint(utils.FormatHex(sym.Addr)))
	}
}

func (s *debugSession) cmdDisas(args []string) {
	addr, err := s.dbg.RelPC()
	if err != nil {
		s.report(err)
		return
	}
	count := 8

	if len(args) >= 1 {
		addr, err = utils.ParseHex(args[0])
		if err != nil {
			colorError.Fprintf(os.Stderr, "bad address %q\n", args[0])
			return
		}
	}
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			colorError.Fprintf(os.Stderr, "bad instruction count %q\n", args[1])
			return
		}
		count = n
	}

	pc, _ := s.dbg.RelPC()
	instructions, err := s.dbg.Disassemble(addr, count)
	if err != nil {
		s.report(err)
		return
	}

	for _, inst := range instructions {
		marker := "   "
		if inst.Addr == pc {
			marker = "=> "
		}
		fmt.Printf("%s%s  %s\n", marker,
			colorAddr.Sprint(utils.FormatHexFull(inst.Addr)),
			colorInstr.Sprint(inst.Text))
	}
}

func (s *debugSession) cmdHelp() {
	fmt.Print(`Available commands (prefixes accepted):
  continue                     resume until the next stop
  break <0xaddr|func|file:ln>  set a breakpoint
  break list|save <f>|load <f> inspect or persist the breakpoint table
  stepi                        step one instruction
  stepl                        step to the next source line (enters calls)
  next                         step over the current source line
  finish                       run until the current function returns
  registers print|read|write   inspect or change registers
  memory read|write            peek or poke tracee memory
  symbol <name>                look up an ELF symbol
  disas [0xaddr] [n]           disassemble from the PC or 0xaddr
  quit                         end the session
`)
}
