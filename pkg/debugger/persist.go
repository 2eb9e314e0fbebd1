package debugger

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Manu343726/chinche/pkg/utils"
)

type breakpointFile struct {
	Breakpoints []string `yaml:"breakpoints"`
}

// SaveBreakpoints writes the table's relative addresses to a YAML file,
// sorted, so a later session against the same binary can restore them.
func (d *Debugger) SaveBreakpoints(path string) error {
	file := breakpointFile{}
	for _, addr := range d.BreakpointAddrs() {
		file.Breakpoints = append(file.Breakpoints, utils.FormatHex(addr))
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadBreakpoints installs every breakpoint listed in a file previously
// written by SaveBreakpoints.
func (d *Debugger) LoadBreakpoints(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file breakpointFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing breakpoint file %q: %w", path, err)
	}

	for _, field := range file.Breakpoints {
		addr, err := utils.ParseHex(field)
		if err != nil {
			return fmt.Errorf("breakpoint file %q: bad address %q: %w", path, field, err)
		}
		if err := d.SetBreakpoint(addr, true); err != nil {
			return err
		}
	}
	return nil
}
