package dwarfctx

import (
	"bufio"
	"os"
	"strings"

	"github.com/Manu343726/chinche/pkg/utils"
)

// SourceExcerpt renders the source lines around line, with a cursor
// marker on the line itself. context lines are shown on each side. The
// source file must still be readable at the path recorded in the debug
// info.
func SourceExcerpt(file string, line int, context int) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", utils.MakeError(ErrNotFound, "cannot open source file %q", file)
	}
	defer f.Close()

	start := 1
	if line > context {
		start = line - context
	}
	end := line + context

	var out strings.Builder
	scanner := bufio.NewScanner(f)

	for current := 1; scanner.Scan(); current++ {
		if current < start {
			continue
		}
		if current > end {
			break
		}

		if current == line {
			out.WriteString("> ")
		} else {
			out.WriteString("  ")
		}
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	return out.String(), nil
}
