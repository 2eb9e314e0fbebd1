// Package testfix compiles small C programs with debug info for tests
// that need a real tracee. Tests are skipped where no compiler is
// available or the platform cannot run the tracee.
package testfix

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// Hello assigns two locals and returns their sum.
const Hello = `int main() {
    int a = 1;
    int b = 2; /* break here */
    return a + b;
}
`

// Call computes through a helper function.
const Call = `int compute(int a, int b) {
    int result = a * b; /* compute body */
    return result;
}

int main() {
    int a = 6; /* main start */
    int sum = compute(a, 7); /* call line */
    int after = sum + 1; /* after line */
    return after & 0x7f;
}
`

// Global reads a global into the exit code.
const Global = `int x = 7;

int main() {
    int y = x; /* read line */
    return y;
}
`

// Loop accumulates over a small loop.
const Loop = `int main() {
    int total = 0;
    for (int i = 0; i < 3; i++) {
        total += i; /* loop body */
    }
    return total;
}
`

// Segfault dereferences null.
const Segfault = `int main() {
    int *p = 0;
    *p = 1; /* crash line */
    return 0;
}
`

// Build compiles a fixture source with debug info and no optimization,
// returning the path of the binary. Skips the test when there is no
// toolchain to build or trace it.
func Build(t testing.TB, source string) string {
	t.Helper()

	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skipf("fixture tracing requires linux/amd64, running on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler in PATH")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "fixture.c")
	if err := os.WriteFile(src, []byte(source), 0644); err != nil {
		t.Fatalf("writing fixture source: %v", err)
	}

	bin := filepath.Join(dir, "fixture")
	out, err := exec.Command(cc, "-g", "-O0", "-o", bin, src).CombinedOutput()
	if err != nil {
		t.Fatalf("cc failed: %v\n%s", err, out)
	}
	return bin
}

// Line returns the 1-based number of the first source line containing
// the marker.
func Line(t testing.TB, source string, marker string) int {
	t.Helper()

	for i, line := range strings.Split(source, "\n") {
		if strings.Contains(line, marker) {
			return i + 1
		}
	}
	t.Fatalf("no line contains %q", marker)
	return 0
}
