package debugger

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The kernel only accepts ptrace requests from the thread that spawned
// the tracee. ptraceThread pins that thread and runs every request on it;
// both channels are unbuffered so each caller gets its own result back.
type ptraceThread struct {
	fc chan func() error
	ec chan error
}

func newPtraceThread() *ptraceThread {
	pt := &ptraceThread{
		fc: make(chan func() error),
		ec: make(chan error),
	}
	go pt.run()
	return pt
}

func (pt *ptraceThread) run() {
	runtime.LockOSThread()
	for f := range pt.fc {
		pt.ec <- f()
	}
}

func (pt *ptraceThread) do(f func() error) error {
	pt.fc <- f
	return <-pt.ec
}

func (pt *ptraceThread) stop() {
	close(pt.fc)
}

// siginfo_t as filled in by PTRACE_GETSIGINFO. Only the head is
// interesting; the union payload is left opaque.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	_     [112]byte
}

// si_code values that classify a SIGTRAP stop.
const (
	siKernel  = 0x80 // trap raised by the kernel (int3 on older kernels)
	trapBrkpt = 1    // software breakpoint
	trapTrace = 2    // single step completed
)

func (d *Debugger) peekData(addr uint64, out []byte) error {
	return d.pt.do(func() error {
		n, err := unix.PtracePeekData(d.pid, uintptr(addr), out)
		if err != nil {
			return err
		}
		if n != len(out) {
			return fmt.Errorf("peek at %#x: got %d bytes, want %d", addr, n, len(out))
		}
		return nil
	})
}

func (d *Debugger) pokeData(addr uint64, data []byte) error {
	return d.pt.do(func() error {
		n, err := unix.PtracePokeData(d.pid, uintptr(addr), data)
		if err != nil {
			return err
		}
		if n != len(data) {
			return fmt.Errorf("poke at %#x: put %d bytes, want %d", addr, n, len(data))
		}
		return nil
	})
}

func (d *Debugger) getRegs(out *unix.PtraceRegs) error {
	return d.pt.do(func() error {
		return unix.PtraceGetRegs(d.pid, out)
	})
}

func (d *Debugger) setRegs(in *unix.PtraceRegs) error {
	return d.pt.do(func() error {
		return unix.PtraceSetRegs(d.pid, in)
	})
}

func (d *Debugger) ptraceCont() error {
	return d.pt.do(func() error {
		return unix.PtraceCont(d.pid, 0)
	})
}

func (d *Debugger) ptraceSingleStep() error {
	return d.pt.do(func() error {
		return unix.PtraceSingleStep(d.pid)
	})
}

// getSiginfo issues a raw PTRACE_GETSIGINFO; x/sys has no wrapper for it.
func (d *Debugger) getSiginfo() (siginfo, error) {
	var si siginfo
	err := d.pt.do(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
			uintptr(d.pid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
	return si, err
}

func (d *Debugger) wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	err := d.pt.do(func() error {
		_, err := unix.Wait4(d.pid, &status, 0, nil)
		return err
	})
	return status, err
}
