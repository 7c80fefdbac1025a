package harness

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ptyPair is one end of a Unix 98 pseudo-terminal: master, opened against
// /dev/ptmx by hand since os/exec has no pty-allocation call of its own, and
// the path of the paired slave the emulator's -serial argument attaches to.
type ptyPair struct {
	master    *os.File
	slavePath string

	rawState *term.State
}

// openPty allocates a pseudo-terminal pair via the raw ioctl(TIOCGPTN)/
// ioctl(TIOCSPTLCK) dance golang.org/x/sys/unix exposes and os/exec does
// not, then puts the master side into raw mode so control bytes the
// kernel's COM1 driver writes (and in principle could read back) cross the
// wire unmangled by the host tty's line discipline.
func openPty() (*ptyPair, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("harness: open /dev/ptmx: %w", err)
	}

	if err := unix.IoctlSetPointerInt(int(master.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, fmt.Errorf("harness: unlock pty: %w", err)
	}

	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("harness: query pty number: %w", err)
	}

	rawState, err := term.MakeRaw(int(master.Fd()))
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("harness: set pty raw mode: %w", err)
	}

	return &ptyPair{
		master:    master,
		slavePath: "/dev/pts/" + strconv.Itoa(n),
		rawState:  rawState,
	}, nil
}

// Close restores the master's original terminal mode and closes it. The
// emulator process holds the slave side open for the duration of the run;
// closing the master here is what makes its next read return EOF.
func (p *ptyPair) Close() error {
	if p.rawState != nil {
		term.Restore(int(p.master.Fd()), p.rawState)
	}
	return p.master.Close()
}
