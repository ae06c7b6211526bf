//go:build unix

package sandbox

import (
	"os"
	"syscall"
)

// terminateGroup sends SIGTERM to the process group led by p, falling back
// to p alone.
func terminateGroup(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		return p.Signal(syscall.SIGTERM)
	}
	return nil
}

// killGroup sends SIGKILL to the process group led by p, falling back to p
// alone.
func killGroup(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
