//go:build !unix

package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
)

func terminateGroup(p *os.Process) error {
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func sysProcAttr(policy Policy) (*syscall.SysProcAttr, error) {
	if !policy.AllowNetwork {
		return nil, fmt.Errorf("network isolation is not supported on %s", runtime.GOOS)
	}
	return nil, nil
}
