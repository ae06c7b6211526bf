//go:build unix && !linux

package sandbox

import (
	"fmt"
	"runtime"
	"syscall"
)

func sysProcAttr(policy Policy) (*syscall.SysProcAttr, error) {
	if !policy.AllowNetwork {
		return nil, fmt.Errorf("network isolation is not supported on %s", runtime.GOOS)
	}
	return &syscall.SysProcAttr{Setpgid: true}, nil
}

// isolationRefused is never true here: sysProcAttr refuses isolated
// commands before they start.
func isolationRefused(error) bool {
	return false
}
