//go:build linux

package sandbox

import (
	"errors"
	"os"
	"syscall"
)

// sysProcAttr starts commands in their own process group. Without network
// access they also get a fresh user and network namespace, which leaves only
// a loopback interface that is down.
func sysProcAttr(policy Policy) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if policy.AllowNetwork {
		return attr, nil
	}
	uid, gid := os.Getuid(), os.Getgid()
	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	return attr, nil
}

// isolationRefused reports whether a start failure is the kernel refusing
// the new namespaces rather than a problem with the command itself.
func isolationRefused(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EINVAL)
}
