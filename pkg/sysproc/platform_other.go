//go:build !unix && !windows

package sysproc

import (
	"os"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(p *os.Process) error {
	return p.Kill()
}

func setPriority(pid int, p Priority) error {
	return ErrUnsupported
}

func processAlive(pid int) (bool, error) {
	return false, ErrUnsupported
}
