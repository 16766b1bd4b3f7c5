//go:build unix

package sysproc

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// detachedAttr puts the child in its own process group so signals sent to
// the supervisor's group do not reach it
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}

var niceness = map[Priority]int{
	PriorityIdle:   19,
	PriorityNormal: 0,
	PriorityHigh:   -10,
}

func setPriority(pid int, p Priority) error {
	nice, ok := niceness[p]
	if !ok {
		return errors.New("unknown priority " + p.String())
	}
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}

func processAlive(pid int) (bool, error) {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, err
	}
}
