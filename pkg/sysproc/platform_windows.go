//go:build windows

package sysproc

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

const stillActive = 259

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// terminate has no graceful signal on Windows
func terminate(p *os.Process) error {
	return p.Kill()
}

var priorityClass = map[Priority]uint32{
	PriorityIdle:   windows.IDLE_PRIORITY_CLASS,
	PriorityNormal: windows.NORMAL_PRIORITY_CLASS,
	PriorityHigh:   windows.HIGH_PRIORITY_CLASS,
}

func setPriority(pid int, p Priority) error {
	class, ok := priorityClass[p]
	if !ok {
		return errors.New("unknown priority " + p.String())
	}
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.SetPriorityClass(h, class)
}

func processAlive(pid int) (bool, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return false, nil
		}
		return false, err
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false, err
	}
	return code == stillActive, nil
}
