//go:build linux

package sysproc

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/procfs"
)

type inspector struct {
	fs procfs.FS
}

func newInspector() (inspector, error) {
	pfs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		return inspector{}, fmt.Errorf("failed to open procfs: %w", err)
	}
	return inspector{fs: pfs}, nil
}

// Status maps the /proc/<pid>/stat state letter to a State
func (i inspector) Status(pid int) (State, error) {
	p, err := i.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StateGone, nil
		}
		return StateGone, fmt.Errorf("pid %d: %w", pid, err)
	}

	stat, err := p.Stat()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StateGone, nil
		}
		return StateGone, fmt.Errorf("pid %d stat: %w", pid, err)
	}

	switch stat.State {
	case "Z", "X", "x":
		return StateZombie, nil
	case "T", "t":
		return StateStopped, nil
	default:
		return StateRunning, nil
	}
}

func (i inspector) Cmdline(pid int) ([]string, error) {
	p, err := i.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return nil, err
	}
	return p.CmdLine()
}

// Find scans every process. Processes that vanish or deny access while
// being read are skipped.
func (i inspector) Find(f Filter) ([]Info, error) {
	procs, err := i.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var found []Info
	for _, p := range procs {
		cmdline, err := p.CmdLine()
		if err != nil || len(cmdline) == 0 {
			continue
		}
		exe, err := p.Executable()
		if err != nil || exe == "" {
			exe = cmdline[0]
		}

		info := Info{PID: p.PID, Exe: exe, Cmdline: cmdline}
		if f.Match(info) {
			found = append(found, info)
		}
	}
	return found, nil
}

// AvailableMemory returns MemAvailable from /proc/meminfo in bytes
func (i inspector) AvailableMemory() (uint64, error) {
	mi, err := i.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if mi.MemAvailable == nil {
		return 0, ErrUnsupported
	}
	return *mi.MemAvailable * 1024, nil
}
