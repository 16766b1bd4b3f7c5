//go:build !linux

package sysproc

import "fmt"

// inspector without a process table. Status falls back to a liveness
// probe; Find and memory queries are unsupported.
type inspector struct{}

func newInspector() (inspector, error) {
	return inspector{}, nil
}

func (inspector) Status(pid int) (State, error) {
	alive, err := processAlive(pid)
	if err != nil {
		return StateGone, fmt.Errorf("pid %d: %w", pid, err)
	}
	if !alive {
		return StateGone, nil
	}
	return StateRunning, nil
}

func (inspector) Cmdline(pid int) ([]string, error) {
	return nil, ErrUnsupported
}

func (inspector) Find(f Filter) ([]Info, error) {
	return nil, ErrUnsupported
}

func (inspector) AvailableMemory() (uint64, error) {
	return 0, ErrUnsupported
}
