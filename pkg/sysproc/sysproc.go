package sysproc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrUnsupported is returned by operations the current platform cannot perform
	ErrUnsupported = errors.New("operation not supported on this platform")

	// ErrNotFound is returned when a PID no longer refers to a process
	ErrNotFound = errors.New("process not found")
)

// State is the coarse OS-level state of a process
type State string

const (
	StateRunning State = "running"
	StateZombie  State = "zombie"
	StateStopped State = "stopped"
	StateGone    State = "gone"
)

// Alive reports whether the process can still do work
func (s State) Alive() bool {
	return s == StateRunning
}

// Priority is a scheduling class applied to a worker process
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Info describes a process found in the process table
type Info struct {
	PID     int
	Exe     string
	Cmdline []string
}

// Filter selects processes by executable base name and an argument
// sequence that must appear contiguously in the command line
type Filter struct {
	Exe  string
	Args []string
}

// Match reports whether info satisfies the filter
func (f Filter) Match(info Info) bool {
	if f.Exe != "" && !sameExe(info.Exe, f.Exe) {
		return false
	}
	return containsSeq(info.Cmdline, f.Args)
}

func sameExe(have, want string) bool {
	have = strings.TrimSuffix(strings.ToLower(filepath.Base(have)), ".exe")
	want = strings.TrimSuffix(strings.ToLower(filepath.Base(want)), ".exe")
	return have == want
}

func containsSeq(cmdline, seq []string) bool {
	if len(seq) == 0 {
		return true
	}
	for i := 0; i+len(seq) <= len(cmdline); i++ {
		match := true
		for j := range seq {
			if cmdline[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Inspector reads the host process table
type Inspector interface {
	Status(pid int) (State, error)
	Cmdline(pid int) ([]string, error)
	Find(f Filter) ([]Info, error)
}

// MemoryProbe reports available system memory in bytes
type MemoryProbe interface {
	AvailableMemory() (uint64, error)
}

// PriorityController changes the scheduling class of a process
type PriorityController interface {
	SetPriority(pid int, p Priority) error
}

// Process is a handle on a spawned or adopted OS process
type Process interface {
	PID() int
	Terminate() error
	Kill() error
}

// Launcher spawns detached processes and attaches to existing ones
type Launcher interface {
	Launch(spec Spec) (Process, error)
	Attach(pid int) (Process, error)
}

// Spec describes a process to launch
type Spec struct {
	Argv   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Host implements every interface of this package for the local machine
type Host struct {
	inspector
}

// NewHost returns the local host implementation
func NewHost() (*Host, error) {
	in, err := newInspector()
	if err != nil {
		return nil, err
	}
	return &Host{inspector: in}, nil
}

var (
	_ Inspector          = (*Host)(nil)
	_ MemoryProbe        = (*Host)(nil)
	_ PriorityController = (*Host)(nil)
	_ Launcher           = (*Host)(nil)
)

// Launch starts a detached child process. The child is reaped in the
// background so an exited child shows up as gone rather than zombie.
func (h *Host) Launch(spec Spec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Argv[0], err)
	}

	p := &process{proc: cmd.Process, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Attach returns a handle on an already running process
func (h *Host) Attach(pid int) (Process, error) {
	state, err := h.Status(pid)
	if err != nil {
		return nil, err
	}
	if state == StateGone {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	return &process{proc: proc}, nil
}

// SetPriority applies a scheduling class to pid
func (h *Host) SetPriority(pid int, p Priority) error {
	return setPriority(pid, p)
}

type process struct {
	proc *os.Process
	done chan struct{} // nil for attached processes

	mu     sync.Mutex
	killed bool
}

func (p *process) PID() int {
	return p.proc.Pid
}

func (p *process) exited() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process to exit. Terminating an exited process is
// not an error.
func (p *process) Terminate() error {
	if p.exited() {
		return nil
	}
	if err := terminate(p.proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %d: %w", p.proc.Pid, err)
	}
	return nil
}

// Kill forcibly ends the process
func (p *process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.killed || p.exited() {
		return nil
	}
	if err := p.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.proc.Pid, err)
	}
	p.killed = true
	return nil
}
