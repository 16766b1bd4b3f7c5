package config

import (
	"runtime"
	"strings"

	"github.com/cuemby/hangar/pkg/types"
)

// SlaveIDFlag identifies a worker slot on the Linux command line
const SlaveIDFlag = "-slave_id"

// ArgBuilder turns a worker's settings into an argv
type ArgBuilder interface {
	Build(id types.WorkerID, settings map[string]string) []string

	// Identity returns the contiguous argv tokens that tie a running
	// process to its slot, or nil when the platform has none.
	Identity(id types.WorkerID) []string
}

// PlatformArgBuilder builds the argv of the worker executable
type PlatformArgBuilder struct {
	Executable string
	ExtraArgs  []string

	// GOOS defaults to runtime.GOOS
	GOOS string
}

// NewArgBuilder returns the builder for the configured executable
func NewArgBuilder(cfg *Config) *PlatformArgBuilder {
	return &PlatformArgBuilder{
		Executable: cfg.Worker.Executable,
		ExtraArgs:  cfg.Worker.ExtraArgs,
	}
}

func (b *PlatformArgBuilder) goos() string {
	if b.GOOS == "" {
		return runtime.GOOS
	}
	return b.GOOS
}

// Build returns
//
//	<exe> -dedicated [-noconsole] -noconfig -execute "Set k v;..." [extra] [-slave_id N]
//
// Settings appear in key order. The console and slave flags are platform
// specific.
func (b *PlatformArgBuilder) Build(id types.WorkerID, settings map[string]string) []string {
	argv := []string{b.Executable, "-dedicated"}
	if b.goos() == "windows" {
		argv = append(argv, "-noconsole")
	}
	argv = append(argv, "-noconfig")

	if len(settings) > 0 {
		sets := make([]string, 0, len(settings))
		for _, k := range sortedKeys(settings) {
			sets = append(sets, "Set "+k+" "+settings[k])
		}
		argv = append(argv, "-execute", strings.Join(sets, ";"))
	}

	argv = append(argv, b.ExtraArgs...)
	return append(argv, b.Identity(id)...)
}

func (b *PlatformArgBuilder) Identity(id types.WorkerID) []string {
	if b.goos() != "linux" {
		return nil
	}
	return []string{SlaveIDFlag, id.String()}
}
