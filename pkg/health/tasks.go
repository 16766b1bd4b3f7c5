package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hangar/pkg/control"
	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/storage"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/types"
	"github.com/cuemby/hangar/pkg/upstream"
)

// GeneralCheck finds workers whose process runs without a control
// session, and proxy processes that belong to no worker
type GeneralCheck struct {
	Control   *control.Controller
	Inspector sysproc.Inspector
	Launcher  sysproc.Launcher
	Store     storage.Store

	// ProxyExecutable enables the orphan proxy scan when set
	ProxyExecutable string

	// Grace is how long a process may run without a session
	Grace time.Duration

	now func() time.Time
}

func (g *GeneralCheck) Name() string { return "general" }

func (g *GeneralCheck) Check(ctx context.Context) Result {
	start := time.Now()
	now := time.Now
	if g.now != nil {
		now = g.now
	}

	snaps, err := g.Control.Status(ctx)
	if err != nil {
		return result(start, false, fmt.Sprintf("status query failed: %v", err))
	}

	var stuck []string
	for _, s := range snaps {
		if s.PID == 0 || s.Connected || s.Phase == types.WorkerPhaseStarting {
			continue
		}
		if s.Started.IsZero() || now().Sub(s.Started) < g.Grace {
			continue
		}
		stuck = append(stuck, s.ID.String())
		g.Control.ScheduleRestart(types.Worker(s.ID), "process without control session")
	}

	orphans := g.killOrphanProxies(snaps)

	if len(stuck) == 0 && orphans == 0 {
		return result(start, true, fmt.Sprintf("%d workers healthy", len(snaps)))
	}
	return result(start, false, fmt.Sprintf("stuck workers [%s], %d orphaned proxies terminated",
		strings.Join(stuck, ","), orphans))
}

func (g *GeneralCheck) killOrphanProxies(snaps []types.WorkerSnapshot) int {
	known := make(map[int]bool)
	workers := make(map[types.WorkerID]bool)
	for _, s := range snaps {
		workers[s.ID] = true
		if s.ProxyPID != 0 {
			known[s.ProxyPID] = true
		}
	}

	if g.Store != nil {
		if recs, err := g.Store.ListProxies(); err == nil {
			for _, rec := range recs {
				if workers[rec.WorkerID] {
					continue
				}
				if err := g.Store.DeleteProxy(rec.WorkerID); err != nil {
					logger := log.WithComponent("health")
					logger.Warn().Err(err).
						Int("worker_id", int(rec.WorkerID)).
						Msg("Failed to delete stale proxy record")
				}
			}
		}
	}

	if g.ProxyExecutable == "" || g.Inspector == nil || g.Launcher == nil {
		return 0
	}
	found, err := g.Inspector.Find(sysproc.Filter{Exe: g.ProxyExecutable})
	if err != nil {
		return 0
	}

	killed := 0
	for _, info := range found {
		if known[info.PID] {
			continue
		}
		proc, err := g.Launcher.Attach(info.PID)
		if err != nil {
			continue
		}
		if err := proc.Terminate(); err == nil {
			killed++
		}
	}
	return killed
}

// DiskCheck reports free space on the data volume
type DiskCheck struct {
	Path        string
	WarnPercent float64
}

func (d *DiskCheck) Name() string { return "disk" }

func (d *DiskCheck) Check(ctx context.Context) Result {
	start := time.Now()

	total, free, err := sysproc.DiskUsage(d.Path)
	if err != nil {
		if errors.Is(err, sysproc.ErrUnsupported) {
			return result(start, true, "disk usage not available on this platform")
		}
		return result(start, false, fmt.Sprintf("failed to read disk usage of %s: %v", d.Path, err))
	}
	metrics.HostDiskFreeBytes.Set(float64(free))
	if total == 0 {
		return result(start, true, "disk size unknown")
	}

	used := 100 * float64(total-free) / float64(total)
	msg := fmt.Sprintf("%s is %.1f%% full (%d MiB free)", d.Path, used, free>>20)
	if d.WarnPercent > 0 && used >= d.WarnPercent {
		return result(start, false, msg)
	}
	return result(start, true, msg)
}

// PublicIPCheck watches the host's public address and announces changes
type PublicIPCheck struct {
	Bus     *events.Bus
	Sources []*HTTPChecker

	mu   sync.Mutex
	last string
}

// NewPublicIPCheck queries urls in order until one answers
func NewPublicIPCheck(bus *events.Bus, urls []string) *PublicIPCheck {
	c := &PublicIPCheck{Bus: bus}
	for _, u := range urls {
		c.Sources = append(c.Sources, NewHTTPChecker(u))
	}
	return c
}

func (p *PublicIPCheck) Name() string { return "public_ip" }

func (p *PublicIPCheck) Check(ctx context.Context) Result {
	start := time.Now()

	ip, err := p.lookup(ctx)
	if err != nil {
		return result(start, false, err.Error())
	}

	p.mu.Lock()
	old := p.last
	p.last = ip
	p.mu.Unlock()

	if old != "" && old != ip {
		p.Bus.Emit(events.PublicIPChanged{Old: old, New: ip})
		return result(start, true, fmt.Sprintf("public IP changed from %s to %s", old, ip))
	}
	return result(start, true, "public IP is "+ip)
}

func (p *PublicIPCheck) lookup(ctx context.Context) (string, error) {
	var errs []error
	for _, src := range p.Sources {
		body, err := src.Fetch(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.URL, err))
			continue
		}
		if ip := net.ParseIP(body); ip != nil {
			return ip.String(), nil
		}
		errs = append(errs, fmt.Errorf("%s: not an IP address: %q", src.URL, body))
	}
	if len(errs) == 0 {
		return "", errors.New("no public IP source configured")
	}
	return "", errors.Join(errs...)
}

// VersionCheck compares an installed version with the latest one an
// upstream reports and emits a notice once per new version
type VersionCheck struct {
	TaskName string
	Bus      *events.Bus
	Source   upstream.VersionChecker
	Current  string

	// Notice builds the event for a newer version
	Notice func(current, latest string) events.Payload

	mu       sync.Mutex
	notified string
}

// NewPatchCheck watches the game build
func NewPatchCheck(bus *events.Bus, src upstream.VersionChecker, current string) *VersionCheck {
	return &VersionCheck{
		TaskName: "patch",
		Bus:      bus,
		Source:   src,
		Current:  current,
		Notice: func(current, latest string) events.Payload {
			return events.PatchAvailable{Current: current, Latest: latest}
		},
	}
}

// NewUpdateCheck watches the supervisor release
func NewUpdateCheck(bus *events.Bus, src upstream.VersionChecker, current string) *VersionCheck {
	return &VersionCheck{
		TaskName: "self_update",
		Bus:      bus,
		Source:   src,
		Current:  current,
		Notice: func(current, latest string) events.Payload {
			return events.UpdateAvailable{Current: current, Latest: latest}
		},
	}
}

func (v *VersionCheck) Name() string { return v.TaskName }

func (v *VersionCheck) Check(ctx context.Context) Result {
	start := time.Now()

	latest, err := v.Source.CheckLatestVersion(ctx)
	if err != nil {
		return result(start, false, fmt.Sprintf("version check failed: %v", err))
	}
	if latest == "" || latest == v.Current {
		return result(start, true, "up to date at "+v.Current)
	}

	v.mu.Lock()
	first := v.notified != latest
	v.notified = latest
	v.mu.Unlock()

	if first {
		v.Bus.Emit(v.Notice(v.Current, latest))
	}
	return result(start, true, fmt.Sprintf("version %s available (running %s)", latest, v.Current))
}

// LogAgentCheck keeps the log-shipping agent running
type LogAgentCheck struct {
	Bus       *events.Bus
	Inspector sysproc.Inspector
	Agent     string

	// Restart is run when the agent is missing. Optional.
	Restart *ExecChecker
}

func (l *LogAgentCheck) Name() string { return "log_agent" }

func (l *LogAgentCheck) Check(ctx context.Context) Result {
	start := time.Now()

	found, err := l.Inspector.Find(sysproc.Filter{Exe: l.Agent})
	if err != nil {
		if errors.Is(err, sysproc.ErrUnsupported) {
			return result(start, true, "process scan not available on this platform")
		}
		return result(start, false, fmt.Sprintf("process scan failed: %v", err))
	}
	if len(found) > 0 {
		return result(start, true, fmt.Sprintf("%s running (pid %d)", l.Agent, found[0].PID))
	}

	l.Bus.Emit(events.LogAgentDown{Name: l.Agent})
	if l.Restart == nil {
		return result(start, false, l.Agent+" is not running")
	}
	r := l.Restart.Check(ctx)
	return result(start, false, fmt.Sprintf("%s is not running, restart: %s", l.Agent, r.Message))
}
