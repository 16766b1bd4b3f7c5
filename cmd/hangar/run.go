package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/hangar/pkg/api"
	"github.com/cuemby/hangar/pkg/config"
	"github.com/cuemby/hangar/pkg/control"
	"github.com/cuemby/hangar/pkg/events"
	"github.com/cuemby/hangar/pkg/health"
	"github.com/cuemby/hangar/pkg/log"
	"github.com/cuemby/hangar/pkg/manager"
	"github.com/cuemby/hangar/pkg/metrics"
	"github.com/cuemby/hangar/pkg/storage"
	"github.com/cuemby/hangar/pkg/sysproc"
	"github.com/cuemby/hangar/pkg/upstream"
	"github.com/cuemby/hangar/pkg/worker"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor",
	Long: `Run the supervisor in the foreground.

The configured workers are created, the control listener is opened and,
unless auto_start is disabled, every enabled worker is started. Worker
processes are detached and keep running when the supervisor exits; the
next run adopts them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	runCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	runCmd.Flags().String("listen-addr", "", "Address workers connect back to")
	runCmd.Flags().String("metrics-addr", "", "Address for the HTTP health and metrics server")
}

// loadRunConfig reads the configuration file and applies flag overrides
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.APIAddr = v
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DBPath())
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "")

	host, err := sysproc.NewHost()
	if err != nil {
		return fmt.Errorf("failed to initialize process inspector: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	deps := worker.Deps{
		Bus:       bus,
		Launcher:  host,
		Inspector: host,
		Memory:    host,
		Priority:  host,
		Args:      config.NewArgBuilder(cfg),
		Store:     store,
	}
	mgr := manager.NewManager(ctx, cfg, deps, worker.Options{})
	if err := mgr.Bootstrap(); err != nil {
		return fmt.Errorf("failed to create workers: %w", err)
	}
	metrics.RegisterComponent("manager", true, "")

	if err := mgr.Listen(cfg.ListenAddr); err != nil {
		metrics.RegisterComponent("listener", false, err.Error())
		return err
	}
	metrics.RegisterComponent("listener", true, "")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- mgr.Serve()
	}()

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()
	defer collector.Stop()

	ctl := control.New(bus)

	httpServer := api.NewHealthServer(ctl)
	if err := httpServer.Start(cfg.APIAddr); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	sched := newHealthScheduler(cfg, bus, ctl, host, store, mgr)
	go sched.Run(ctx)

	if cfg.AutoStart {
		ctl.StartAll()
	}

	logger.Info().
		Int("workers", cfg.WorkerCount).
		Str("listen_addr", cfg.ListenAddr).
		Str("api_addr", cfg.APIAddr).
		Msg("Supervisor running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("Listener failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := mgr.Close(); err != nil {
		logger.Warn().Err(err).Msg("Manager shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// newHealthScheduler registers the periodic maintenance tasks
func newHealthScheduler(cfg *config.Config, bus *events.Bus, ctl *control.Controller,
	host *sysproc.Host, store storage.Store, mgr *manager.Manager) *health.Scheduler {
	sched := health.NewScheduler(3)
	hc := cfg.Health

	general := &health.GeneralCheck{
		Control:   ctl,
		Inspector: host,
		Launcher:  host,
		Store:     store,
		Grace:     cfg.StartTimeout,
	}
	if cfg.Proxy.Enabled {
		general.ProxyExecutable = cfg.Proxy.Executable
	}
	sched.Add(general, hc.GeneralInterval)

	diskPath := hc.DiskPath
	if diskPath == "" {
		diskPath, _ = filepath.Abs(cfg.DataDir)
	}
	sched.Add(&health.DiskCheck{Path: diskPath, WarnPercent: hc.DiskWarnPercent}, hc.DiskInterval)

	if len(hc.PublicIPURLs) > 0 {
		sched.Add(health.NewPublicIPCheck(bus, hc.PublicIPURLs), hc.PublicIPInterval)
	}
	if hc.PatchURL != "" {
		sched.Add(health.NewPatchCheck(bus, upstream.NewHTTPVersion(hc.PatchURL), hc.GameVersion), hc.PatchInterval)
	}
	if hc.ReleaseURL != "" {
		sched.Add(health.NewUpdateCheck(bus, upstream.NewHTTPVersion(hc.ReleaseURL), Version), hc.UpdateInterval)
	}
	if hc.LogAgent.Name != "" {
		agent := &health.LogAgentCheck{Bus: bus, Inspector: host, Agent: hc.LogAgent.Name}
		if len(hc.LogAgent.RestartCommand) > 0 {
			agent.Restart = health.NewExecChecker(hc.LogAgent.RestartCommand)
		}
		sched.Add(agent, hc.LogAgentInterval)
	}

	listener := health.NewTCPChecker(mgr.Addr().String())
	listener.Component = "listener"
	sched.Add(listener, hc.GeneralInterval)

	return sched
}
