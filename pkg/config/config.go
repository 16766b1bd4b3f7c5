package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hangar/pkg/types"
)

// Config is the supervisor configuration
type Config struct {
	// ListenAddr is where workers dial back to announce themselves.
	ListenAddr string `yaml:"listen_addr"`

	// APIAddr serves /health, /ready, /live, /metrics and /workers.
	// Empty disables the HTTP surface.
	APIAddr string `yaml:"api_addr"`

	// DataDir holds the state database and generated sidecar configs.
	DataDir string `yaml:"data_dir"`

	// BasePort is the control port of worker 0. Worker N listens on
	// BasePort+N.
	BasePort int `yaml:"base_port"`

	// WorkerCount is the number of statically configured slots.
	WorkerCount int `yaml:"worker_count"`

	// StartConcurrency bounds how many workers boot at the same time.
	StartConcurrency int `yaml:"start_concurrency"`

	// StartTimeout bounds the wait for a new worker's first status frame.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// AutoStart starts every enabled worker when the supervisor comes up.
	AutoStart bool `yaml:"auto_start"`

	// Worker launch settings
	Worker WorkerConfig `yaml:"worker"`

	// Proxy configures the per-worker voice proxy sidecar.
	Proxy ProxyConfig `yaml:"proxy"`

	// Restart throttles crash restarts of a single worker.
	Restart RestartConfig `yaml:"restart"`

	// BotEject configures the eviction of bot matches.
	BotEject BotEjectConfig `yaml:"bot_eject"`

	// Health configures the periodic host checks.
	Health HealthConfig `yaml:"health"`

	// Log configures the global logger.
	Log LogConfig `yaml:"log"`
}

// WorkerConfig describes how worker processes are launched
type WorkerConfig struct {
	Executable string   `yaml:"executable"`
	WorkDir    string   `yaml:"work_dir"`
	ExtraArgs  []string `yaml:"extra_args"`

	// Settings are passed to every worker as "Set key value" commands.
	Settings map[string]string `yaml:"settings"`

	// Overrides replace settings for individual workers.
	Overrides map[types.WorkerID]map[string]string `yaml:"overrides"`
}

// ProxyConfig configures the voice proxy sidecar
type ProxyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Executable string `yaml:"executable"`

	// VoicePortOffset is added to a worker's control port to get its voice port.
	VoicePortOffset int `yaml:"voice_port_offset"`

	// PublicPortOffset is added to local ports to get the ports the
	// sidecar exposes.
	PublicPortOffset int `yaml:"public_port_offset"`

	RestartDelay time.Duration `yaml:"restart_delay"`
}

// RestartConfig is a token bucket: Burst restarts, refilled every Interval
type RestartConfig struct {
	Burst    int           `yaml:"burst"`
	Interval time.Duration `yaml:"interval"`
}

// BotEjectConfig configures the bot-match eviction
type BotEjectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Grace           time.Duration `yaml:"grace"`
	MessageInterval time.Duration `yaml:"message_interval"`
	Message         string        `yaml:"message"`
}

// HealthConfig configures the health task intervals and targets
type HealthConfig struct {
	GeneralInterval  time.Duration `yaml:"general_interval"`
	DiskInterval     time.Duration `yaml:"disk_interval"`
	PublicIPInterval time.Duration `yaml:"public_ip_interval"`
	PatchInterval    time.Duration `yaml:"patch_interval"`
	UpdateInterval   time.Duration `yaml:"update_interval"`
	LogAgentInterval time.Duration `yaml:"log_agent_interval"`

	// DiskPath is checked for free space; defaults to DataDir.
	DiskPath string `yaml:"disk_path"`

	// DiskWarnPercent logs a warning when usage exceeds it.
	DiskWarnPercent float64 `yaml:"disk_warn_percent"`

	// PublicIPURLs are queried in order until one answers.
	PublicIPURLs []string `yaml:"public_ip_urls"`

	// GameVersion is the installed worker build, compared with upstream.
	GameVersion string `yaml:"game_version"`

	// PatchURL returns the latest worker build as plain text. Used when
	// no master directory client is configured.
	PatchURL string `yaml:"patch_url"`

	// ReleaseURL returns the latest supervisor version as plain text.
	ReleaseURL string `yaml:"release_url"`

	LogAgent LogAgentConfig `yaml:"log_agent"`
}

// LogAgentConfig identifies the log-shipping agent and how to restart it
type LogAgentConfig struct {
	Name           string   `yaml:"name"`
	RestartCommand []string `yaml:"restart_command"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:1134",
		APIAddr:          "127.0.0.1:9134",
		DataDir:          "./data",
		BasePort:         11235,
		WorkerCount:      1,
		StartConcurrency: 2,
		StartTimeout:     120 * time.Second,
		AutoStart:        true,
		Worker: WorkerConfig{
			Executable: "hon_x64",
			Settings:   map[string]string{},
			Overrides:  map[types.WorkerID]map[string]string{},
		},
		Proxy: ProxyConfig{
			VoicePortOffset:  10000,
			PublicPortOffset: 1,
			RestartDelay:     5 * time.Second,
		},
		Restart: RestartConfig{
			Burst:    3,
			Interval: time.Minute,
		},
		BotEject: BotEjectConfig{
			Enabled:         true,
			Grace:           60 * time.Second,
			MessageInterval: 10 * time.Second,
			Message:         "Bot matches are not allowed on this server. It will shut down shortly.",
		},
		Health: HealthConfig{
			GeneralInterval:  60 * time.Second,
			DiskInterval:     10 * time.Minute,
			PublicIPInterval: 5 * time.Minute,
			PatchInterval:    15 * time.Minute,
			UpdateInterval:   time.Hour,
			LogAgentInterval: 2 * time.Minute,
			DiskWarnPercent:  90,
			PublicIPURLs: []string{
				"https://api.ipify.org",
				"https://checkip.amazonaws.com",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Worker.Settings == nil {
		cfg.Worker.Settings = map[string]string{}
	}
	if cfg.Worker.Overrides == nil {
		cfg.Worker.Overrides = map[types.WorkerID]map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the supervisor cannot run with
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if c.APIAddr != "" {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			errs = append(errs, fmt.Errorf("api_addr: %w", err))
		}
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("base_port %d out of range", c.BasePort))
	}
	if c.WorkerCount < 0 {
		errs = append(errs, errors.New("worker_count must not be negative"))
	} else if c.BasePort+c.WorkerCount > 65536 {
		errs = append(errs, fmt.Errorf("worker_count %d overflows the port range from %d", c.WorkerCount, c.BasePort))
	}
	if c.StartConcurrency < 1 {
		errs = append(errs, errors.New("start_concurrency must be at least 1"))
	}
	if c.StartTimeout <= 0 {
		errs = append(errs, errors.New("start_timeout must be positive"))
	}
	if c.Worker.Executable == "" {
		errs = append(errs, errors.New("worker.executable is required"))
	}
	if c.Proxy.Enabled && c.Proxy.Executable == "" {
		errs = append(errs, errors.New("proxy.executable is required when the proxy is enabled"))
	}
	if c.Restart.Burst < 1 || c.Restart.Interval <= 0 {
		errs = append(errs, errors.New("restart.burst and restart.interval must be positive"))
	}
	if c.Health.DiskWarnPercent < 0 || c.Health.DiskWarnPercent > 100 {
		errs = append(errs, fmt.Errorf("health.disk_warn_percent %.1f out of range", c.Health.DiskWarnPercent))
	}

	return errors.Join(errs...)
}

// DBPath returns the state database location
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "hangar.db")
}

// WorkerIDs returns the statically configured slots
func (c *Config) WorkerIDs() []types.WorkerID {
	ids := make([]types.WorkerID, c.WorkerCount)
	for i := range ids {
		ids[i] = types.WorkerID(i)
	}
	return ids
}

// Ports returns the port mapping of a worker
func (c *Config) Ports(id types.WorkerID) types.PortMapping {
	game := id.Port(c.BasePort)
	voice := game + c.Proxy.VoicePortOffset
	return types.PortMapping{
		GamePort:        game,
		VoicePort:       voice,
		PublicGamePort:  game + c.Proxy.PublicPortOffset,
		PublicVoicePort: voice + c.Proxy.PublicPortOffset,
	}
}

// Setting keys computed per worker
const (
	SettingPort         = "svr_port"
	SettingVoicePort    = "svr_proxyLocalVoicePort"
	SettingProxyPort    = "svr_proxyPort"
	SettingProxyVoice   = "svr_proxyRemoteVoicePort"
	SettingManagerPort  = "svr_managerPort"
	SettingSlaveID      = "svr_slave"
	SettingProxyEnabled = "man_enableProxy"
)

// WorkerSettings merges base settings, the worker's overrides and the
// computed ports. Computed values win.
func (c *Config) WorkerSettings(id types.WorkerID) map[string]string {
	merged := make(map[string]string, len(c.Worker.Settings)+8)
	for k, v := range c.Worker.Settings {
		merged[k] = v
	}
	for k, v := range c.Worker.Overrides[id] {
		merged[k] = v
	}

	ports := c.Ports(id)
	merged[SettingPort] = strconv.Itoa(ports.GamePort)
	merged[SettingVoicePort] = strconv.Itoa(ports.VoicePort)
	merged[SettingSlaveID] = id.String()
	if _, port, err := net.SplitHostPort(c.ListenAddr); err == nil {
		merged[SettingManagerPort] = port
	}
	if c.Proxy.Enabled {
		merged[SettingProxyEnabled] = "true"
		merged[SettingProxyPort] = strconv.Itoa(ports.PublicGamePort)
		merged[SettingProxyVoice] = strconv.Itoa(ports.PublicVoicePort)
	} else {
		merged[SettingProxyEnabled] = "false"
	}
	return merged
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
