package main

import (
	"fmt"
	"os"

	"github.com/cuemby/hangar/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hangar",
	Short: "Hangar - game server fleet supervisor",
	Long: `Hangar keeps a fleet of dedicated game-server processes running on one
host. It launches each worker, accepts the control connection the worker
dials back on, tracks its game state and restarts it when it exits.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hangar version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hangar version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath(cmd)
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		fmt.Println("✓ Configuration is valid")
		fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
		fmt.Printf("  API Address: %s\n", cfg.APIAddr)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  Workers: %d (ports %d-%d)\n",
			cfg.WorkerCount, cfg.BasePort, cfg.BasePort+cfg.WorkerCount-1)
		fmt.Printf("  Proxy: %v\n", cfg.Proxy.Enabled)
		return nil
	},
}

// configPath resolves the persistent --config flag from any subcommand
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil {
		return f.Value.String()
	}
	return ""
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
