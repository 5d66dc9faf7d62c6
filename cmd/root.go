package cmd

import (
	"fmt"
	"os"

	"xenlink/internal/config"
	logg "xenlink/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath = "config.yml"
	skipConfig = false
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "xenlink",
	Short: "Tunnel client for WireGuard and SSH profiles.",
	Long: "xenlink connects to saved WireGuard or SSH profiles, keeps the tunnel " +
		"alive across network changes and reports traffic while connected.",
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// resolveConfig or exit with error
func resolveConfig() *config.Config {
	cfg, err := config.New(configPath, skipConfig)
	if err != nil {
		fmt.Printf("unable to initialize config: %s\n", err.Error())
		os.Exit(1)
	}

	if skipConfig {
		fmt.Println("Skipped file-based configuration, using only ENV")
	}

	return cfg
}

// setup resolves config and installs both loggers.
func setup() *config.Config {
	cfg := resolveConfig()
	if cfg.Debug {
		cfg.Logger.Level = "debug"
	}

	logger := logg.New(cfg.Logger).Desugar()
	zap.ReplaceGlobals(logger)
	logg.ConfigureLogrus(cfg.Logger)
	return cfg
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to yml config")
	rootCmd.PersistentFlags().BoolVar(&skipConfig, "skip-config", false, "skips config and uses ENV only")
}
