package cmd

import (
	"github.com/spf13/cobra"

	"github.com/umduru/umdu-haos-updater/internal/config"
	"github.com/umduru/umdu-haos-updater/util"
)

var (
	configPath string
	logLevel   string
	logFile    string

	rootCmd = &cobra.Command{
		Use:          "umdu-haos-updater",
		Short:        "OS update agent for the UMDU K1 appliance",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "add-on options file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "log output; \"console\" logs to stdout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig initializes logging and reads the add-on options.
func loadConfig() (*config.Config, error) {
	level := logLevel
	cfg := config.Load(configPath)
	if cfg.Debug && level == "info" {
		level = "debug"
	}
	if err := util.InitLog(level, logFile); err != nil {
		return nil, err
	}
	return cfg, nil
}
