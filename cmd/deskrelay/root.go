package main

import (
	"fmt"
	"os"

	"deskrelay/internal/peer"
	"deskrelay/pkg/config"
	"deskrelay/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	signalURL  string
	logLevel   string

	cfg *config.Config
	sugar *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:           "deskrelay",
	Short:         "Share a desktop with a viewer by session code",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if signalURL != "" {
			loaded.Client.SignalURL = signalURL
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		cfg = loaded
		sugar = logger.New(cfg.Logging.Level).Sugar()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sugar != nil {
			_ = sugar.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&signalURL, "signal-url", "", "base URL of the signaling service")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func settings() peer.Settings {
	return peer.SettingsFromConfig(cfg)
}

func stderr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
