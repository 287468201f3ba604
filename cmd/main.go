/**
 * @description
 * Entry point for the numbers-service. The root command loads configuration and the logger;
 * subcommands run the HTTP server, apply migrations, run one reconciliation sweep or adjust a
 * balance by hand.
 *
 * @dependencies
 * - github.com/spf13/cobra: command tree.
 * - github.com/joho/godotenv: local .env loading before viper reads the environment.
 * - go.uber.org/zap: structured logging.
 */

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/config"
)

var Version = "dev"

var (
	envFile   string
	configDir string

	cfg    config.Config
	logger *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "numbers-service",
		Short:             "Prepaid wallet and temporary phone number service",
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory searched for a .env config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var err error
	bootLogger, _ := newLogger("info")
	cfg, err = config.LoadConfig(configDir, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger, err = newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(parsed)
	}
	return zapConfig.Build()
}
