package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TinkerUp/sideload-core/internal/config"
)

type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "sideloader",
		Short:         "Manage games and backups on VR headsets over adb",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "sideloader.yaml", "path to configuration file (defaults are used if missing)")
	root.PersistentFlags().StringVar(&flags.envFile, "env", ".env", "path to .env file (ignored if missing)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newDevicesCmd(flags),
		newInstallCmd(flags),
		newUninstallCmd(flags),
		newBackupCmd(flags),
		newRestoreCmd(flags),
		newBackupsCmd(flags),
		newWirelessCmd(flags),
		newServeCmd(flags),
	)

	return root
}

// loadDotEnv loads a .env file if it exists. Missing files are silently ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func newLogger(w io.Writer, cfg config.Config, verbose bool) *slog.Logger {
	level := cfg.LogLevel()
	if verbose {
		level = slog.LevelDebug
	}

	options := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

// loadSettings reads .env and the config file and installs the configured logger.
func loadSettings(flags *globalFlags) (*config.Store, *slog.Logger, error) {
	if err := loadDotEnv(flags.envFile); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", flags.envFile, err)
	}

	settings, err := config.Open(flags.configPath, slog.New(slog.DiscardHandler))
	if err != nil {
		return nil, nil, err
	}

	log := newLogger(os.Stderr, settings.Settings(), flags.verbose)
	slog.SetDefault(log)

	return settings, log, nil
}

// withApp loads settings, builds the component graph and runs fn with it.
func withApp(ctx context.Context, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	settings, log, err := loadSettings(flags)
	if err != nil {
		return err
	}

	a, err := newApp(settings, log)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.sessions.Track(ctx)

	return fn(ctx, a)
}
