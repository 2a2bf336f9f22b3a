package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TinkerUp/sideload-core/internal/api"
	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/internal/tasks"
	"github.com/TinkerUp/sideload-core/types/models"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// runTaskCmd runs one task to completion, printing its progress.
func runTaskCmd(cmd *cobra.Command, flags *globalFlags, options tasks.Options) error {
	return runResolvedTaskCmd(cmd, flags, func(*app) (tasks.Options, error) { return options, nil })
}

// runResolvedTaskCmd is runTaskCmd for options that depend on app state.
func runResolvedTaskCmd(cmd *cobra.Command, flags *globalFlags, resolve func(a *app) (tasks.Options, error)) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	return withApp(ctx, flags, func(ctx context.Context, a *app) error {
		options, err := resolve(a)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		info, err := a.runTask(ctx, options, func(info models.TaskInfo) {
			fmt.Fprintln(out, renderTaskStatus(info))
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(out, renderTaskResult(info))
		return taskError(info)
	})
}

func newDevicesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected headsets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			return withApp(ctx, flags, func(ctx context.Context, a *app) error {
				if s, err := a.activeSession(ctx); err == nil {
					if _, err := s.RefreshInfo(ctx); err != nil {
						a.log.Warn("could not refresh device info", "error", err)
					}
				} else if !errors.Is(err, errs.ErrNoDeviceConnection) {
					return err
				}

				devices := a.supervisor.Devices()
				active, hasActive := a.supervisor.Active()
				if hasActive {
					active = a.sessions.For(active).Device()
					for i := range devices {
						if devices[i].Serial == active.Serial {
							devices[i] = active
						}
					}
				}

				fmt.Fprint(cmd.OutOrStdout(), renderDevices(devices, active, hasActive))
				return nil
			})
		},
	}
}

func newInstallCmd(flags *globalFlags) *cobra.Command {
	var (
		game         models.Game
		downloadOnly bool
	)

	cmd := &cobra.Command{
		Use:   "install [content-dir]",
		Short: "Install a game from a local folder, or download it from the mirror first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := tasks.Options{Kind: models.TaskDownloadAndInstall, Game: &game}

			if len(args) == 1 {
				if downloadOnly {
					return errors.New("--download-only needs --release, not a content directory")
				}
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				options.Kind = models.TaskInstallOnly
				options.Path = path
				if game.ReleaseName == "" {
					game.ReleaseName = filepath.Base(path)
				}
			} else if game.ReleaseName == "" {
				return errors.New("either a content directory or --release is required")
			}

			if game.Name == "" {
				game.Name = game.ReleaseName
			}
			if downloadOnly {
				options.Kind = models.TaskDownloadOnly
			}

			return runTaskCmd(cmd, flags, options)
		},
	}

	cmd.Flags().StringVar(&game.ReleaseName, "release", "", "release name in the mirror")
	cmd.Flags().StringVar(&game.Name, "name", "", "display name")
	cmd.Flags().StringVar(&game.PackageName, "package", "", "package name, used to clean up a failed fresh install")
	cmd.Flags().BoolVar(&downloadOnly, "download-only", false, "download the release without installing it")

	return cmd
}

func newUninstallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <package>",
		Short: "Uninstall a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := &models.InstalledApp{Name: args[0], PackageName: args[0]}
			return runTaskCmd(cmd, flags, tasks.Options{Kind: models.TaskUninstall, App: app})
		},
	}
}

func newBackupCmd(flags *globalFlags) *cobra.Command {
	var (
		backupOptions models.BackupOptions
		uninstall     bool
	)

	cmd := &cobra.Command{
		Use:   "backup <package>",
		Short: "Back up a package's data, apk and obb",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !backupOptions.Data && !backupOptions.Apk && !backupOptions.Obb {
				backupOptions = models.BackupOptions{Data: true, Apk: true, Obb: true}
			}

			kind := models.TaskBackup
			if uninstall {
				kind = models.TaskBackupAndUninstall
			}

			game := &models.Game{Name: args[0], PackageName: args[0]}
			return runTaskCmd(cmd, flags, tasks.Options{Kind: kind, Game: game, BackupOptions: &backupOptions})
		},
	}

	cmd.Flags().BoolVar(&backupOptions.Data, "data", false, "include app data")
	cmd.Flags().BoolVar(&backupOptions.Apk, "apk", false, "include the apk")
	cmd.Flags().BoolVar(&backupOptions.Obb, "obb", false, "include obb files")
	cmd.Flags().BoolVar(&uninstall, "uninstall", false, "uninstall the package after a successful backup")

	return cmd
}

func newRestoreCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-name>",
		Short: "Restore a backup onto the active headset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolvedTaskCmd(cmd, flags, func(a *app) (tasks.Options, error) {
				backup, err := a.backups.Get(args[0])
				if err != nil {
					return tasks.Options{}, err
				}
				return tasks.Options{Kind: models.TaskRestore, Backup: &backup}, nil
			})
		},
	}
}

func newBackupsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List stored backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, _, err := loadSettings(flags)
			if err != nil {
				return err
			}

			backups, err := store.NewBackupStore(settings.Settings().BackupsLocation).List()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderBackups(backups))
			return nil
		},
	}
}

func newWirelessCmd(flags *globalFlags) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "wireless",
		Short: "Switch the connected headset to wireless adb and connect to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			return withApp(ctx, flags, func(ctx context.Context, a *app) error {
				if host == "" {
					s, err := a.activeSession(ctx)
					if err != nil {
						return err
					}
					if host, err = s.EnableWirelessADB(ctx); err != nil {
						return err
					}
				}

				if err := a.supervisor.ConnectWireless(ctx, host); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), activeStyle.Render("connected to "+host))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "connect to this address instead of enabling wireless adb on the USB headset")

	return cmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise devices and serve the local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			return withApp(ctx, flags, func(ctx context.Context, a *app) error {
				address := listen
				if address == "" {
					address = a.settings.Settings().API.Listen
				}

				server := api.NewServer(a.supervisor, a.orchestrator, a.backups, a.log)

				supervised := make(chan error, 1)
				go func() { supervised <- a.supervisor.Run(ctx) }()

				served := make(chan error, 1)
				go func() { served <- server.Listen(address) }()

				var err error
				select {
				case <-ctx.Done():
				case err = <-served:
					cancel()
				}

				shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer stop()
				if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
					a.log.Warn("api shutdown failed", "error", shutdownErr)
				}

				if supervisorErr := <-supervised; supervisorErr != nil && err == nil {
					err = supervisorErr
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides api.listen)")

	return cmd
}
