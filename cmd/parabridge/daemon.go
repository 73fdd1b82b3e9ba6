package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/echoix/parabridge/internal/config"
	"github.com/echoix/parabridge/internal/control"
	"github.com/echoix/parabridge/internal/daemon"
	"github.com/echoix/parabridge/internal/logging"
	"github.com/echoix/parabridge/internal/mapper"
	"github.com/echoix/parabridge/internal/paradox"
	"github.com/echoix/parabridge/internal/store"
	"github.com/echoix/parabridge/internal/ui"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:     "start",
	GroupID: "daemon",
	Short:   "Start the sync daemon in the background",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := control.NewClient(cfg.Control.Addr()).Status(ctx); err == nil {
			fmt.Printf("%s Daemon is already running on %s\n", ui.RenderWarn("⚠"), cfg.Control.Addr())
			return
		}

		self, err := os.Executable()
		if err != nil {
			fatalf("could not find executable: %v", err)
		}

		child := exec.Command(self, "daemon")
		child.Stdin = nil
		child.Stdout = nil
		child.Stderr = nil
		detach(child)

		if err := child.Start(); err != nil {
			fatalf("could not start daemon: %v", err)
		}
		pid := child.Process.Pid
		_ = child.Process.Release()

		fmt.Printf("%s Daemon started (pid %d)\n", ui.RenderPass("✓"), pid)
		fmt.Printf("   Control: %s\n", cfg.Control.Addr())
		fmt.Printf("   Log: %s\n", cfg.Log.File)
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop",
	GroupID: "daemon",
	Short:   "Stop the sync daemon",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := control.NewClient(cfg.Control.Addr()).Stop(ctx); err != nil {
			if control.IsUnreachable(err) {
				return
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Daemon stopping\n", ui.RenderPass("✓"))
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "daemon",
	Short:   "Show daemon status",
	Long: `Show the daemon status: when the task list was last reloaded and what
each task is doing.

With --follow the status is printed again on every change until Ctrl+C.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client := control.NewClient(cfg.Control.Addr())
		follow, _ := cmd.Flags().GetBool("follow")

		if !follow {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			text, err := client.Status(ctx)
			if err != nil {
				if control.IsUnreachable(err) {
					fmt.Println("Daemon is not running.")
					return
				}
				fatalf("%v", err)
			}
			fmt.Println(text)
			return
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		err := client.Follow(ctx, func(m control.StatusMessage) {
			fmt.Println(ui.RenderMuted("── " + m.Timestamp.Format(daemon.TimeFormat)))
			fmt.Println(m.Text)
		})
		if err != nil {
			if control.IsUnreachable(err) {
				fmt.Println("Daemon is not running.")
				return
			}
			fatalf("%v", err)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the sync daemon in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		foreground, _ := cmd.Flags().GetBool("foreground")

		logger, closer, err := logging.New(cfg.Log, logging.Options{Stderr: foreground, Prefix: "[daemon] "})
		if err != nil {
			fatalf("%v", err)
		}
		defer closer.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runDaemon(ctx, cfg, logger); err != nil {
			logger.Printf("Daemon failed: %v", err)
			closer.Close()
			os.Exit(1)
		}
	},
}

// runDaemon serves until ctx is cancelled or a stop call arrives. A
// second daemon exits quietly when the control port is taken.
func runDaemon(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := mapper.NewWithConfig(&mapper.Config{
		Codepage:  cfg.Source.Codepage,
		Extension: cfg.Source.Extension,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	sched, err := daemon.NewWithConfig(db, paradox.NewReader(), m, &daemon.Config{
		TickInterval:  cfg.Scheduler.Tick,
		FilePause:     cfg.Scheduler.FilePause,
		Extension:     cfg.Source.Extension,
		Watch:         cfg.Watch.Enabled,
		FullScanEvery: cfg.Watch.FullScanEvery,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	srv := control.NewServer(sched, &control.Config{
		Host:   cfg.Control.Host,
		Port:   cfg.Control.Port,
		Logger: logger,
	})
	if err := srv.Listen(); err != nil {
		if control.IsBindConflict(err) {
			logger.Printf("Daemon already running on %s", cfg.Control.Addr())
			return nil
		}
		return err
	}

	logger.Printf("Daemon started (store %s)", db.Path())
	if err := sched.Start(ctx); err != nil {
		return err
	}

	serveErr := srv.Serve(ctx)
	sched.Stop()
	logger.Println("Daemon stopped")
	return serveErr
}

func init() {
	statusCmd.Flags().BoolP("follow", "f", false, "Stream status updates")
	daemonCmd.Flags().Bool("foreground", false, "Also log to stderr")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}
