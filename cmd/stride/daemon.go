package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/strideapp/stride/internal/engine/daemon"
	"github.com/strideapp/stride/internal/engine/ingest"
	"github.com/strideapp/stride/internal/engine/netmon"
	"github.com/strideapp/stride/internal/engine/push"
	"github.com/strideapp/stride/internal/engine/remote"
	"github.com/strideapp/stride/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sync daemon (foreground)",
	Long: `Start the stride sync daemon in foreground mode.

The daemon will:
  1. Watch backend reachability
  2. Push queued local edits when online
  3. Stream remote changes into the local database
  4. Reconcile anything missed while offline

Press Ctrl+C to stop. The pending queue survives restarts.`,
	Run: func(cmd *cobra.Command, args []string) {
		database := openDatabase()
		defer database.Close()

		var logOut io.Writer = os.Stderr
		if cfg.LogFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			}
		}

		client, err := remote.New(remote.Config{
			BaseURL: cfg.BaseURL,
			Token:   cfg.APIToken,
			Logger:  log.New(logOut, "[remote] ", log.LstdFlags),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating backend client: %v\n", err)
			os.Exit(1)
		}

		monitor := netmon.New(client, netmon.Config{
			Interval: cfg.ProbeInterval,
			Logger:   log.New(logOut, "[netmon] ", log.LstdFlags),
		})

		pusher := push.New(database, client, push.Config{
			BatchSize: cfg.BatchSize,
			MinAge:    cfg.MinAge,
			Logger:    log.New(logOut, "[push] ", log.LstdFlags),
		})

		ingestor := ingest.New(database, client, ingest.Config{
			Logger: log.New(logOut, "[ingest] ", log.LstdFlags),
		})

		d, err := daemon.New(database, monitor, pusher, ingestor, &daemon.Config{
			PushInterval:     cfg.PushInterval,
			DebounceInterval: cfg.DebounceInterval,
			ConfigFile:       cfgUsed,
			Logger:           log.New(logOut, "[daemon] ", log.LstdFlags),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting stride sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Backend: %s\n", cfg.BaseURL)
		fmt.Printf("   Database: %s\n", cfg.DBPath)
		if cfg.LogFile != "" {
			fmt.Printf("   Log: %s\n", cfg.LogFile)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
