package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strideapp/stride/internal/engine/push"
	"github.com/strideapp/stride/internal/engine/remote"
	"github.com/strideapp/stride/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Run one push cycle now",
	Long: `Push queued local edits to the backend immediately.

Runs a single push cycle and exits. Operations that fail transiently stay
queued with backoff; permanent rejections are parked and listed under
'stride failed list'.`,
	Run: func(cmd *cobra.Command, args []string) {
		database := openDatabase()
		defer database.Close()

		client, err := remote.New(remote.Config{
			BaseURL: cfg.BaseURL,
			Token:   cfg.APIToken,
			Logger:  log.New(os.Stderr, "[remote] ", log.LstdFlags),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating backend client: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()

		// A crashed daemon may have left claims behind.
		if err := database.ReleaseInFlight(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error recovering in-flight ops: %v\n", err)
			os.Exit(1)
		}

		pending, err := database.CountPending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending ops: %v\n", err)
			os.Exit(1)
		}
		if pending == 0 {
			fmt.Printf("%s Nothing to push\n", ui.RenderPass("✓"))
			return
		}

		coordinator := push.New(database, client, push.Config{
			BatchSize: cfg.BatchSize,
			Logger:    log.New(os.Stderr, "[push] ", log.LstdFlags),
		})

		fmt.Printf("%s Pushing %d pending operations...\n", ui.RenderAccent("🔄"), pending)
		start := time.Now()

		stats, err := coordinator.RunCycle(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during push: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Push complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		fmt.Printf("   Delivered: %d\n", stats.Succeeded)
		if stats.Transient > 0 {
			fmt.Printf("   %s Retrying later: %d\n", ui.RenderWarn("⚠"), stats.Transient)
		}
		if stats.Terminal > 0 {
			fmt.Printf("   %s Failed permanently: %d (see 'stride failed list')\n", ui.RenderFail("✗"), stats.Terminal)
		}
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
}
