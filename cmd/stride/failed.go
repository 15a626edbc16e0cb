package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/strideapp/stride/internal/ui"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect and retry permanently failed operations",
	Long: `Manage operations the backend rejected permanently.

Such operations left the sync queue after a non-retryable rejection (for
example a validation error). They stay parked until you retry or the record
is fixed; the engine never retries them on its own.`,
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List permanently failed operations",
	Run: func(cmd *cobra.Command, args []string) {
		database := openDatabase()
		defer database.Close()

		failed, err := database.ListTerminal(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed ops: %v\n", err)
			os.Exit(1)
		}
		if len(failed) == 0 {
			fmt.Printf("%s No failed operations\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s %d failed operations\n\n", ui.RenderFail("✗"), len(failed))
		for _, op := range failed {
			fmt.Printf("%s  %s %s/%s\n", op.ID, op.Kind, op.EntityType, op.EntityID)
			fmt.Printf("   attempts: %d", op.AttemptCount)
			if op.LastAttemptAt != nil {
				fmt.Printf("   last: %s", op.LastAttemptAt.Local().Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
			if op.LastError != "" {
				fmt.Printf("   %s\n", ui.RenderDim(op.LastError))
			}
			fmt.Println()
		}
		fmt.Printf("Retry with 'stride failed retry <op-id>' or 'stride failed retry --all'\n\n")
	},
}

var retryAll bool

var failedRetryCmd = &cobra.Command{
	Use:   "retry [op-id]",
	Short: "Return failed operations to the sync queue",
	Long: `Re-queue a permanently failed operation for another delivery attempt.

The operation re-enters the queue with a fresh attempt budget. Retrying
without fixing the underlying rejection will park it again.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		database := openDatabase()
		defer database.Close()
		ctx := context.Background()

		if retryAll {
			failed, err := database.ListTerminal(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing failed ops: %v\n", err)
				os.Exit(1)
			}
			if len(failed) == 0 {
				fmt.Printf("%s No failed operations\n", ui.RenderPass("✓"))
				return
			}

			var confirmed bool
			err = huh.NewConfirm().
				Title(fmt.Sprintf("Re-queue all %d failed operations?", len(failed))).
				Description("Each gets a fresh attempt budget on the next push.").
				Value(&confirmed).
				Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading confirmation: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Aborted")
				return
			}

			n, err := database.RetryAllTerminal(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error re-queueing ops: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Re-queued %d operations\n", ui.RenderPass("✓"), n)
			return
		}

		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "Error: provide an op id or --all\n")
			os.Exit(1)
		}
		if err := database.RetryTerminal(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error re-queueing op: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Re-queued %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	failedRetryCmd.Flags().BoolVar(&retryAll, "all", false, "retry every failed operation")
	failedCmd.AddCommand(failedListCmd)
	failedCmd.AddCommand(failedRetryCmd)
	rootCmd.AddCommand(failedCmd)
}
