package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strideapp/stride/internal/engine/schema"
	"github.com/strideapp/stride/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Display the state of the local database and the pending queue.

Shows:
  - Database location and size
  - Entity counts per type
  - Pending and permanently failed operation counts
  - Last-seen remote change per type`,
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.DBPath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Local database not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'stride daemon' or 'stride push' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking database: %v\n", err)
			os.Exit(1)
		}

		database := openDatabase()
		defer database.Close()
		ctx := context.Background()

		pending, err := database.CountPending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending ops: %v\n", err)
			os.Exit(1)
		}
		failed, err := database.ListTerminal(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed ops: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Stride Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Database: %s\n", cfg.DBPath)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Backend: %s\n", cfg.BaseURL)
		fmt.Println()

		for _, typ := range schema.AllTypes() {
			count, err := database.CountEntities(ctx, typ)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s entities: %v\n", typ, err)
				os.Exit(1)
			}
			mark, err := database.HighWater(ctx, typ)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s high-water: %v\n", typ, err)
				os.Exit(1)
			}
			seen := "never"
			if !mark.IsZero() {
				seen = mark.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-8s %6d   %s\n", typ, count, ui.RenderDim("last remote change: "+seen))
		}
		fmt.Println()

		if pending == 0 {
			fmt.Printf("%s Queue empty, everything delivered\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s Pending operations: %d\n", ui.RenderWarn("⏳"), pending)
		}
		if len(failed) > 0 {
			fmt.Printf("%s Permanently failed: %d (see 'stride failed list')\n", ui.RenderFail("✗"), len(failed))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
