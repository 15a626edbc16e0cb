// Command stride is the offline-first sync engine CLI for the stride
// productivity tracker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strideapp/stride/internal/config"
	"github.com/strideapp/stride/internal/engine/db"
)

var (
	cfgFile string
	cfg     *config.Config
	cfgUsed string
)

var rootCmd = &cobra.Command{
	Use:   "stride",
	Short: "Offline-first sync engine for stride",
	Long: `Stride keeps a local task database in sync with the stride backend.

Edits land locally first and queue for delivery; the sync daemon pushes them
when the backend is reachable and streams remote changes back in. Nothing is
lost offline: the queue survives restarts and drains on reconnect.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, used, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		cfgUsed = used
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.config/stride/stride.yaml)")
}

// openDatabase opens and initializes the local store, exiting on failure.
func openDatabase() *db.DB {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := database.InitSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return database
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
