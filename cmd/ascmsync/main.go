package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

// noColor disables ANSI colours when stderr is not a terminal or NO_COLOR is set.
var noColor = os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stderr.Fd())

var rootCmd = &cobra.Command{
	Use:   "ascmsync",
	Short: "Offline publish queue for goal snapshots and avatar updates",
	Long: `ascmsync queues goal snapshots and avatar updates locally and delivers
them to the tables API with retries, surviving restarts and proxy blocks.

Run "ascmsync start" to launch the agent, then enqueue work with
"ascmsync goals publish" or "ascmsync avatar set".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(goalsCmd)
	rootCmd.AddCommand(avatarCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mockAPICmd)
}

func main() {
	// ASCMSYNC_* variables may live in a .env file next to the working directory.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		printWarning("could not load .env: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
