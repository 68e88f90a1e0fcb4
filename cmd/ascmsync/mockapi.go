package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ascmsync/internal/tables"
)

var mockAPICmd = &cobra.Command{
	Use:   "mock-api",
	Short: "Serve an in-memory tables API for local development",
	Long: `Serve an in-memory tables API under /tables. Every other path answers
with an HTML page, so agents pointed at a sub-path exercise prefix detection.

Examples:
  ascmsync mock-api --port 8080 --seed-user u1
  ascmsync mock-api --block-writes 3 --require-warmup`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		block, _ := cmd.Flags().GetInt("block-writes")
		warmup, _ := cmd.Flags().GetBool("require-warmup")
		users, _ := cmd.Flags().GetStringSlice("seed-user")

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		backend := tables.NewServer(tables.Options{
			BlockWrites:   block,
			RequireWarmup: warmup,
			Logger:        logger,
		})
		for _, id := range users {
			backend.Seed("users", tables.Row{"id": id})
		}

		ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		addr := fmt.Sprintf("127.0.0.1:%d", port)
		srv := &http.Server{Addr: addr, Handler: backend.Handler()}

		errCh := make(chan error, 1)
		go func() {
			printStep("mock tables API listening on http://%s/tables/", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		for _, t := range backend.SortedTables() {
			printStatus(t, "%d rows", len(backend.Rows(t)))
		}
		return nil
	},
}

func init() {
	mockAPICmd.Flags().Int("port", 8080, "listen port")
	mockAPICmd.Flags().Int("block-writes", 0, "answer this many writes with an HTML 403 first")
	mockAPICmd.Flags().Bool("require-warmup", false, "block writes until a GET has been seen")
	mockAPICmd.Flags().StringSlice("seed-user", nil, "user ids to create (repeatable)")
}
