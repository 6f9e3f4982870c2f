package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"selfforge/internal/logging"
)

// cacheJanitorInterval is how often expired embedding cache entries are
// swept while serving.
const cacheJanitorInterval = time.Hour

// serveCmd runs the background substrate: the log watcher and periodic
// maintenance, until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the substrate daemon (watcher and maintenance loops)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.watcher.Start(ctx); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			<-gctx.Done()
			a.watcher.Stop()
			return nil
		})

		g.Go(func() error {
			ticker := time.NewTicker(cacheJanitorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n, err := a.store.CleanExpiredCache(); err != nil {
						logging.Get(logging.CategoryMemory).Warn("Cache sweep failed: %v", err)
					} else if n > 0 {
						logging.Memory("Cache sweep removed %d entries", n)
					}
				}
			}
		})

		logging.Boot("Serving; press Ctrl-C to stop")
		logger.Info("selfforge serving",
			zap.String("db", a.cfg.Memory.DBPath),
			zap.String("logs", a.cfg.Memory.LogDir))

		err = g.Wait()
		if err == context.Canceled {
			err = nil
		}
		logging.Boot("Shutdown complete")
		return err
	},
}
