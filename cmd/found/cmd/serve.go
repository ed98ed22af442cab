package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/go-fmbridge/internal/server"
)

const shutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve Foundation Models over HTTP",
	Long: `Expose generation and streaming sessions over HTTP. Session events are
relayed to clients of /v1/events as server-sent events.`,
	Example: `  found serve
  found serve --listen :8080
  curl -N localhost:8787/v1/events &
  curl -d '{"prompt":"Write a haiku"}' localhost:8787/v1/streams`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Server.Listen = listen
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := newModule()
		srv := &http.Server{
			Addr: cfg.Server.Listen,
			Handler: server.New(m, server.Options{
				RateLimit:   cfg.Server.RateLimit,
				EventBuffer: cfg.Events.Buffer,
				Logger:      log.Log,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		avail := m.CheckAvailability(ctx)
		log.WithFields(log.Fields{
			"listen":    cfg.Server.Listen,
			"model":     m.ModelName(),
			"available": avail.IsAvailable,
		}).Info("fmbridge listening")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			// Sessions end first so event clients see their terminal events.
			if err := m.Close(shutdownCtx); err != nil {
				log.WithError(err).Warn("sessions did not finish")
			}
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "Listen address (overrides server.listen)")
}
