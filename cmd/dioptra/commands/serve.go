package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dioptra/analysis-engine/api"
)

const shutdownTimeout = 30 * time.Second

var allowedOrigins []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := open(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		handler := api.NewHandler(rt.engine)
		server := &http.Server{
			Addr:         cfg.Addr,
			Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: allowedOrigins}),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		scheduler := api.NewResyncScheduler(rt.engine, cfg.ResyncInterval)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Str("addr", cfg.Addr).Msg("server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			scheduler.Start()
			<-gctx.Done()
			scheduler.Stop()
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil {
			return err
		}
		log.Info().Msg("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&allowedOrigins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	rootCmd.AddCommand(serveCmd)
}
