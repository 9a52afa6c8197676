package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modelprobe/internal/config"
	"modelprobe/internal/httpapi"
	"modelprobe/internal/registry"
	"modelprobe/internal/search"
)

func newServeCmd(o *options) *cobra.Command {
	var (
		addr         string
		probeTimeout time.Duration
		maxBody      int64
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the probe, search and catalog HTTP API",
		Example: "  modelprobe serve --addr :8080\n  MODELPROBE_ROOTS=~/models modelprobe serve",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				o.cfg.Addr = addr
			}
			p, err := o.newProber()
			if err != nil {
				return err
			}
			s := search.New(search.Config{Prober: p, Logger: o.log})
			engine := httpapi.NewEngine(httpapi.EngineConfig{
				Prober:   p,
				Searcher: s,
				Catalog:  registry.NewCatalog(o.log),
				Roots:    o.cfg.Roots,
				Rules:    o.cfg.SearchRules(),
				Logger:   o.log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			httpapi.SetLogger(o.log)
			httpapi.SetDefaultLogLevel(o.cfg.LogLevel)
			httpapi.SetBaseContext(ctx)
			httpapi.SetProbeTimeout(probeTimeout)
			httpapi.SetMaxBodyBytes(maxBody)
			c := o.cfg.CORS
			httpapi.SetCORSOptions(c.Enabled, c.AllowedOrigins, c.AllowedMethods, c.AllowedHeaders)

			srv := &http.Server{Addr: o.cfg.Addr, Handler: httpapi.NewMux(engine), ReadHeaderTimeout: 10 * time.Second}

			// /readyz reports loading until the configured roots are catalogued.
			go func() {
				if _, err := engine.Warm(ctx); err != nil && ctx.Err() == nil {
					o.log.Error().Err(err).Msg("catalog warm-up failed")
				}
			}()

			errc := make(chan error, 1)
			go func() {
				o.log.Info().Str("addr", o.cfg.Addr).Strs("roots", o.cfg.Roots).Msg("modelprobe listening")
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "HTTP listen address (defaults MODELPROBE_ADDR or :8080)")
	cmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 0, "Per-request /probe timeout (0 = none)")
	cmd.Flags().Int64Var(&maxBody, "max-body-bytes", 1<<20, "Maximum JSON request body size")
	return cmd
}
