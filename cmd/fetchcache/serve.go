package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/fetchcache"
	"github.com/always-cache/fetchcache/observe"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	listenFlag          string
	adminListenFlag     string
	metricsExporterFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a proxy",
	Long: `Run the engine as an HTTP proxy. Relative request URLs are sent to the
configured origin, absolute ones are forwarded as is. The admin API is served
on a separate address if one is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", ":8080", "Address to listen on")
	serveCmd.Flags().StringVar(&adminListenFlag, "admin-listen", "", "Address of the admin API (disabled if empty)")
	serveCmd.Flags().StringVar(&metricsExporterFlag, "metrics-exporter", "none", "Metrics exporter: none, stdout, otlp or prometheus (served on the admin API)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	mp, metricsHandler, err := observe.NewMeterProvider(ctx, metricsExporterFlag, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Could not flush metrics")
		}
	}()

	engine, err := openEngine(fetchcache.WithMeterProvider(mp))
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	// request-scoped loggers with an id per proxied request
	var handler http.Handler = engine
	handler = hlog.RequestIDHandler("reqId", "Request-Id")(handler)
	handler = hlog.NewHandler(log.Logger)(handler)
	servers := []*http.Server{{Addr: listenFlag, Handler: handler}}
	if adminListenFlag != "" {
		admin := chi.NewRouter()
		if metricsHandler != nil {
			admin.Handle("/metrics", metricsHandler)
		}
		admin.Mount("/", engine.AdminHandler())
		servers = append(servers, &http.Server{Addr: adminListenFlag, Handler: admin})
	} else if metricsHandler != nil {
		log.Warn().Msg("Prometheus metrics need --admin-listen to be scraped")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info().Msgf("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("Could not shut down server")
			}
		}
		return nil
	})
	return g.Wait()
}
