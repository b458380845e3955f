package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"calhub/internal/aggregate"
	"calhub/internal/config"
	"calhub/internal/gcal"
	"calhub/internal/ics"
	appLog "calhub/internal/log"
	"calhub/internal/messages"
	"calhub/internal/metrics"
	"calhub/internal/normalize"
	"calhub/internal/provider"
	"calhub/internal/registry"
	"calhub/internal/store"
	"calhub/internal/web"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	appLog.Info("calhub starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"locale", cfg.Locale,
		"refresh", cfg.Refresh,
		"store_path", cfg.StorePath,
		"google", cfg.Google.Enabled(),
		"basic_auth", cfg.BasicAuth != nil,
	)

	kv, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		return err
	}
	defer kv.Close()

	m := metrics.New()
	svc := newService(ctx, cfg, kv, m)
	if err := svc.Init(ctx); err != nil {
		return err
	}

	if cfg.RefreshEnabled() {
		wait, err := scheduleRefresh(ctx, cfg, func(ctx context.Context) { refreshAll(ctx, svc) })
		if err != nil {
			return err
		}
		// Runs before kv.Close.
		defer wait()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           web.NewServer(cfg, svc, m, messages.NewCatalog(cfg.Locale)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("calhub exiting")
	return nil
}

func newService(ctx context.Context, cfg *config.Config, kv store.KV, m *metrics.Metrics) *aggregate.Service {
	loc := cfg.Location()
	fetcher := ics.NewFetcher(kv, ics.FetcherOptions{
		Timeout:   cfg.FetchTimeout(),
		UserAgent: cfg.UserAgent,
		MaxBytes:  cfg.MaxDocumentBytes,
	})

	var p provider.Provider
	if client, err := newGoogleClient(ctx, cfg.Google); err != nil {
		appLog.Error("google provider disabled", err)
	} else if client != nil {
		p = client
	}

	return aggregate.New(registry.New(kv), fetcher, p, m, aggregate.Options{
		Location:         loc,
		Lang:             language.Make(cfg.Locale),
		ExcludeCalendars: cfg.Google.ExcludeCalendars,
		SearchGroups:     cfg.SearchGroups,
		Normalizer: &normalize.Normalizer{
			Location:   loc,
			Delimiters: regexp.MustCompile(cfg.GroupDelimiters),
		},
		ExtraStopwords: cfg.ExtraStopwords,
	})
}

// newGoogleClient returns nil, nil when the provider is not configured.
func newGoogleClient(ctx context.Context, g config.GoogleConfig) (*gcal.Client, error) {
	if !g.Enabled() {
		return nil, nil
	}
	conf, err := gcal.LoadOAuthConfig(g.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return gcal.NewFromTokenStore(ctx, conf, tokenStore(g), g.MaxResults)
}

func tokenStore(g config.GoogleConfig) gcal.TokenStore {
	if g.KeyringUser != "" {
		return gcal.KeyringTokenStore{User: g.KeyringUser}
	}
	return gcal.FileTokenStore{Path: g.TokenFile}
}

// scheduleRefresh runs refresh once now and then on cfg.Refresh. The
// returned wait stops the schedule and blocks until every started run,
// the initial one included, has returned.
func scheduleRefresh(ctx context.Context, cfg *config.Config, refresh func(context.Context)) (func(), error) {
	c := cron.New(cron.WithLocation(cfg.Location()))
	if _, err := c.AddFunc(cfg.Refresh, func() { refresh(ctx) }); err != nil {
		return nil, err
	}
	c.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		refresh(ctx)
	}()

	return func() {
		<-c.Stop().Done()
		wg.Wait()
	}, nil
}

func refreshAll(ctx context.Context, svc *aggregate.Service) {
	began := time.Now()
	outs, err := svc.RefreshAll(ctx)
	if err != nil {
		appLog.Error("refresh finished with failures", err, "sources", len(outs))
		return
	}
	appLog.Info("refresh finished", "sources", len(outs), "duration_ms", time.Since(began).Milliseconds())
}
