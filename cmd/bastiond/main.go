// Command bastiond serves the Bastion authorization engine over HTTP.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/xraph/bastion"
	"github.com/xraph/bastion/alerting"
	"github.com/xraph/bastion/api"
	"github.com/xraph/bastion/broadcast/natskv"
	"github.com/xraph/bastion/broadcast/pgnotify"
	"github.com/xraph/bastion/cache"
	"github.com/xraph/bastion/metrics"
	"github.com/xraph/bastion/store/memory"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	decisions := cache.NewMemory(
		cache.WithTTL(cfg.Engine.CacheTTL),
		cache.WithMaxSize(cfg.CacheMaxEntries),
	)
	opts := []bastion.Option{
		bastion.WithStore(memory.New()),
		bastion.WithCache(decisions),
		bastion.WithLogger(logger),
		bastion.WithConfig(cfg.Engine),
		bastion.WithPlugin(metrics.NewCollector(reg)),
	}

	if cfg.AlertRules != "" {
		rules, err := alerting.LoadRulesFile(cfg.AlertRules)
		if err != nil {
			return err
		}
		opts = append(opts, bastion.WithAlertRules(rules...))
	}

	for _, w := range cfg.Webhooks {
		wn := alerting.NewWebhookNotifier(w.Name, w.URL, &http.Client{Timeout: 5 * time.Second})
		for k, v := range w.Headers {
			wn.SetHeader(k, v)
		}
		var n alerting.Notifier = wn
		if w.PerSecond > 0 {
			n = alerting.Throttle(wn, w.PerSecond, max(w.Burst, 1))
		}
		opts = append(opts, bastion.WithNotifier(n))
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("bastiond"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		kvOpts := []natskv.Option{natskv.WithLogger(logger)}
		if cfg.NATS.Bucket != "" {
			kvOpts = append(kvOpts, natskv.WithBucket(cfg.NATS.Bucket))
		}
		if cfg.NATS.TTL > 0 {
			kvOpts = append(kvOpts, natskv.WithTTL(cfg.NATS.TTL))
		}
		t, err := natskv.New(js, kvOpts...)
		if err != nil {
			return err
		}
		opts = append(opts, bastion.WithTransport(t))
		if cfg.NATS.AlertSubject != "" {
			opts = append(opts, bastion.WithNotifier(alerting.NewNATSNotifier(nc, cfg.NATS.AlertSubject)))
		}
	}

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		pgOpts := []pgnotify.Option{pgnotify.WithLogger(logger)}
		if cfg.Postgres.Channel != "" {
			pgOpts = append(pgOpts, pgnotify.WithChannel(cfg.Postgres.Channel))
		}
		t := pgnotify.New(pool, pgOpts...)
		if err := t.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, bastion.WithTransport(t))
	}

	eng, err := bastion.NewEngine(opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.Store().Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", api.New(eng, nil).Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	logger.Info("bastiond listening",
		slog.String("addr", cfg.Listen),
		slog.Duration("cache_ttl", eng.Config().CacheTTL),
		slog.Bool("nats", cfg.NATS.URL != ""),
		slog.Bool("postgres", cfg.Postgres.DSN != ""),
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	return eng.Stop(shutdownCtx)
}
