package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/mailflow/internal/app"
	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for /metrics, empty to disable")
	flag.Parse()

	log.Println("Starting mailflow ingestion worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	wcfg := worker.DefaultConfig()
	wcfg.Concurrency = cfg.Queue.Workers
	pool := worker.NewPool(a.Queue, a.Protocol, wcfg, worker.WithBreakerListener(a.Metrics.SetBreakerOpen))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })

	if d := a.Dispatcher(); d != nil {
		g.Go(func() error {
			if err := d.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	retention := worker.NewRetentionWorker(a.DB, worker.RetentionConfig{
		Interval:         cfg.Retention.Interval(),
		NotificationsTTL: cfg.Retention.NotificationsTTL(),
		DeadLettersTTL:   cfg.Retention.DeadLettersTTL(),
		Pause:            100 * time.Millisecond,
	})
	g.Go(func() error { return retention.Run(gctx) })

	var srv *http.Server
	if *metricsAddr != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: *metricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("Metrics listening on %s", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	log.Printf("Worker running (concurrency=%d, backend=%s)", wcfg.Concurrency, cfg.Queue.Backend)

	if err := g.Wait(); err != nil {
		log.Printf("Worker stopped with error: %v", err)
	}

	log.Println("Shutting down worker...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	s := pool.Stats()
	log.Printf("Worker stopped (acked=%d nacked=%d retried=%d panics=%d)", s.Acked, s.Nacked, s.Retried, s.Panics)
}
