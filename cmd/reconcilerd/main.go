// Command reconcilerd runs the affiliate metrics reconciliation
// service in one process: HTTP intake, the priority job queue, the
// worker pool, and the operational event stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/breaker"
	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/engine"
	"github.com/claimpilot/reconciler/events"
	"github.com/claimpilot/reconciler/fetch"
	"github.com/claimpilot/reconciler/intake"
	"github.com/claimpilot/reconciler/integrations"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/queue"
	"github.com/claimpilot/reconciler/store"
	"github.com/claimpilot/reconciler/worker"
)

func main() {
	// .env is optional; deployments usually set the environment
	// directly.
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Default()
	applyEnvOverrides(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, log)
	if err != nil {
		log.Fatal("store initialization failed", zap.Error(err))
	}
	defer closeStore()

	q := openQueue(cfg, log)

	fetcher := fetch.NewFetcher(
		integrations.Registry(),
		breaker.New(cfg.CircuitBreaker),
		fetch.NewPlatformLimiter(cfg.Fetch),
		cfg.Backoff, cfg.Fetch, log,
	)

	hub := events.NewHub(log)
	go hub.Run(ctx)

	eng := engine.New(st, fetcher, q, hub, cfg, log)
	pool := worker.NewPool(q, eng, cfg.Worker, log)
	pool.Start(ctx)

	svc := intake.NewService(st, q, cfg, log)
	api := newAPI(st, q, svc, hub, pool, cfg, log)

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: api.routes()}

	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	pool.Stop()
	log.Info("reconciler stopped")
}

func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.Worker.Count = n
		}
	}
	if v := os.Getenv("QUEUE_MAX"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.Queue.MaxInMemory = n
		}
	}
}

func openStore(ctx context.Context, log *zap.Logger) (store.Store, func(), error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn, log)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		log.Info("using postgres store")
		return pg, pg.Close, nil
	}

	mem := store.NewMemory()
	if err := seedDemoData(ctx, mem); err != nil {
		return nil, nil, err
	}
	log.Info("using in-memory store with demo seed data")
	return mem, func() {}, nil
}

func openQueue(cfg *config.Config, log *zap.Logger) queue.Queue {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		url := addr
		if !strings.Contains(url, "://") {
			url = "redis://" + url
		}
		q, err := queue.NewRedisQueue(url, cfg.Queue, log)
		if err == nil {
			return q
		}
		log.Warn("redis queue unavailable, using in-memory queue", zap.Error(err))
	}
	return queue.NewMemoryQueue(cfg.Queue, log)
}

// seedDemoData gives the in-memory store enough rows to accept
// submissions out of the box.
func seedDemoData(ctx context.Context, st store.Store) error {
	platforms := []*model.Platform{
		{Name: "reddit", DisplayName: "Reddit", IsActive: true},
		{Name: "instagram", DisplayName: "Instagram", IsActive: true},
		{Name: "tiktok", DisplayName: "TikTok", IsActive: true},
		{Name: "youtube", DisplayName: "YouTube", IsActive: true},
		{Name: "x", DisplayName: "X", IsActive: true},
	}
	for _, p := range platforms {
		if err := st.CreatePlatform(ctx, p); err != nil {
			return err
		}
	}
	if err := st.CreateCampaign(ctx, &model.Campaign{Name: "Summer Promo", IsActive: true}); err != nil {
		return err
	}
	affiliates := []*model.Affiliate{
		{Name: "Demo Affiliate", Email: "demo@claimpilot.dev", TrustScore: 0.50, IsActive: true},
		{Name: "Trusted Partner", Email: "partner@claimpilot.dev", TrustScore: 0.80, IsActive: true},
	}
	for _, a := range affiliates {
		if err := st.CreateAffiliate(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
