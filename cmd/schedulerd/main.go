package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"prism/internal/config"
	"prism/internal/dispatch"
	"prism/internal/health"
	"prism/internal/ingress"
	"prism/internal/janitor"
	"prism/internal/pool"
	"prism/internal/recovery"
	"prism/internal/registry"
	"prism/internal/router"
	"prism/pkg/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	st, err := store.NewEtcdStore(cfg.EtcdEndpoints, logger)
	if err != nil {
		logger.Fatal("connect etcd", zap.Error(err))
	}
	defer st.Close()
	logger.Info("connected to etcd", zap.Strings("endpoints", cfg.EtcdEndpoints))

	reg := registry.New(cfg.Lease.TTL, logger)
	rt := router.New(cfg.Queue.AgingInterval, cfg.Queue.HighWaterMark, logger)

	rules, err := recovery.LoadRules(cfg.Recovery.RulesFile)
	if err != nil {
		logger.Fatal("load recovery rules", zap.Error(err))
	}
	classifier, err := recovery.NewClassifier(rules)
	if err != nil {
		logger.Fatal("compile recovery rules", zap.Error(err))
	}
	rec := recovery.NewManager(cfg.Recovery, classifier, st, logger)

	disp := dispatch.New(st, rt, reg, rec, cfg.Lease.TTL, logger)

	spawner, err := pool.NewDockerSpawner(
		cfg.Pool.WorkerImage,
		[]string{"PRISM_ETCD_ENDPOINTS=" + strings.Join(cfg.EtcdEndpoints, ",")},
		cfg.Pool.GPUSlots,
		logger,
	)
	if err != nil {
		logger.Fatal("init spawner", zap.Error(err))
	}
	poolMgr := pool.NewManager(reg, rt, spawner, disp, cfg.Pool, logger)
	monitor := health.NewMonitor(reg, poolMgr, disp, cfg.Health, cfg.Lease.TTL, logger)
	jan := janitor.New(st, cfg.Janitor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Replay persisted queue and reservation state before accepting work.
	if err := disp.Recover(ctx); err != nil {
		logger.Fatal("recovery replay", zap.Error(err))
	}

	go disp.Run(ctx)
	go poolMgr.Run(ctx)
	go monitor.Run(ctx)
	go func() {
		if err := jan.Run(ctx); err != nil {
			logger.Error("janitor", zap.Error(err))
		}
	}()

	api := ingress.NewServer(disp, st, reg, logger)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Router()}
	go func() {
		logger.Info("ingress listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down scheduler")
	cancel()
	_ = srv.Shutdown(context.Background())
}
