package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"prism/internal/agent"
	"prism/internal/agent/executor"
	"prism/internal/config"
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
	// Spawned workers get their endpoints from the pool manager's env.
	if env := os.Getenv("PRISM_ETCD_ENDPOINTS"); env != "" {
		cfg.EtcdEndpoints = strings.Split(env, ",")
	}

	st, err := store.NewEtcdStore(cfg.EtcdEndpoints, logger)
	if err != nil {
		logger.Fatal("connect etcd", zap.Error(err))
	}
	defer st.Close()

	exec, err := executor.NewDockerExecutor(cfg.Worker.DockerHost, logger)
	if err != nil {
		logger.Fatal("init executor", zap.Error(err))
	}

	a := agent.New(cfg.Worker, cfg.Lease, st, exec, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker", zap.String("worker", a.ID))
	cancel()
}
