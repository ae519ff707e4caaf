package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"blockfleet/internal/agent"
	"blockfleet/internal/agent/runtime"
	"blockfleet/internal/config"
	"blockfleet/pkg/store"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	cfg := config.Default()
	config.BindCommonFlags(pflag.CommandLine, &cfg)
	config.BindAgentFlags(pflag.CommandLine, &cfg)
	pflag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal("load config", zap.Error(err))
		}
		cfg = loaded
		pflag.Parse()
	}

	st, err := store.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.Std(), log)
	if err != nil {
		log.Fatal("connect etcd", zap.Error(err))
	}
	defer st.Close()

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		log.Fatal("init docker runtime", zap.Error(err))
	}

	a := agent.New(cfg.Agent.HostID, cfg.Agent.Addr, cfg.Agent.Capacity,
		cfg.Agent.HeartbeatInterval.Std(), st, rt, log.Named("agent"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := a.Run(ctx); err != nil {
			log.Fatal("agent run", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down agent")
}
