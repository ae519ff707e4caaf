package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"blockfleet/internal/config"
	"blockfleet/internal/master/election"
	"blockfleet/internal/master/ledger"
	"blockfleet/internal/master/reconciler"
	"blockfleet/internal/master/registry"
	"blockfleet/internal/master/scheduler"
	"blockfleet/pkg/store"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	cfg := config.Default()
	config.BindCommonFlags(pflag.CommandLine, &cfg)
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
		pflag.Parse() // flags override the file
	}

	st, err := store.NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.Std(), log)
	if err != nil {
		log.Fatal("connect etcd", zap.Error(err))
	}
	defer st.Close()
	log.Info("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))

	reg := registry.New(st)
	led := ledger.New(log.Named("ledger"))
	sched := scheduler.New(st, reg, led, cfg.Master.ReserveTimeout.Std(), log.Named("scheduler"))
	recon := reconciler.New(st, led, sched, reconciler.Config{
		OfflineThreshold:  cfg.Master.OfflineThreshold.Std(),
		SweepInterval:     cfg.Master.SweepInterval.Std(),
		ReplaceBackoff:    cfg.Master.ReplaceBackoff.Std(),
		ReplaceBackoffMax: cfg.Master.ReplaceBackoffMax.Std(),
		ConsensusStreak:   cfg.Master.ConsensusStreak,
	}, log.Named("reconciler"))

	elector, err := election.New(st.Client(), election.Config{
		InstanceID: cfg.Master.InstanceID,
		SessionTTL: cfg.Master.SessionTTL.Std(),
		OnBecomeLeader: func(leaderCtx context.Context) {
			// The stored Node→Host assignments are the source of truth;
			// the ledger is rebuilt from them every term.
			hosts, err := st.ListHosts(leaderCtx)
			if err != nil {
				log.Error("list hosts for rebuild", zap.Error(err))
				return
			}
			nodes, err := st.ListNodes(leaderCtx)
			if err != nil {
				log.Error("list nodes for rebuild", zap.Error(err))
				return
			}
			if err := led.Rebuild(hosts, nodes); err != nil {
				log.Error("ledger rebuild", zap.Error(err))
				return
			}

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				sched.Run(leaderCtx)
			}()
			go func() {
				defer wg.Done()
				recon.Run(leaderCtx)
			}()
			wg.Wait()
		},
	}, log.Named("election"))
	if err != nil {
		log.Fatal("init elector", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := elector.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("election loop", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down master")
}
