// Package election makes exactly one master instance authoritative at a
// time. Standby instances block in Campaign; the winner runs the scheduler
// and reconciler loops until its session lapses.
package election

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const electionPrefix = "/blockfleet/election/master"

type Config struct {
	// InstanceID identifies this master in the election record.
	InstanceID string

	// SessionTTL bounds how long a crashed leader holds leadership.
	SessionTTL time.Duration

	// OnBecomeLeader runs with a context that is cancelled when
	// leadership is lost.
	OnBecomeLeader func(ctx context.Context)
}

type Elector struct {
	client *clientv3.Client
	cfg    Config
	log    *zap.Logger
}

func New(client *clientv3.Client, cfg Config, log *zap.Logger) (*Elector, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if cfg.OnBecomeLeader == nil {
		return nil, fmt.Errorf("leader callback is required")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Second
	}
	return &Elector{client: client, cfg: cfg, log: log}, nil
}

// Run campaigns for leadership in a loop until ctx is done. Each term runs
// the leader callback; losing the etcd session ends the term and re-enters
// the campaign.
func (e *Elector) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := e.term(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("leadership term ended", zap.Error(err))
		}
	}
	return ctx.Err()
}

func (e *Elector) term(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client,
		concurrency.WithTTL(int(e.cfg.SessionTTL.Seconds())),
		concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("election session: %w", err)
	}
	defer session.Close()

	election := concurrency.NewElection(session, electionPrefix)
	if err := election.Campaign(ctx, e.cfg.InstanceID); err != nil {
		return fmt.Errorf("campaign: %w", err)
	}
	e.log.Info("became leader", zap.String("instance_id", e.cfg.InstanceID))

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			e.log.Warn("election session lost")
			cancel()
		case <-leaderCtx.Done():
		}
	}()

	e.cfg.OnBecomeLeader(leaderCtx)

	// Resign so a standby takes over immediately on clean shutdown.
	resignCtx, resignCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer resignCancel()
	return election.Resign(resignCtx)
}
