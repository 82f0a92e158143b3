package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/axiomesh/treasury/tasks"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultSweepMinAge   = 2 * time.Minute
	DefaultSweepBatch    = 100
)

type SweeperConfig struct {
	Interval time.Duration
	// MinAge skips proposals touched more recently than this.
	MinAge    time.Duration
	BatchSize int
}

// Sweeper schedules work for proposals whose follow-up task was lost or
// dropped: a failed enqueue, a restart, an exhausted retry.
type Sweeper struct {
	cfg    SweeperConfig
	o      *Orchestrator
	logger logrus.FieldLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweeper(cfg SweeperConfig, o *Orchestrator, logger logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = DefaultSweepMinAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatch
	}
	return &Sweeper{cfg: cfg, o: o, logger: logger, stopCh: make(chan struct{})}
}

// SweepOnce schedules one pass and returns how many tasks were queued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.o.now().Add(-s.cfg.MinAge)
	scheduled := 0
	for _, r := range recoverable {
		if r.kind == tasks.KindFinalize && !s.o.cfg.AutoFinalize {
			continue
		}
		list, err := s.o.store.ListByStatus(ctx, r.status, s.cfg.BatchSize)
		if err != nil {
			return scheduled, err
		}
		for _, p := range list {
			if p.UpdatedAt.After(cutoff) || !wants(r.kind, p) {
				continue
			}
			err := s.o.queue.Enqueue(tasks.Task{Kind: r.kind, ProposalID: p.ID})
			if errors.Is(err, tasks.ErrQueueFull) || errors.Is(err, tasks.ErrStopped) {
				return scheduled, err
			}
			if err != nil {
				s.logger.WithField("proposal", p.ID).Warnf("sweeper enqueue %s: %s", r.kind, err)
				continue
			}
			s.o.metrics.sweepScheduled.WithLabelValues(string(r.kind)).Inc()
			scheduled++
		}
	}
	return scheduled, nil
}

func wants(kind tasks.Kind, p *proposal.Proposal) bool {
	switch kind {
	case tasks.KindRegister:
		// on_chain_pending only needs it while the review vote is not recorded
		return p.Status == proposal.StatusApproved || p.ReviewTxRef == ""
	case tasks.KindReconcile:
		return p.OnChainID != nil
	}
	return true
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				n, err := s.SweepOnce(ctx)
				if err != nil {
					s.logger.Warnf("sweep: %s", err)
				}
				if n > 0 {
					s.logger.Infof("sweeper scheduled %d tasks", n)
				}
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
