package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/axiomesh/treasury"
	"github.com/axiomesh/treasury/api"
	"github.com/axiomesh/treasury/chain"
	"github.com/axiomesh/treasury/core"
	"github.com/axiomesh/treasury/ledger"
	"github.com/axiomesh/treasury/notify"
	"github.com/axiomesh/treasury/ratelimit"
	"github.com/axiomesh/treasury/repo"
	"github.com/axiomesh/treasury/reviewer"
	"github.com/axiomesh/treasury/store"
	"github.com/axiomesh/treasury/tasks"
	"github.com/axiomesh/treasury/webhook"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
)

func start(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	r, err := repo.Load(p)
	if err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}
	logger := log.New()
	logger.SetLevel(log.ParseLevel(r.Config.Log.Level))

	printVersion()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Infof)); err != nil {
		logger.Warnf("set GOMAXPROCS: %s", err)
	}

	d, err := newDaemon(ctx.Context, r, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	handleShutdown(d, &wg)

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("start treasury failed: %w", err)
	}

	fmt.Println("=============Treasury is ready=============")

	wg.Wait()

	return nil
}

// daemon owns every long running component and stops them in reverse order.
type daemon struct {
	repo   *repo.Repo
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	store     *store.Store
	client    *ethclient.Client
	queue     *tasks.Queue
	publisher notify.Publisher
	orch      *core.Orchestrator
	cursor    storage.Storage
	watcher   *chain.Watcher
	sweeper   *core.Sweeper
	limiter   *ratelimit.Limiter
	server    *http.Server

	stopOnce sync.Once
}

func newDaemon(parent context.Context, r *repo.Repo, logger *logrus.Logger) (_ *daemon, err error) {
	cfg := r.Config
	ctx, cancel := context.WithCancel(parent)
	d := &daemon{repo: r, logger: logger, ctx: ctx, cancel: cancel}
	defer func() {
		if err != nil {
			d.Stop()
		}
	}()

	pool, err := cfg.PoolAmount()
	if err != nil {
		return nil, err
	}
	quorum, err := cfg.QuorumAmount()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d.store, err = store.Open(store.Config{
		Driver:  cfg.Database.Driver,
		DataDir: r.DataPath(),
		DSN:     cfg.Database.DSN,
	}, logger.WithField("module", "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var gateway *chain.Gateway
	gateway, d.client, err = chain.Dial(ctx, chain.Config{
		DialURL:         cfg.Chain.DialURL,
		ContractAddress: cfg.Chain.ContractAddress,
		TokenAddress:    cfg.Chain.TokenAddress,
		PrivateKey:      cfg.Chain.PrivateKey,
		ChainID:         cfg.Chain.ChainID,
		ConfirmTimeout:  cfg.Chain.ConfirmTimeout,
	}, logger.WithField("module", "chain"))
	if err != nil {
		return nil, err
	}
	wallet, err := chain.NewWallet(cfg.Ledger.Mode, gateway)
	if err != nil {
		return nil, err
	}

	led, err := ledger.New(pool, wallet, d.store, logger.WithField("module", "ledger"))
	if err != nil {
		return nil, err
	}
	allocs, err := d.store.ListAllocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	led.Restore(allocs)

	d.queue = tasks.New(tasks.Config{
		Workers:     cfg.Tasks.Workers,
		QueueSize:   cfg.Tasks.QueueSize,
		Timeout:     cfg.Tasks.Timeout,
		MaxAttempts: cfg.Tasks.MaxAttempts,
		Backoff:     cfg.Tasks.Backoff,
	}, reg, logger.WithField("module", "tasks"))

	d.publisher = notify.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.WithField("module", "notify"))
		if err != nil {
			return nil, err
		}
		d.publisher = nc
	}

	rev := reviewer.New(reviewer.NewClient(reviewer.Config{
		BaseURL:     cfg.Reviewer.BaseURL,
		APIKey:      cfg.Reviewer.APIKey,
		Model:       cfg.Reviewer.Model,
		MaxTokens:   cfg.Reviewer.MaxTokens,
		Timeout:     cfg.Reviewer.Timeout,
		MaxAttempts: cfg.Reviewer.MaxAttempts,
		Backoff:     cfg.Reviewer.Backoff,
	}, logger.WithField("module", "reviewer")), cfg.Reviewer.Timeout, logger.WithField("module", "reviewer"))

	d.orch, err = core.New(core.Config{
		SubmissionCooldown: cfg.Submission.Cooldown,
		MaxTitleLength:     cfg.Submission.MaxTitleLength,
		MaxBodyLength:      cfg.Submission.MaxBodyLength,
		VotingPeriod:       cfg.Submission.VotingPeriod,
		Quorum:             quorum,
		AutoFinalize:       cfg.Submission.AutoFinalize,
	}, core.Deps{
		Store:      d.store,
		Gateway:    gateway,
		Reviewer:   rev,
		Ledger:     led,
		Queue:      d.queue,
		Publisher:  d.publisher,
		Registerer: reg,
	}, logger.WithField("module", "core"))
	if err != nil {
		return nil, err
	}

	if cfg.Watcher.Enable {
		d.cursor, err = leveldb.New(filepath.Join(cfg.RepoRoot, repo.WatcherDirName))
		if err != nil {
			return nil, fmt.Errorf("open watcher cursor: %w", err)
		}
		dialURL := cfg.Chain.DialURL
		d.watcher = chain.NewWatcher(chain.WatcherConfig{
			Address:           common.HexToAddress(cfg.Chain.ContractAddress),
			FromBlock:         cfg.Watcher.FromBlock,
			Quorum:            quorum,
			ReconnectAttempts: cfg.Watcher.ReconnectAttempts,
			ReconnectBackoff:  cfg.Watcher.ReconnectBackoff,
			RetryInterval:     cfg.Watcher.RetryInterval,
		}, d.client, func(ctx context.Context) (chain.Client, error) {
			c, err := ethclient.DialContext(ctx, dialURL)
			if err != nil {
				return nil, err
			}
			return c, nil
		}, d.cursor, gateway, d.orch.ChainHandler(), logger.WithField("module", "watcher"))
	}

	if cfg.Sweeper.Enable {
		d.sweeper = core.NewSweeper(core.SweeperConfig{
			Interval:  cfg.Sweeper.Interval,
			MinAge:    cfg.Sweeper.MinAge,
			BatchSize: cfg.Sweeper.BatchSize,
		}, d.orch, logger.WithField("module", "sweeper"))
	}

	d.limiter = ratelimit.New(logger.WithField("module", "ratelimit"),
		ratelimit.WithSweepInterval(cfg.RateLimit.SweepInterval))

	var hook http.Handler
	if cfg.Webhook.Secret != "" {
		hook = webhook.NewHandler(webhook.Config{
			Secret:       cfg.Webhook.Secret,
			MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		}, d.orch, reg, logger.WithField("module", "webhook"))
	} else {
		logger.Warn("webhook secret not configured, chain webhooks disabled")
	}

	srv := api.New(api.Config{
		SubmitLimit:  cfg.RateLimit.SubmitLimit,
		SubmitWindow: cfg.RateLimit.SubmitWindow,
	}, api.Deps{
		Lifecycle:  d.orch,
		Treasury:   led,
		Limiter:    d.limiter,
		Webhook:    hook,
		Gatherer:   reg,
		Registerer: reg,
	}, logger.WithField("module", "api"))
	d.server = &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return d, nil
}

func (d *daemon) Start() error {
	d.queue.Start(d.orch)
	d.limiter.Start(d.ctx)
	if d.watcher != nil {
		if err := d.watcher.Start(d.ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	if d.sweeper != nil {
		d.sweeper.Start(d.ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	d.logger.WithField("addr", d.server.Addr).Info("http server listening")

	go func() {
		if err := <-errCh; err != nil {
			d.logger.Errorf("http server: %s", err)
			d.cancel()
		}
	}()
	return nil
}

func (d *daemon) Stop() {
	d.stopOnce.Do(func() {
		if d.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.repo.Config.HTTP.ShutdownTimeout)
			if err := d.server.Shutdown(ctx); err != nil {
				d.logger.Warnf("http shutdown: %s", err)
			}
			cancel()
		}
		if d.sweeper != nil {
			d.sweeper.Stop()
		}
		if d.watcher != nil {
			d.watcher.Stop()
		}
		if d.limiter != nil {
			d.limiter.Stop()
		}
		if d.queue != nil {
			d.queue.Stop()
		}
		d.cancel()
		if d.publisher != nil {
			d.publisher.Close()
		}
		if d.cursor != nil {
			if err := d.cursor.Close(); err != nil {
				d.logger.Warnf("close watcher cursor: %s", err)
			}
		}
		if d.client != nil {
			d.client.Close()
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				d.logger.Warnf("close store: %s", err)
			}
		}
		d.logger.Info("treasury stopped")
	})
}

func printVersion() {
	fmt.Printf("Treasury version: %s-%s-%s\n", treasury.CurrentVersion, treasury.CurrentBranch, treasury.CurrentCommit)
	fmt.Printf("App build date: %s\n", treasury.BuildDate)
	fmt.Printf("System version: %s\n", treasury.Platform)
	fmt.Printf("Golang version: %s\n", treasury.GoVersion)
	fmt.Println()
}

func handleShutdown(d *daemon, wg *sync.WaitGroup) {
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-stop:
			fmt.Println("received interrupt signal, shutting down...")
		case <-d.ctx.Done():
			fmt.Println("treasury context closed, shutting down...")
		}
		d.Stop()
		wg.Done()
	}()
}
