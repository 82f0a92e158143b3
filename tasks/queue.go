// Package tasks runs lifecycle work on a bounded worker pool.
//
// Tasks run detached from the caller's context with their own timeout.
// Failed tasks are retried with Fibonacci backoff unless the handler marks
// the error permanent. Tasks still queued at Stop are dropped; the sweeper
// schedules them again.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindReview    Kind = "review"
	KindRegister  Kind = "register"
	KindFinalize  Kind = "finalize"
	KindReconcile Kind = "reconcile"
)

var (
	ErrQueueFull = errors.New("task queue full")
	ErrStopped   = errors.New("task queue stopped")
)

type Task struct {
	Kind       Kind
	ProposalID string
	EnqueuedAt time.Time
}

func (t Task) key() string {
	return string(t.Kind) + "/" + t.ProposalID
}

type Handler interface {
	HandleTask(ctx context.Context, t Task) error
}

type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) HandleTask(ctx context.Context, t Task) error {
	return f(ctx, t)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Config struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts uint
	Backoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1000,
		Timeout:     5 * time.Minute,
		MaxAttempts: 5,
		Backoff:     2 * time.Second,
	}
}

type metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	depth     prometheus.Gauge
}

type Queue struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics metrics

	queue  chan Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	pending map[string]struct{}
}

func New(cfg Config, reg prometheus.Registerer, logger logrus.FieldLogger) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	factory := promauto.With(reg)
	return &Queue{
		cfg:    cfg,
		logger: logger,
		metrics: metrics{
			processed: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "treasury_tasks_processed_total",
				Help: "Lifecycle tasks processed by kind and result",
			}, []string{"kind", "result"}),
			duration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "treasury_task_duration_seconds",
				Help:    "Lifecycle task duration including retries",
				Buckets: prometheus.DefBuckets,
			}, []string{"kind"}),
			depth: factory.NewGauge(prometheus.GaugeOpts{
				Name: "treasury_task_queue_depth",
				Help: "Tasks waiting for a worker",
			}),
		},
		queue:   make(chan Task, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		pending: make(map[string]struct{}),
	}
}

// Start launches the workers. It is a no-op after the first call.
func (q *Queue) Start(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(h)
	}
}

// Enqueue schedules t. A task with the same kind and proposal that is
// already queued or running absorbs the new one.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	if _, ok := q.pending[t.key()]; ok {
		return nil
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	select {
	case q.queue <- t:
		q.pending[t.key()] = struct{}{}
		q.metrics.depth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Len is the number of queued or running tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stopCh)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker(h Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case t := <-q.queue:
			q.metrics.depth.Dec()
			q.run(h, t)
			q.mu.Lock()
			delete(q.pending, t.key())
			q.mu.Unlock()
		}
	}
}

func (q *Queue) run(h Handler, t Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
	defer cancel()

	logger := q.logger.WithFields(logrus.Fields{"task": t.Kind, "proposal": t.ProposalID})

	var final error
	abandoned := false
	action := func(attempt uint) error {
		select {
		case <-q.stopCh:
			abandoned = true
			return nil
		default:
		}
		err := h.HandleTask(ctx, t)
		if err == nil || IsPermanent(err) || ctx.Err() != nil {
			final = err
			return nil
		}
		logger.Warnf("task attempt %d failed: %s", attempt+1, err)
		return err
	}
	err := retry.Retry(action, strategy.Limit(q.cfg.MaxAttempts), strategy.Backoff(backoff.Fibonacci(q.cfg.Backoff)))
	if err == nil {
		err = final
	}
	q.metrics.duration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())

	switch {
	case abandoned:
		q.metrics.processed.WithLabelValues(string(t.Kind), "abandoned").Inc()
	case err == nil:
		q.metrics.processed.WithLabelValues(string(t.Kind), "ok").Inc()
		logger.Debug("task done")
	case IsPermanent(err):
		q.metrics.processed.WithLabelValues(string(t.Kind), "dropped").Inc()
		logger.Infof("task dropped: %s", err)
	default:
		q.metrics.processed.WithLabelValues(string(t.Kind), "failed").Inc()
		logger.Errorf("task failed: %s", err)
	}
}
