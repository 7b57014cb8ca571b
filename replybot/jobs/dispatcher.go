// Package jobs is a small in-process job runner: a bounded queue drained by a
// fixed number of workers, a handler registry keyed by job kind, per-attempt
// timeouts with linear retry backoff, and cron-driven recurring jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/config"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrUnknownKind   = errors.New("jobs: no handler registered for kind")
	ErrQueueFull     = errors.New("jobs: queue is full")
	ErrStopped       = errors.New("jobs: dispatcher is stopped")
	ErrDuplicateKind = errors.New("jobs: handler already registered for kind")
)

// Job is one unit of work.
type Job struct {
	ID         string
	Kind       string
	Payload    []byte
	Attempt    int // 1-based
	EnqueuedAt time.Time
}

// Handler runs a job. A non-nil error marks the attempt failed and schedules
// a retry while attempts remain.
type Handler func(ctx context.Context, job Job) error

// Options tune the dispatcher.
type Options struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration // per attempt; zero disables
	MaxAttempts int
	Backoff     time.Duration // attempt n waits n*Backoff before retrying
}

// OptionsFromConfig maps the jobs section of the configuration.
func OptionsFromConfig(c config.JobsConfig) Options {
	return Options{
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		Timeout:     c.TaskTimeout,
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.RetryBackoff,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.QueueSize < 1 {
		o.QueueSize = 64
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	return o
}

type metrics struct {
	enqueued  *prometheus.CounterVec
	succeeded *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replybot",
			Subsystem: "jobs",
			Name:      name,
			Help:      help,
		}, []string{"kind"})
	}
	m := &metrics{
		enqueued:  counter("enqueued_total", "Jobs accepted into the queue."),
		succeeded: counter("succeeded_total", "Jobs whose handler returned nil."),
		failed:    counter("failed_total", "Jobs that exhausted their attempts."),
		retried:   counter("retried_total", "Failed attempts that were retried."),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.succeeded, m.failed, m.retried)
	}
	return m
}

// Dispatcher owns the queue and the worker pool.
type Dispatcher struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	recurring []recurring
	queue     chan Job

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	cancel    context.CancelFunc
	done      sync.WaitGroup
}

// NewDispatcher builds a dispatcher. reg may be nil to skip metric registration.
func NewDispatcher(opts Options, logger zerolog.Logger, reg prometheus.Registerer) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		opts:     opts,
		logger:   logger.With().Str("component", "jobs").Logger(),
		metrics:  newMetrics(reg),
		now:      time.Now,
		after:    time.After,
		handlers: make(map[string]Handler),
		queue:    make(chan Job, opts.QueueSize),
		stopped:  make(chan struct{}),
	}
}

// Register binds a handler to a job kind.
func (d *Dispatcher) Register(kind string, h Handler) error {
	if kind == "" || h == nil {
		return fmt.Errorf("jobs: kind and handler are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	d.handlers[kind] = h
	return nil
}

// Enqueue queues a job without blocking and returns its id.
func (d *Dispatcher) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-d.stopped:
		return "", ErrStopped
	default:
	}

	d.mu.RLock()
	_, ok := d.handlers[kind]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	job := Job{ID: uuid.NewString(), Kind: kind, Payload: payload, EnqueuedAt: d.now()}
	select {
	case d.queue <- job:
		d.metrics.enqueued.WithLabelValues(kind).Inc()
		d.logger.Debug().Str("job_id", job.ID).Str("task_kind", kind).Msg("job enqueued")
		return job.ID, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrQueueFull, kind)
	}
}

// Start launches the worker pool and the recurring schedules. Calling it more
// than once has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)

		d.done.Add(1)
		go func() {
			defer d.done.Done()
			d.drain(ctx)
		}()

		d.mu.RLock()
		entries := append([]recurring(nil), d.recurring...)
		d.mu.RUnlock()
		for _, r := range entries {
			d.done.Add(1)
			go func(r recurring) {
				defer d.done.Done()
				d.scheduleLoop(ctx, r)
			}(r)
		}

		d.logger.Info().
			Int("workers", d.opts.Workers).
			Int("queue_size", d.opts.QueueSize).
			Int("recurring", len(entries)).
			Msg("dispatcher started")
	})
}

// Stop refuses new jobs, stops pulling from the queue, and waits for running
// jobs to finish or for ctx to expire. Jobs still queued are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stopped)
		if d.cancel != nil {
			d.cancel()
		}
	})

	finished := make(chan struct{})
	go func() {
		d.done.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		if n := len(d.queue); n > 0 {
			d.logger.Warn().Int("dropped", n).Msg("dispatcher stopped with queued jobs")
		}
		d.logger.Info().Msg("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(d.opts.Workers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			p.Go(func() { d.process(job) })
		}
	}
}

// process runs every attempt of one job. Attempts use a fresh context so a
// Stop lets the current attempt finish; backoff waits are cut short by Stop.
func (d *Dispatcher) process(job Job) {
	d.mu.RLock()
	h := d.handlers[job.Kind]
	d.mu.RUnlock()

	log := d.logger.With().Str("job_id", job.ID).Str("task_kind", job.Kind).Logger()

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		job.Attempt = attempt
		start := d.now()
		err := d.attempt(h, job)
		if err == nil {
			d.metrics.succeeded.WithLabelValues(job.Kind).Inc()
			log.Debug().Int("attempt", attempt).Dur("duration", d.now().Sub(start)).Msg("job succeeded")
			return
		}

		if attempt == d.opts.MaxAttempts {
			d.metrics.failed.WithLabelValues(job.Kind).Inc()
			log.Error().Err(err).Int("attempt", attempt).Msg("job failed")
			return
		}

		d.metrics.retried.WithLabelValues(job.Kind).Inc()
		wait := time.Duration(attempt) * d.opts.Backoff
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("job attempt failed, retrying")

		select {
		case <-d.after(wait):
		case <-d.stopped:
			d.metrics.failed.WithLabelValues(job.Kind).Inc()
			log.Warn().Int("attempt", attempt).Msg("job abandoned on shutdown")
			return
		}
	}
}

func (d *Dispatcher) attempt(h Handler, job Job) (err error) {
	ctx := context.Background()
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			d.logger.Error().
				Str("job_id", job.ID).
				Str("stack", string(debug.Stack())).
				Msg("job handler panicked")
		}
	}()

	return h(ctx, job)
}
