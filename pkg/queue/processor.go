/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/stocktracker/mailqueue/pkg/audit"
	"github.com/stocktracker/mailqueue/pkg/metrics"
	"github.com/stocktracker/mailqueue/pkg/system"
	"github.com/stocktracker/mailqueue/pkg/utils"
)

// Transport delivers one email. Implementations enforce their own per-call timeout.
type Transport interface {
	Deliver(ctx context.Context, to, subject, html string) (string, error)
	Host() string
}

// DefaultTickInterval is how often the processor looks for eligible jobs.
const DefaultTickInterval = 30 * time.Second

// saveTimeout bounds the outcome write, which runs even after shutdown started.
const saveTimeout = 10 * time.Second

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	TickInterval time.Duration
	BatchSize    int
	Policy       EligibilityPolicy
	// StaleAfter is how long a job may stay processing before it is considered
	// interrupted. Zero disables recovery.
	StaleAfter time.Duration
	// Concurrency > 1 delivers the jobs of one tick in parallel.
	Concurrency int
	// Retry is applied around every transport call.
	Retry utils.RetryConfig
	// StoreRetries and StoreRetryDelay bound the retries of the outcome write.
	StoreRetries    int
	StoreRetryDelay time.Duration
	Clock           clock.Clock
}

// DefaultProcessorConfig returns the production queue policy.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		TickInterval:    DefaultTickInterval,
		BatchSize:       DefaultBatchSize,
		Policy:          DefaultEligibilityPolicy(),
		StaleAfter:      15 * time.Minute,
		Concurrency:     1,
		Retry:           utils.DefaultRetryConfig(),
		StoreRetries:    2,
		StoreRetryDelay: 500 * time.Millisecond,
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Recovered  int
	Selected   int
	Claimed    int
	Lost       int
	Completed  int
	Failed     int
	SaveErrors int
	Panics     int
}

type jobOutcome struct {
	claimed    bool
	lost       bool
	completed  bool
	failed     bool
	saveFailed bool
	panicked   bool
}

// Processor delivers queued email. It holds no job state of its own: every tick
// reads eligible jobs from the Store and claims them before delivering.
type Processor struct {
	store     Store
	transport Transport
	events    *audit.Manager
	cfg       ProcessorConfig
	clock     clock.Clock
	log       *zap.SugaredLogger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewProcessor creates a Processor. events may be nil.
func NewProcessor(store Store, transport Transport, events *audit.Manager, cfg ProcessorConfig, log *zap.SugaredLogger) *Processor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = clk
	}

	log.Infow("Initializing email queue processor",
		"tickInterval", cfg.TickInterval.String(),
		"batchSize", cfg.BatchSize,
		"maxAttempts", cfg.Policy.MaxAttempts,
		"cooldown", cfg.Policy.Cooldown.String(),
		"concurrency", cfg.Concurrency,
		"transportHost", transport.Host())

	return &Processor{
		store:     store,
		transport: transport,
		events:    events,
		cfg:       cfg,
		clock:     clk,
		log:       log,
	}
}

// Start schedules Tick every TickInterval. A tick that is still running when the
// next one is due causes that one to be skipped.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return fmt.Errorf("processor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger(p.log)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc("@every "+p.cfg.TickInterval.String(), func() { p.runTick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule processor tick: %w", err)
	}
	c.Start()

	p.cron = c
	p.cancel = cancel
	p.log.Infow("Email queue processor started", "tickInterval", p.cfg.TickInterval.String())
	return nil
}

// Stop stops scheduling and waits for a running tick to finish or ctx to end.
// When ctx ends first the running tick is cancelled.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.cron, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}

	p.log.Info("Stopping email queue processor")
	done := c.Stop()
	select {
	case <-done.Done():
		cancel()
		p.log.Info("Email queue processor stopped gracefully")
		return nil
	case <-ctx.Done():
		cancel()
		p.log.Warnw("Email queue processor shutdown timeout, running tick was cancelled")
		return ctx.Err()
	}
}

// cronLogger adapts the processor logger to the logr interface cron expects.
func cronLogger(log *zap.SugaredLogger) logr.Logger {
	return zapr.NewLogger(log.Desugar().Named("cron"))
}

func (p *Processor) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := p.Tick(ctx)
	if err != nil {
		p.log.Errorw("Email queue tick failed", "error", err)
		return
	}
	if res.Selected > 0 || res.Recovered > 0 {
		p.log.Infow("Email queue tick finished",
			"selected", res.Selected,
			"completed", res.Completed,
			"failed", res.Failed,
			"lost", res.Lost,
			"recovered", res.Recovered,
			"saveErrors", res.SaveErrors)
	}
}

// Tick runs one pass: recover stale jobs, select a batch of eligible jobs and
// process each of them. Only a failure to select aborts the tick.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	start := p.clock.Now()
	defer func() {
		metrics.TickDuration.Observe(p.clock.Since(start).Seconds())
	}()

	var res TickResult
	res.Recovered = p.recoverStale(ctx, start)

	jobs, err := p.store.SelectEligible(ctx, start, p.cfg.Policy, p.cfg.BatchSize)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("select").Inc()
		return res, fmt.Errorf("failed to select eligible jobs: %w", err)
	}
	res.Selected = len(jobs)

	outcomes := make([]jobOutcome, len(jobs))
	if p.cfg.Concurrency <= 1 {
		for i := range jobs {
			outcomes[i] = p.processJob(ctx, jobs[i].ID)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.cfg.Concurrency)
		for i := range jobs {
			g.Go(func() error {
				outcomes[i] = p.processJob(ctx, jobs[i].ID)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, o := range outcomes {
		if o.claimed {
			res.Claimed++
		}
		if o.lost {
			res.Lost++
		}
		if o.completed {
			res.Completed++
		}
		if o.failed {
			res.Failed++
		}
		if o.saveFailed {
			res.SaveErrors++
		}
		if o.panicked {
			res.Panics++
		}
	}

	p.refreshDepth(ctx)
	return res, nil
}

func (p *Processor) recoverStale(ctx context.Context, now time.Time) int {
	if p.cfg.StaleAfter <= 0 {
		return 0
	}
	n, err := p.store.RecoverStale(ctx, now.Add(-p.cfg.StaleAfter))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("recover").Inc()
		p.log.Warnw("Failed to recover stale email jobs", "error", err)
		return 0
	}
	if n > 0 {
		metrics.JobsRecovered.Add(float64(n))
		p.log.Warnw("Recovered interrupted email jobs", "count", n, "staleAfter", p.cfg.StaleAfter.String())
		p.events.Emit(ctx, &audit.Event{
			Type:    audit.EventJobRecovered,
			Status:  string(StatusFailed),
			Error:   InterruptedError,
			Details: map[string]any{"count": n},
		})
	}
	return n
}

// processJob claims one job, delivers it and writes the outcome. A panic is
// recovered so the remaining jobs of the tick still run.
func (p *Processor) processJob(ctx context.Context, id string) (out jobOutcome) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TickPanics.Inc()
			p.log.Errorw("Panic while processing email job recovered", "id", id, "panic", r)
			out.panicked = true
		}
	}()

	job, err := p.store.Claim(ctx, id, p.clock.Now(), p.cfg.Policy)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("claim").Inc()
		p.log.Warnw("Failed to claim email job", "id", id, "error", err)
		return out
	}
	if job == nil {
		metrics.JobsClaimLost.Inc()
		p.log.Debugw("Email job no longer eligible, skipping", "id", id)
		out.lost = true
		return out
	}
	out.claimed = true
	p.events.EmitJob(ctx, audit.EventJobClaimed, jobInfo(job))

	jobLog := p.log.With(system.JobFields(job.ID, job.To)...)
	jobLog.Infow("Processing queued email",
		"attempt", job.Attempts,
		"maxAttempts", p.cfg.Policy.MaxAttempts)

	sent := utils.WithRetry(ctx, p.cfg.Retry, func(ctx context.Context) (string, error) {
		return p.transport.Deliver(ctx, job.To, job.Subject, job.HTML)
	})

	job.UpdatedAt = p.clock.Now()
	if sent.Ok() {
		job.Status = StatusCompleted
		job.Error = ""
		out.completed = true
	} else {
		job.Status = StatusFailed
		job.Error = sent.Err.Error()
		out.failed = true
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Status)).Inc()
	metrics.JobAttempts.Observe(float64(job.Attempts))

	if err := p.save(ctx, job); err != nil {
		out.saveFailed = true
		metrics.StoreErrors.WithLabelValues("save").Inc()
		jobLog.Errorw("Failed to persist email job outcome, job stays processing until recovered",
			"status", job.Status,
			"attempt", job.Attempts,
			"error", err)
		return out
	}

	switch {
	case out.completed:
		jobLog.Infow("Queued email sent successfully",
			"attempt", job.Attempts,
			"transportCalls", sent.Attempts,
			"messageId", sent.Value)
		p.events.EmitJob(ctx, audit.EventJobCompleted, jobInfo(job))
	case job.Attempts >= p.cfg.Policy.MaxAttempts:
		jobLog.Errorw("Email send failed and no attempts are left",
			"attempts", job.Attempts,
			"error", job.Error)
		p.events.EmitJob(ctx, audit.EventJobExhausted, jobInfo(job))
	default:
		jobLog.Warnw("Email send failed, job will be retried after cooldown",
			"attempt", job.Attempts,
			"cooldown", p.cfg.Policy.Cooldown.String(),
			"error", job.Error)
		p.events.EmitJob(ctx, audit.EventJobFailed, jobInfo(job))
	}
	return out
}

// save writes the outcome with bounded retries. The write is detached from ctx
// cancellation so a shutdown during delivery still records the result.
func (p *Processor) save(ctx context.Context, job *Job) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	res := utils.WithRetry(saveCtx, utils.RetryConfig{
		MaxRetries:        p.cfg.StoreRetries,
		InitialBackoff:    p.cfg.StoreRetryDelay,
		BackoffMultiplier: 1,
		Clock:             p.clock,
		Retryable:         saveRetryable,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.Save(ctx, job)
	})
	return res.Err
}

// saveRetryable is false for rejections a repeated write cannot change.
func saveRetryable(err error) bool {
	return !errors.Is(err, ErrTerminal) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidTransition) &&
		!errors.Is(err, ErrInvalidContent)
}

func (p *Processor) refreshDepth(ctx context.Context) {
	stats, err := p.store.QueryStats(ctx, p.clock.Now())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("stats").Inc()
		p.log.Debugw("Failed to refresh queue depth", "error", err)
		return
	}
	for _, st := range AllStatuses {
		metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(stats.Count(st)))
	}
}

func jobInfo(j *Job) audit.JobInfo {
	return audit.JobInfo{
		ID:       j.ID,
		To:       j.To,
		Subject:  j.Subject,
		Status:   string(j.Status),
		Attempts: j.Attempts,
		Error:    j.Error,
	}
}
