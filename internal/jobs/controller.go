// Package jobs runs the periodic enforcement loops: reservation expiry,
// order state timeouts and abandoned cart recovery.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
)

// Summary counts what one execution did.
type Summary struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Alerted   int `json:"alerted,omitempty"`
}

type Job interface {
	Name() string
	Run(ctx context.Context) (Summary, error)
}

type Status struct {
	Name        string        `json:"name"`
	Running     bool          `json:"running"`
	Processing  bool          `json:"processing"`
	Interval    time.Duration `json:"interval"`
	LastRunAt   time.Time     `json:"lastRunAt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	LastSummary Summary       `json:"lastSummary"`
	Runs        int64         `json:"runs"`
	Skipped     int64         `json:"skipped"`
}

// Controller schedules one job. Runs never overlap: a tick that finds the
// previous run still going is skipped.
type Controller struct {
	job      Job
	interval time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
	lease    Lease
	leaseTTL time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processing atomic.Bool
	runs       atomic.Int64
	skipped    atomic.Int64

	statusMu    sync.Mutex
	lastRunAt   time.Time
	lastError   string
	lastSummary Summary
}

type ControllerOption func(*Controller)

// WithLease makes a run a no-op while another process holds the job's lease.
func WithLease(lease Lease, ttl time.Duration) ControllerOption {
	return func(c *Controller) {
		c.lease = lease
		c.leaseTTL = ttl
	}
}

func WithMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

func NewController(job Job, interval time.Duration, log *logger.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{job: job, interval: interval, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Name() string {
	return c.job.Name()
}

// Start runs the job once right away and then every interval until Stop.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.log.Warn("JOB", fmt.Sprintf("[%s] start called while running", c.Name()))
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.loop(loopCtx)
	c.log.LogJob(c.Name(), fmt.Sprintf("started, interval %s", c.interval))
}

// Stop cancels the schedule and waits for an in-flight run to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.log.Warn("JOB", fmt.Sprintf("[%s] stop called while stopped", c.Name()))
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.log.LogJob(c.Name(), "stopped")
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	// Runs outlive the schedule so a transaction in flight can commit.
	runCtx := context.WithoutCancel(ctx)

	c.tick(runCtx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(runCtx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil {
		c.log.Error("JOB", fmt.Sprintf("[%s] run failed: %v", c.Name(), err))
	}
}

// RunOnce executes the job now unless a run is already in progress or the
// lease is held elsewhere; ran reports whether it executed.
func (c *Controller) RunOnce(ctx context.Context) (ran bool, err error) {
	if !c.processing.CompareAndSwap(false, true) {
		c.skip("previous run still in progress")
		return false, nil
	}
	defer c.processing.Store(false)

	if c.lease != nil {
		ok, err := c.lease.Acquire(ctx, c.Name(), c.leaseTTL)
		if err != nil {
			c.record(Summary{}, fmt.Errorf("acquire lease: %w", err), 0)
			return false, err
		}
		if !ok {
			c.skip("lease held by another instance")
			return false, nil
		}
		defer func() {
			if err := c.lease.Release(ctx, c.Name()); err != nil {
				c.log.Warn("JOB", fmt.Sprintf("[%s] release lease: %v", c.Name(), err))
			}
		}()
	}

	start := time.Now()
	summary, err := c.job.Run(ctx)
	c.record(summary, err, time.Since(start))
	return true, err
}

func (c *Controller) skip(why string) {
	c.skipped.Add(1)
	c.metrics.JobRun(c.Name(), "skipped", 0)
	c.log.LogJob(c.Name(), "skipped: "+why)
}

func (c *Controller) record(summary Summary, err error, took time.Duration) {
	c.runs.Add(1)
	c.statusMu.Lock()
	c.lastRunAt = time.Now().UTC()
	c.lastSummary = summary
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
	c.statusMu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.JobRun(c.Name(), outcome, took)
	if err == nil {
		c.log.LogJob(c.Name(), fmt.Sprintf("scanned=%d processed=%d skipped=%d failed=%d in %s",
			summary.Scanned, summary.Processed, summary.Skipped, summary.Failed, took.Round(time.Millisecond)))
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return Status{
		Name:        c.Name(),
		Running:     running,
		Processing:  c.processing.Load(),
		Interval:    c.interval,
		LastRunAt:   c.lastRunAt,
		LastError:   c.lastError,
		LastSummary: c.lastSummary,
		Runs:        c.runs.Load(),
		Skipped:     c.skipped.Load(),
	}
}
