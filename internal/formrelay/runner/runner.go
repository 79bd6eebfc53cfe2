// Package runner executes submission jobs on a fixed-size worker pool.
// Workers drive the job lifecycle and report progress through the feed so
// every attempt is visible to live streams and later queries.
package runner

import (
	"context"
	"fmt"
	"sync"

	"formrelay/internal/formrelay/domain"
	"formrelay/internal/formrelay/feed"
	"formrelay/pkg/errors"
	"formrelay/pkg/logger"
)

const defaultQueueSize = 100

// Submitter delivers one form submission to a target. Implementations
// return an ObstacleError when the target blocks automation rather than
// merely failing.
type Submitter interface {
	Submit(ctx context.Context, target string, params domain.JobParams) error
}

// ObstacleError reports a target that actively blocks submission, such as
// a captcha wall or an interstitial. With halt_on_obstacle set the whole
// job stops on the first one.
type ObstacleError struct {
	Target string
	Reason string
}

func (e *ObstacleError) Error() string {
	return fmt.Sprintf("obstacle at %s: %s", e.Target, e.Reason)
}

func IsObstacle(err error) bool {
	var oe *ObstacleError
	return errors.As(err, &oe)
}

type task struct {
	job     domain.Job
	targets []string
}

type Pool struct {
	queue     chan task
	feed      *feed.Feed
	submitter Submitter
	workers   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *logger.Logger
}

func NewPool(workers int, f *feed.Feed, submitter Submitter, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.WithField("component", "runner")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:     make(chan task, defaultQueueSize),
		feed:      f,
		submitter: submitter,
		workers:   workers,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Enqueue hands a created job to the pool. Returns false when the queue
// is full so the caller can reject the submission instead of blocking the
// request handler.
func (p *Pool) Enqueue(job domain.Job, targets []string) bool {
	select {
	case p.queue <- task{job: job, targets: targets}:
		return true
	default:
		p.logger.Warn("job queue full", "jobId", job.ID)
		return false
	}
}

// Shutdown stops accepting work and waits for in-flight jobs to finish.
func (p *Pool) Shutdown() {
	p.cancel()
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.WithField("worker", id)
	log.Debug("worker started")

	for t := range p.queue {
		p.run(t, log)
	}
}

func (p *Pool) run(t task, log *logger.Logger) {
	ctx := p.ctx
	jobID := t.job.ID

	if _, err := p.feed.Transition(ctx, jobID, domain.StateRunning); err != nil {
		log.Error("failed to start job", "jobId", jobID, "error", err)
		return
	}
	p.append(ctx, jobID, domain.LevelInfo, fmt.Sprintf("job started: %d targets from %s", len(t.targets), t.job.Params.DatasetName))

	var failed int
	for i, target := range t.targets {
		select {
		case <-ctx.Done():
			p.append(context.Background(), jobID, domain.LevelWarn, "job interrupted by shutdown")
			_, _ = p.feed.Transition(context.Background(), jobID, domain.StateHalted)
			return
		default:
		}

		err := p.submitter.Submit(ctx, target, t.job.Params)
		switch {
		case err == nil:
			p.append(ctx, jobID, domain.LevelInfo, fmt.Sprintf("submitted to %s (%d/%d)", target, i+1, len(t.targets)))
		case IsObstacle(err) && t.job.Params.HaltOnObstacle:
			p.append(ctx, jobID, domain.LevelWarn, fmt.Sprintf("halting: %v", err))
			_, _ = p.feed.Transition(ctx, jobID, domain.StateHalted)
			return
		case IsObstacle(err):
			failed++
			p.append(ctx, jobID, domain.LevelWarn, fmt.Sprintf("skipped %s: %v", target, err))
		default:
			failed++
			p.append(ctx, jobID, domain.LevelError, fmt.Sprintf("failed %s: %v", target, err))
		}
	}

	if failed == len(t.targets) {
		p.append(ctx, jobID, domain.LevelError, "all targets failed")
		_, _ = p.feed.Transition(ctx, jobID, domain.StateFailed)
		return
	}

	p.append(ctx, jobID, domain.LevelInfo, fmt.Sprintf("job finished: %d submitted, %d failed", len(t.targets)-failed, failed))
	if _, err := p.feed.Transition(ctx, jobID, domain.StateCompleted); err != nil {
		log.Error("failed to complete job", "jobId", jobID, "error", err)
	}
}

func (p *Pool) append(ctx context.Context, jobID string, level domain.Level, msg string) {
	if _, err := p.feed.Append(ctx, jobID, level, msg); err != nil {
		p.logger.Warn("failed to append job log", "jobId", jobID, "error", err)
	}
}
