package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/router"
)

type Enhancer interface {
	Enhance(ctx context.Context, req router.EnhanceRequest) (*domain.ProviderResult, error)
}

// Worker pulls jobs from a Queue, runs them through the engine and posts one
// JobResult per job.
type Worker struct {
	queue        Queue
	engine       Enhancer
	concurrency  int
	pollInterval time.Duration
	now          func() time.Time
}

func NewWorker(q Queue, engine Enhancer, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:        q,
		engine:       engine,
		concurrency:  concurrency,
		pollInterval: time.Second,
		now:          time.Now,
	}
}

// Run processes jobs until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("queue worker started", "concurrency", w.concurrency)

	for ctx.Err() == nil {
		jobs, err := w.queue.ReceiveRequests(ctx, w.concurrency)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("receive jobs", "error", err)
			w.wait(ctx)
			continue
		}
		if len(jobs) == 0 {
			w.wait(ctx)
			continue
		}

		// Jobs of one account run in order: a concurrent Enhance for the
		// same account would supersede the one already running.
		var g errgroup.Group
		g.SetLimit(w.concurrency)
		for _, group := range byAccount(jobs) {
			g.Go(func() error {
				for _, job := range group {
					if err := w.Process(ctx, job); err != nil {
						slog.Warn("job not acknowledged", "request_id", job.ID, "error", err)
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	slog.Info("queue worker stopped")
	return nil
}

// byAccount splits jobs per account, keeping receive order within each
// account and first-seen order across accounts.
func byAccount(jobs []Job) [][]Job {
	index := make(map[string]int)
	var groups [][]Job
	for _, job := range jobs {
		i, ok := index[job.AccountID]
		if !ok {
			i = len(groups)
			index[job.AccountID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], job)
	}
	return groups
}

func (w *Worker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// Process runs one job and acknowledges it. A job interrupted by worker
// shutdown is left unacknowledged so it is delivered again; it was not
// charged.
func (w *Worker) Process(ctx context.Context, job Job) error {
	res, err := w.engine.Enhance(ctx, router.EnhanceRequest{
		RequestID:  job.ID,
		AccountID:  job.AccountID,
		Tier:       job.Tier,
		Burst:      job.Burst,
		Task:       job.Task,
		Prompt:     job.Prompt,
		Quality:    job.Quality,
		TargetSize: job.TargetSize,
	})
	if errors.Is(err, domain.ErrCancelled) && ctx.Err() != nil {
		return err
	}

	out := JobResult{
		RequestID:   job.ID,
		AccountID:   job.AccountID,
		Result:      res,
		CompletedAt: w.now(),
	}
	if err != nil {
		out.ErrorCode = domain.Code(err)
		out.Error = err.Error()
	}

	ackCtx := context.WithoutCancel(ctx)
	if err := w.queue.SendResponse(ackCtx, out); err != nil {
		return err
	}
	if job.ReceiptHandle != "" {
		if err := w.queue.DeleteRequest(ackCtx, job.ReceiptHandle); err != nil {
			return err
		}
	}

	slog.Info("job processed",
		"request_id", job.ID,
		"account_id", job.AccountID,
		"error_code", out.ErrorCode,
	)
	return nil
}
