package router

import (
	"context"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

// Job is an enhancement running in the background.
type Job struct {
	RequestID string

	cancel context.CancelFunc
	done   chan struct{}
	result *domain.ProviderResult
	err    error
}

// Submit starts req asynchronously. The job stops when ctx ends or Cancel is
// called.
func (e *Engine) Submit(ctx context.Context, req EnhanceRequest) *Job {
	if req.RequestID == "" {
		req.RequestID = e.newID()
	}

	jctx, cancel := context.WithCancel(ctx)
	j := &Job{
		RequestID: req.RequestID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(j.done)
		defer cancel()
		j.result, j.err = e.Enhance(jctx, req)
	}()
	return j
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the job finishes or ctx ends. Ending ctx does not
// cancel the job.
func (j *Job) Wait(ctx context.Context) (*domain.ProviderResult, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
