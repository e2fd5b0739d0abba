// Package providertest provides in-memory providers for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/provider"
)

// Fake is a scriptable provider. With no ExecuteFunc it succeeds and echoes
// the input image.
type Fake struct {
	Name        domain.ProviderID
	Tasks       []domain.EditTask
	ExecuteFunc func(ctx context.Context, req provider.Request) (*domain.Image, error)
	HealthErr   error

	mu    sync.Mutex
	calls []provider.Request
}

func New(id domain.ProviderID, tasks ...domain.EditTask) *Fake {
	if len(tasks) == 0 {
		tasks = domain.AllTasks
	}
	return &Fake{Name: id, Tasks: tasks}
}

func (f *Fake) ID() domain.ProviderID { return f.Name }

func (f *Fake) Capabilities() []domain.EditTask { return f.Tasks }

func (f *Fake) Execute(ctx context.Context, req provider.Request) (*domain.Image, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.ExecuteFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	img := req.Image
	return &img, nil
}

func (f *Fake) HealthCheck(ctx context.Context) error {
	return f.HealthErr
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *Fake) Requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.calls...)
}

// Fails makes every call fail with the given kind.
func (f *Fake) Fails(kind domain.ProviderErrorKind) *Fake {
	f.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		return nil, domain.NewProviderError(f.Name, kind, errors.New("scripted failure"))
	}
	return f
}

// Returns makes every call succeed with img.
func (f *Fake) Returns(img domain.Image) *Fake {
	f.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		out := img
		return &out, nil
	}
	return f
}

// Blocks makes every call wait for ctx to end. started receives one value
// per call once the call is in flight.
func (f *Fake) Blocks(started chan<- struct{}) *Fake {
	f.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f
}

// Register wraps f in a Registration.
func Register(f *Fake, class domain.CostClass, quality float64) provider.Registration {
	return provider.Registration{
		Provider:  f,
		CostClass: class,
		Quality:   quality,
		Local:     false,
	}
}

// RegisterLocal wraps f as an on-device, free provider.
func RegisterLocal(f *Fake, quality float64) provider.Registration {
	return provider.Registration{
		Provider:  f,
		CostClass: domain.CostFree,
		Quality:   quality,
		Local:     true,
	}
}
