package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

// Registry is built once at startup. The provider set is fixed; the routing
// table may be swapped at runtime after validation.
type Registry struct {
	providers map[domain.ProviderID]Registration
	order     []domain.ProviderID
	table     atomic.Pointer[Table]
}

func NewRegistry(regs []Registration, table Table) (*Registry, error) {
	r := &Registry{
		providers: make(map[domain.ProviderID]Registration, len(regs)),
	}

	for _, reg := range regs {
		id := reg.ID()
		if _, dup := r.providers[id]; dup {
			return nil, fmt.Errorf("duplicate provider %q", id)
		}
		if _, err := domain.ParseCostClass(string(reg.CostClass)); err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		r.providers[id] = reg
		r.order = append(r.order, id)
	}

	if err := r.SetTable(table); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the active table.
func (r *Registry) Validate() error {
	return r.ValidateTable(*r.table.Load())
}

// ValidateTable reports every routing entry that references an unregistered
// provider and every task, routed or not, that no registered provider can
// serve.
func (r *Registry) ValidateTable(t Table) error {
	var errs []error

	tasks := make([]domain.EditTask, 0, len(t))
	for task := range t {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })

	for _, task := range domain.AllTasks {
		if _, ok := t[task]; !ok {
			errs = append(errs, fmt.Errorf("task %s: not routed: %w", task, domain.ErrNoProvidersAvailable))
		}
	}

	for _, task := range tasks {
		route := t[task]
		if _, err := domain.ParseEditTask(string(task)); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := domain.ParseCostClass(string(route.DefaultCostClass)); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task, err))
		}

		capable := 0
		for _, id := range route.Providers {
			reg, ok := r.providers[id]
			if !ok {
				errs = append(errs, fmt.Errorf("task %s: %w: %s", task, domain.ErrProviderNotFound, id))
				continue
			}
			if reg.Supports(task) {
				capable++
			}
		}
		if capable == 0 && !(route.OnDeviceFallback && r.hasLocalFor(task)) {
			errs = append(errs, fmt.Errorf("task %s: %w", task, domain.ErrNoProvidersAvailable))
		}
	}

	return errors.Join(errs...)
}

// SetTable validates t and makes it the active table.
func (r *Registry) SetTable(t Table) error {
	if err := r.ValidateTable(t); err != nil {
		return err
	}
	cp := make(Table, len(t))
	for task, route := range t {
		route.Providers = append([]domain.ProviderID(nil), route.Providers...)
		cp[task] = route
	}
	r.table.Store(&cp)
	return nil
}

func (r *Registry) Route(task domain.EditTask) (TaskRoute, bool) {
	route, ok := (*r.table.Load())[task]
	return route, ok
}

func (r *Registry) Get(id domain.ProviderID) (Registration, bool) {
	reg, ok := r.providers[id]
	return reg, ok
}

// All returns registrations in registration order.
func (r *Registry) All() []Registration {
	out := make([]Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// LocalFor returns on-device providers capable of task, in registration order.
func (r *Registry) LocalFor(task domain.EditTask) []Registration {
	var out []Registration
	for _, id := range r.order {
		reg := r.providers[id]
		if reg.Local && reg.Supports(task) {
			out = append(out, reg)
		}
	}
	return out
}

func (r *Registry) hasLocalFor(task domain.EditTask) bool {
	return len(r.LocalFor(task)) > 0
}
