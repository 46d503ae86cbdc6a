// Package registry manages the mapping lifecycle: create, update, delete and
// bulk import, keeping each mapping's scheduled job in step with its cron
// expression.
package registry

import (
	"context"
	"fmt"

	"github.com/etlite/etlite/internal/errs"
	"github.com/etlite/etlite/internal/logging"
	"github.com/etlite/etlite/internal/pipeline"
	"github.com/etlite/etlite/internal/scheduler"
	"github.com/etlite/etlite/internal/store"
)

// DefaultTestResultsSize caps test-run output when a mapping does not set
// its own limit.
const DefaultTestResultsSize = 10

// Runner executes one mapping run. It must not return until the run is done.
type Runner func(ctx context.Context, mappingName string, params map[string]any)

// Registry owns mapping CRUD and the scheduling side effects that go with it.
type Registry struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	runner    Runner
}

// New creates a registry over the mapping store. Scheduled jobs invoke
// runner with the mapping's name and source.
func New(st *store.Store, sched *scheduler.Scheduler, runner Runner) *Registry {
	return &Registry{store: st, scheduler: sched, runner: runner}
}

// JobKey is the scheduler key for a mapping.
func JobKey(source, name string) string {
	return source + "-" + name
}

// Create stores a new mapping and schedules it when a cron expression is
// set. A mapping already stored under (name, source) is a conflict.
func (r *Registry) Create(m *store.Mapping) (*store.Mapping, error) {
	if m.Name == "" || m.Source == "" {
		return nil, errs.NewValidation("mapping name and source are required")
	}

	existing, err := r.store.MappingByNameAndSource(m.Name, m.Source)
	if err != nil {
		return nil, fmt.Errorf("looking up mapping %s: %w", m.Name, err)
	}
	if existing != nil {
		return nil, errs.NewConflict("mapping", JobKey(m.Source, m.Name))
	}

	created, err := r.store.CreateMapping(m)
	if err != nil {
		return nil, fmt.Errorf("creating mapping %s: %w", m.Name, err)
	}

	if created.CronExpression != "" {
		if err := r.schedule(created); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// Update replaces the mapping with the given ID and brings its job in line:
// a cron expression reschedules, an empty one unschedules.
func (r *Registry) Update(m *store.Mapping) (*store.Mapping, error) {
	existing, err := r.store.MappingByID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up mapping %d: %w", m.ID, err)
	}
	if existing == nil {
		return nil, errs.NewNotFound("mapping", m.Name)
	}

	if err := r.store.UpdateMapping(m); err != nil {
		return nil, fmt.Errorf("updating mapping %s: %w", m.Name, err)
	}

	// the key may have changed with a rename; drop the old job either way
	r.scheduler.SafeUnschedule(JobKey(existing.Source, existing.Name))
	if m.CronExpression != "" {
		if err := r.schedule(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Delete removes the mapping with the given ID and its scheduled job.
func (r *Registry) Delete(id int64) error {
	existing, err := r.store.MappingByID(id)
	if err != nil {
		return fmt.Errorf("looking up mapping %d: %w", id, err)
	}
	if existing == nil {
		return errs.NewNotFound("mapping", fmt.Sprintf("%d", id))
	}

	if err := r.store.DeleteMapping(id); err != nil {
		return fmt.Errorf("deleting mapping %s: %w", existing.Name, err)
	}
	r.scheduler.SafeUnschedule(JobKey(existing.Source, existing.Name))
	return nil
}

// SaveUpsert creates or updates a mapping without touching its scheduled
// job. Bulk imports use this, then ScheduleAll in one pass at the end.
func (r *Registry) SaveUpsert(m *store.Mapping) (*store.Mapping, error) {
	if m.Name == "" || m.Source == "" {
		return nil, errs.NewValidation("mapping name and source are required")
	}

	existing, err := r.store.MappingByNameAndSource(m.Name, m.Source)
	if err != nil {
		return nil, fmt.Errorf("looking up mapping %s: %w", m.Name, err)
	}
	if existing == nil {
		return r.store.CreateMapping(m)
	}

	m.ID = existing.ID
	if err := r.store.UpdateMapping(m); err != nil {
		return nil, fmt.Errorf("updating mapping %s: %w", m.Name, err)
	}
	return m, nil
}

// ScheduleAll arms a job for every stored mapping with a cron expression.
// Mappings with bad expressions are logged and skipped.
func (r *Registry) ScheduleAll() error {
	mappings, err := r.store.AllMappings()
	if err != nil {
		return fmt.Errorf("listing mappings: %w", err)
	}

	for i := range mappings {
		m := mappings[i]
		if m.CronExpression == "" {
			continue
		}
		if err := r.schedule(&m); err != nil {
			logging.Error("scheduling mapping %s: %v", JobKey(m.Source, m.Name), err)
		}
	}
	return nil
}

// TestResult carries the capped output of a test run.
type TestResult struct {
	Extracted   []map[string]any `json:"extracted"`
	Transformed []map[string]any `json:"transformed"`
}

// TestRun runs extract and transform for the mapping with the given ID and
// returns both outputs capped at the mapping's test results size. Nothing is
// loaded and no run log is written.
func (r *Registry) TestRun(ctx context.Context, p *pipeline.Pipeline, id int64) (*TestResult, error) {
	m, err := r.store.MappingByID(id)
	if err != nil {
		return nil, fmt.Errorf("looking up mapping %d: %w", id, err)
	}
	if m == nil {
		return nil, errs.NewNotFound("mapping", fmt.Sprintf("%d", id))
	}

	limit := m.TestResultsSize
	if limit <= 0 {
		limit = DefaultTestResultsSize
	}
	params := map[string]any{pipeline.ParamSource: m.Source}

	extracted, err := p.Extract(ctx, m.Name, params)
	if err != nil {
		return nil, err
	}
	if len(extracted) > limit {
		extracted = extracted[:limit]
	}

	transformed, err := p.Transform(m.Name, params, extracted)
	if err != nil {
		return nil, err
	}
	if len(transformed) > limit {
		transformed = transformed[:limit]
	}

	return &TestResult{Extracted: extracted, Transformed: transformed}, nil
}

// schedule arms the mapping's job. The run context is the scheduler's own:
// a fired job runs to completion even if the caller that scheduled it is
// long gone.
func (r *Registry) schedule(m *store.Mapping) error {
	key := JobKey(m.Source, m.Name)
	params := map[string]string{
		"mapping": m.Name,
		"source":  m.Source,
		"jobId":   key,
	}
	err := r.scheduler.SafeSchedule(key, m.CronExpression, params, func(params map[string]string) {
		r.runner(context.Background(), params["mapping"], map[string]any{
			pipeline.ParamSource: params["source"],
		})
	})
	if err != nil {
		return errs.NewValidation(fmt.Sprintf("mapping %s: %v", key, err))
	}
	return nil
}
