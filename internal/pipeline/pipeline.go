// Package pipeline orchestrates mapping runs: extract from the source
// datasource, transform in batches, load through bound services, with a run
// log tracking timings and counts.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/etlite/etlite/internal/dateutil"
	"github.com/etlite/etlite/internal/dbconfig"
	"github.com/etlite/etlite/internal/engine"
	"github.com/etlite/etlite/internal/errs"
	"github.com/etlite/etlite/internal/logging"
	"github.com/etlite/etlite/internal/notify"
	"github.com/etlite/etlite/internal/services"
	"github.com/etlite/etlite/internal/store"
)

// ParamSource is the params key naming the source datasource.
const ParamSource = "source"

// DefaultFetchSize is used when a mapping does not set one.
const DefaultFetchSize = 1000

// ConfigSource is the slice of the datasource config store the pipeline
// needs: config lookup, live pools and the service-binding table.
type ConfigSource interface {
	Get(name string) (dbconfig.Config, error)
	ConnectionFor(name string) (*sql.DB, error)
	Services() string
}

// Pipeline runs mappings end to end.
type Pipeline struct {
	store    *store.Store
	configs  ConfigSource
	engine   *engine.Engine
	registry *services.Registry
	notifier notify.Provider
}

// SetNotifier enables run-completion notifications. Notification errors are
// logged, never surfaced.
func (p *Pipeline) SetNotifier(n notify.Provider) {
	p.notifier = n
}

// New wires a pipeline over the mapping store, datasource configs, script
// engine and service registry.
func New(st *store.Store, configs ConfigSource, eng *engine.Engine, reg *services.Registry) *Pipeline {
	return &Pipeline{store: st, configs: configs, engine: eng, registry: reg}
}

// Extract evaluates the mapping's extract script into SQL, expands named
// parameters for the source engine and returns all matching rows.
func (p *Pipeline) Extract(ctx context.Context, mappingName string, params map[string]any) ([]map[string]any, error) {
	m, err := p.findMapping(mappingName, params)
	if err != nil {
		return nil, err
	}

	lastRun, err := p.lastRunDate(m.Source, m.Name)
	if err != nil {
		return nil, errs.NewPipeline("extract", mappingName, err)
	}

	sqlText, err := p.engine.Extract(m.ExtractQuery, engine.ExtractContext{
		Params:      params,
		LastRunDate: lastRun,
	})
	if err != nil {
		return nil, errs.NewPipeline("extract", mappingName, err)
	}

	logging.Debug("[E] started, mapping: %s", mappingName)

	cfg, err := p.configs.Get(m.Source)
	if err != nil {
		return nil, err
	}
	pool, err := p.configs.ConnectionFor(m.Source)
	if err != nil {
		return nil, err
	}

	query, args, err := dbconfig.ExpandNamed(sqlText, params, cfg.Type)
	if err != nil {
		return nil, errs.NewPipeline("extract", mappingName, err)
	}

	rows, err := pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.NewPipeline("extract", mappingName, err)
	}
	defer rows.Close()

	extracted, err := scanRows(rows)
	if err != nil {
		return nil, errs.NewPipeline("extract", mappingName, err)
	}

	logging.Debug("[E] completed, mapping: %s, extracted rows: %d", mappingName, len(extracted))
	return extracted, nil
}

// Transform runs the mapping's transform script over one batch of extracted
// rows and returns the transformed rows.
func (p *Pipeline) Transform(mappingName string, params map[string]any, rows []map[string]any) ([]map[string]any, error) {
	m, err := p.findMapping(mappingName, params)
	if err != nil {
		return nil, err
	}

	logging.Debug("[T] started, mapping: %s", mappingName)
	outs, err := p.engine.Transform(m.TransformScript, engine.BatchContext{
		Params:      params,
		Rows:        rows,
		Source:      m.Source,
		MappingName: m.Name,
	})
	if err != nil {
		return nil, errs.NewPipeline("transform", mappingName, err)
	}
	logging.Debug("[T] completed, mapping: %s, transformed: %d", mappingName, len(outs))
	return outs, nil
}

// Load runs the mapping's load script over one batch: rows is the source
// batch, outs the transformed rows, jobID the owning run log. The resolved
// service bindings are in scope; an unresolvable binding fails the whole
// step with every missing service reported.
func (p *Pipeline) Load(mappingName string, params map[string]any, rows, outs []map[string]any, jobID int64) error {
	m, err := p.findMapping(mappingName, params)
	if err != nil {
		return err
	}

	bound, err := p.resolveServices()
	if err != nil {
		return err
	}

	logging.Debug("[L] started, mapping: %s", mappingName)
	err = p.engine.Load(m.LoadScript, engine.BatchContext{
		Params:      params,
		Rows:        rows,
		Outs:        outs,
		Source:      m.Source,
		MappingName: m.Name,
		JobID:       jobID,
		Services:    bound,
	})
	if err != nil {
		return errs.NewPipeline("load", mappingName, err)
	}
	logging.Debug("[L] completed, mapping: %s", mappingName)
	return nil
}

// Run executes the whole pipeline for one mapping. Errors are logged, never
// returned: a failed run must not take down the scheduler driving it.
func (p *Pipeline) Run(ctx context.Context, mappingName string, params map[string]any) {
	source, _ := params[ParamSource].(string)
	started := time.Now()
	invocation := uuid.NewString()
	logging.Info("[ETL] started, run: %s, source: %s, mapping: %s", invocation, source, mappingName)

	run, err := p.run(ctx, mappingName, params)
	if err != nil {
		logging.Error("[ETL] run: %s, source: %s, mapping: %s: %v", invocation, source, mappingName, err)
		if p.notifier != nil {
			if nerr := p.notifier.RunFailed(source, mappingName, err, time.Since(started)); nerr != nil {
				logging.Warn("notifying run failure: %v", nerr)
			}
		}
	} else if p.notifier != nil {
		if nerr := p.notifier.RunCompleted(source, mappingName, run); nerr != nil {
			logging.Warn("notifying run completion: %v", nerr)
		}
	}
	logging.Info("[ETL] completed, run: %s, source: %s, mapping: %s", invocation, source, mappingName)
}

func (p *Pipeline) run(ctx context.Context, mappingName string, params map[string]any) (*store.RunLog, error) {
	m, err := p.findMapping(mappingName, params)
	if err != nil {
		return nil, err
	}

	run := &store.RunLog{
		Source:       m.Source,
		MappingName:  m.Name,
		RunOn:        dateutil.Day(time.Now()),
		ExtractStart: time.Now(),
		// optimistic: the failure consumer flips this off and decrements
		// loadCount per failed record
		Succeeded: true,
	}

	rows, err := p.Extract(ctx, mappingName, params)
	if err != nil {
		return nil, err
	}
	run.ExtractedCount = len(rows)
	run.ExtractEnd = time.Now()
	run.TransformStart = time.Now()
	run.LoadStart = time.Now()
	run.LoadCount = len(rows)

	if _, err := p.store.CreateRunLog(run); err != nil {
		return nil, fmt.Errorf("creating run log: %w", err)
	}

	fetchSize := m.FetchSize
	if fetchSize <= 0 {
		fetchSize = DefaultFetchSize
	}

	for start := 0; start < len(rows); start += fetchSize {
		end := start + fetchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		logging.Info("processing batch of %d records, mapping: %s", len(batch), mappingName)

		outs, err := p.Transform(mappingName, params, batch)
		if err != nil {
			return nil, err
		}
		run.TransformedCount = len(rows)
		run.TransformEnd = time.Now()

		if err := p.Load(mappingName, params, batch, outs, run.ID); err != nil {
			return nil, err
		}
	}
	run.LoadEnd = time.Now()

	// the failure consumer owns loadCount and succeeded once load scripts
	// start emitting; carry its view forward instead of the optimistic one
	if current, err := p.store.RunLogByID(run.ID); err == nil && current != nil {
		run.LoadCount = current.LoadCount
		run.Succeeded = current.Succeeded
	}
	if err := p.store.UpdateRunLog(run); err != nil {
		return nil, fmt.Errorf("updating run log: %w", err)
	}
	return run, nil
}

// findMapping resolves (name, params.source) to a stored mapping.
func (p *Pipeline) findMapping(mappingName string, params map[string]any) (*store.Mapping, error) {
	source, _ := params[ParamSource].(string)
	if mappingName == "" || source == "" {
		return nil, errs.NewValidation("mapping name and source are required")
	}
	m, err := p.store.MappingByNameAndSource(mappingName, source)
	if err != nil {
		return nil, fmt.Errorf("looking up mapping %s: %w", mappingName, err)
	}
	if m == nil {
		return nil, errs.NewNotFound("mapping", source+"-"+mappingName)
	}
	return m, nil
}

// lastRunDate is the run date of the most recent successful run, or
// yesterday when the mapping has never run.
func (p *Pipeline) lastRunDate(source, mapping string) (time.Time, error) {
	last, err := p.store.LastSuccessfulRunOn(source, mapping)
	if err != nil {
		return time.Time{}, fmt.Errorf("looking up last run: %w", err)
	}
	if last != nil {
		return *last, nil
	}
	return dateutil.PlusDays(time.Now(), -1), nil
}

// resolveServices maps the configured binding names to registered handles.
func (p *Pipeline) resolveServices() (map[string]services.Handle, error) {
	bindings, err := dbconfig.ParseServices(p.configs.Services())
	if err != nil {
		return nil, err
	}

	bound := make(map[string]services.Handle, len(bindings))
	var missing []string
	for name, key := range bindings {
		h, ok := p.registry.Resolve(key)
		if !ok {
			missing = append(missing, fmt.Sprintf("service %q (bound as %s) is not registered", key, name))
			continue
		}
		bound[name] = h
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errs.NewValidation(missing...)
	}
	return bound, nil
}
