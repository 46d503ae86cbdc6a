package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlite/etlite/internal/dbconfig"
	"github.com/etlite/etlite/internal/engine"
	"github.com/etlite/etlite/internal/errs"
	"github.com/etlite/etlite/internal/pipeline"
	"github.com/etlite/etlite/internal/scheduler"
	"github.com/etlite/etlite/internal/services"
	"github.com/etlite/etlite/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *scheduler.Scheduler) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New()
	t.Cleanup(sched.Shutdown)

	r := New(st, sched, func(ctx context.Context, mappingName string, params map[string]any) {})
	return r, st, sched
}

func mapping(name, cron string) *store.Mapping {
	return &store.Mapping{
		Name:            name,
		Source:          "openmrs",
		ExtractQuery:    `"SELECT 1"`,
		TransformScript: "outs.push({})",
		LoadScript:      "",
		CronExpression:  cron,
	}
}

func TestCreateSchedulesWhenCronSet(t *testing.T) {
	r, _, sched := newTestRegistry(t)

	created, err := r.Create(mapping("person-sync", "0 0 2 * * ?"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, []string{"openmrs-person-sync"}, sched.ScheduledKeys())

	_, err = r.Create(mapping("person-sync", ""))
	assert.True(t, errs.IsConflict(err))
}

func TestCreateWithoutCronDoesNotSchedule(t *testing.T) {
	r, _, sched := newTestRegistry(t)

	_, err := r.Create(mapping("person-sync", ""))
	require.NoError(t, err)
	assert.Empty(t, sched.ScheduledKeys())
}

func TestCreateRequiresNameAndSource(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Create(&store.Mapping{Name: "x"})
	assert.True(t, errs.IsValidation(err))
}

func TestUpdateReschedules(t *testing.T) {
	r, _, sched := newTestRegistry(t)

	created, err := r.Create(mapping("person-sync", "0 0 2 * * ?"))
	require.NoError(t, err)

	created.CronExpression = "0 30 4 * * ?"
	_, err = r.Update(created)
	require.NoError(t, err)
	assert.Equal(t, []string{"openmrs-person-sync"}, sched.ScheduledKeys())

	created.CronExpression = ""
	_, err = r.Update(created)
	require.NoError(t, err)
	assert.Empty(t, sched.ScheduledKeys(), "clearing the cron must unschedule")
}

func TestUpdateMissingMapping(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	m := mapping("ghost", "")
	m.ID = 42
	_, err := r.Update(m)
	assert.True(t, errs.IsNotFound(err))
}

func TestDeleteUnschedules(t *testing.T) {
	r, st, sched := newTestRegistry(t)

	created, err := r.Create(mapping("person-sync", "0 0 2 * * ?"))
	require.NoError(t, err)

	require.NoError(t, r.Delete(created.ID))
	assert.Empty(t, sched.ScheduledKeys())

	got, err := st.MappingByID(created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.True(t, errs.IsNotFound(r.Delete(created.ID)))
}

func TestSaveUpsertHasNoSchedulingSideEffect(t *testing.T) {
	r, _, sched := newTestRegistry(t)

	first, err := r.SaveUpsert(mapping("person-sync", "0 0 2 * * ?"))
	require.NoError(t, err)
	assert.Empty(t, sched.ScheduledKeys())

	update := mapping("person-sync", "0 0 2 * * ?")
	update.FetchSize = 500
	second, err := r.SaveUpsert(update)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "upsert must update in place")
	assert.Empty(t, sched.ScheduledKeys())
}

func TestScheduleAll(t *testing.T) {
	r, _, sched := newTestRegistry(t)

	_, err := r.SaveUpsert(mapping("a", "0 0 2 * * ?"))
	require.NoError(t, err)
	_, err = r.SaveUpsert(mapping("b", ""))
	require.NoError(t, err)
	_, err = r.SaveUpsert(mapping("c", "0 0 3 * * ? *"))
	require.NoError(t, err)

	require.NoError(t, r.ScheduleAll())
	assert.ElementsMatch(t, []string{"openmrs-a", "openmrs-c"}, sched.ScheduledKeys())
}

// testConfigs serves a SQLite pool; ? placeholders match the MYSQL type.
type testConfigs struct {
	db *sql.DB
}

func (c *testConfigs) Get(name string) (dbconfig.Config, error) {
	return dbconfig.Config{Name: name, Type: dbconfig.TypeMySQL}, nil
}

func (c *testConfigs) ConnectionFor(name string) (*sql.DB, error) { return c.db, nil }

func (c *testConfigs) Services() string { return "" }

func TestTestRunTruncatesAndWritesNoRunLog(t *testing.T) {
	r, st, _ := newTestRegistry(t)

	src, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "source.db"))
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	_, err = src.Exec(`CREATE TABLE person (id INTEGER)`)
	require.NoError(t, err)
	for i := 1; i <= 15; i++ {
		_, err = src.Exec(`INSERT INTO person VALUES (?)`, i)
		require.NoError(t, err)
	}

	m := mapping("person-sync", "")
	m.ExtractQuery = `"SELECT id FROM person ORDER BY id"`
	m.TransformScript = `
		for (var i = 0; i < rows.length; i++) {
			outs.push({id: rows[i].id});
		}
	`
	created, err := r.Create(m)
	require.NoError(t, err)

	p := pipeline.New(st, &testConfigs{db: src}, engine.New(nil), services.NewRegistry())
	result, err := r.TestRun(context.Background(), p, created.ID)
	require.NoError(t, err)

	assert.Len(t, result.Extracted, DefaultTestResultsSize)
	assert.Len(t, result.Transformed, DefaultTestResultsSize)

	run, err := st.RunLogByID(1)
	require.NoError(t, err)
	assert.Nil(t, run, "test runs must not write run logs")

	_, err = r.TestRun(context.Background(), p, 999)
	assert.True(t, errs.IsNotFound(err))
}
