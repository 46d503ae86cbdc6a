package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etlite/etlite/internal/bus"
	"github.com/etlite/etlite/internal/failure"
	"github.com/etlite/etlite/internal/services"
)

func TestExtractBuildsQuery(t *testing.T) {
	e := New(nil)

	lastRun := time.Date(2026, 3, 14, 10, 30, 0, 0, time.Local)
	sql, err := e.Extract(
		`"SELECT * FROM person WHERE date_changed > '" + util.formatDate(lastRunDate, "yyyy-MM-dd") + "'"`,
		ExtractContext{LastRunDate: lastRun},
	)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM person WHERE date_changed > '2026-03-14'", sql)
}

func TestExtractRequiresStringResult(t *testing.T) {
	e := New(nil)
	_, err := e.Extract(`42`, ExtractContext{})
	assert.ErrorContains(t, err, "must evaluate to a SQL string")
}

func TestExtractScriptErrorPropagates(t *testing.T) {
	e := New(nil)
	_, err := e.Extract(`util.parseDate("junk", "yyyy-MM-dd")`, ExtractContext{})
	assert.Error(t, err, "extract runs without failure isolation")
}

func TestTransform(t *testing.T) {
	e := New(nil)

	birth := time.Date(1990, 6, 15, 0, 0, 0, 0, time.Local)
	outs, err := e.Transform(`
		for (var i = 0; i < rows.length; i++) {
			outs.push({
				gender: String(rows[i].gender).toLowerCase(),
				birthdate: util.formatDate(rows[i].birthdate, "MM/dd/yyyy"),
			});
		}
	`, BatchContext{
		Rows: []map[string]any{
			{"gender": "Male", "birthdate": birth},
			{"gender": "Female", "birthdate": birth},
		},
	})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "male", outs[0]["gender"])
	assert.Equal(t, "06/15/1990", outs[0]["birthdate"])
	assert.Equal(t, "female", outs[1]["gender"])
}

func TestTransformSeesParams(t *testing.T) {
	e := New(nil)
	outs, err := e.Transform(`outs.push({site: params.site})`, BatchContext{
		Params: map[string]any{"site": "clinic-7"},
	})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "clinic-7", outs[0]["site"])
}

func TestLoadInvokesBoundServices(t *testing.T) {
	e := New(nil)

	var saved []any
	handle := services.FuncHandle{
		"savePerson": func(args []any) (any, error) {
			saved = append(saved, args[0])
			return "person-id", nil
		},
	}

	err := e.Load(`
		for (var i = 0; i < rows.length; i++) {
			patientSrvc.savePerson(rows[i].name);
		}
	`, BatchContext{
		Rows:     []map[string]any{{"name": "ada"}, {"name": "grace"}},
		Services: map[string]services.Handle{"patientSrvc": handle},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"ada", "grace"}, saved)

	err = e.Load(`missingSrvc.save(1)`, BatchContext{})
	assert.Error(t, err, "an unbound service name is a script error")
}

func TestServiceFailureReturnsNullAndEmitsEvent(t *testing.T) {
	b := bus.New()
	defer b.Close()

	events := make(chan bus.Event, 1)
	b.Subscribe(failure.Topic, func(ev bus.Event) {
		events <- ev
	})

	e := New(b)
	handle := services.FuncHandle{
		"savePerson": func(args []any) (any, error) {
			return nil, errors.New("duplicate identifier")
		},
	}

	err := e.Load(`
		sourceKey = "person_id";
		sourceValue = "1042";
		var id = patientSrvc.savePerson(rows[0].name);
		if (id !== null) { throw "expected null on failure"; }
	`, BatchContext{
		JobID:       7,
		Source:      "openmrs",
		MappingName: "person-sync",
		Rows:        []map[string]any{{"name": "ada"}},
		Services:    map[string]services.Handle{"patientSrvc": handle},
	})
	require.NoError(t, err, "a failed service call must not abort the script")

	select {
	case ev := <-events:
		fe := failure.FromBusEvent(ev)
		assert.Equal(t, int64(7), fe.JobID)
		assert.Equal(t, "openmrs", fe.Source)
		assert.Equal(t, "person-sync", fe.MappingName)
		assert.Equal(t, "person_id", fe.SourceKey)
		assert.Equal(t, "1042", fe.SourceValue)
		assert.Contains(t, fe.Message, "patientSrvc.savePerson")
		assert.Contains(t, fe.Message, "duplicate identifier")
		assert.NotEmpty(t, fe.StackTrace)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event received")
	}
}

func TestUtilFailureIsGuardedInTransform(t *testing.T) {
	b := bus.New()
	defer b.Close()

	events := make(chan bus.Event, 1)
	b.Subscribe(failure.Topic, func(ev bus.Event) {
		events <- ev
	})

	e := New(b)
	outs, err := e.Transform(`
		var d = util.parseDate("junk", "yyyy-MM-dd");
		outs.push({parsed: d === null});
	`, BatchContext{Source: "src", MappingName: "m"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, true, outs[0]["parsed"])

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event received")
	}
}

func TestUtilBuiltins(t *testing.T) {
	e := New(nil)

	outs, err := e.Transform(`
		var set = util.newSet();
		set.add("a");
		set.add("a");
		set.add("b");

		var m = util.newMap();
		m["k"] = util.toLong("42");

		var d = util.parseDate("01/02/2026", "MM/dd/yyyy");
		outs.push({
			setSize: set.size(),
			hasA: set.contains("a"),
			k: m["k"],
			nextDay: util.formatDate(util.plusDays(d, 1), "yyyy-MM-dd"),
		});
	`, BatchContext{})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, int64(2), outs[0]["setSize"])
	assert.Equal(t, true, outs[0]["hasA"])
	assert.Equal(t, int64(42), outs[0]["k"])
	assert.Equal(t, "2026-01-02", outs[0]["nextDay"])
}
