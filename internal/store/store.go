// Package store persists mappings, run logs, and failure records in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	timeFormat = "2006-01-02 15:04:05.999999999-07:00"
	dayFormat  = "2006-01-02"
)

// Mapping is a named extract/transform/load definition bound to one datasource.
type Mapping struct {
	ID              int64
	Name            string
	Source          string
	ExtractQuery    string
	TransformScript string
	LoadScript      string
	CronExpression  string
	FetchSize       int
	TestResultsSize int
}

// RunLog records one pipeline execution's timings and counts.
type RunLog struct {
	ID               int64
	Source           string
	MappingName      string
	RunOn            time.Time
	ExtractStart     time.Time
	ExtractEnd       time.Time
	TransformStart   time.Time
	TransformEnd     time.Time
	LoadStart        time.Time
	LoadEnd          time.Time
	ExtractedCount   int
	TransformedCount int
	LoadCount        int
	Succeeded        bool
}

// FailureRecord is a deduplicated, day-scoped record of one failed source record.
type FailureRecord struct {
	ID          int64
	Source      string
	MappingName string
	SourceKey   string
	SourceValue string
	OccurredOn  time.Time
	Message     string
	StackTrace  string
}

// Store manages ETL state in SQLite
type Store struct {
	db *sql.DB
}

// New opens (or creates) the state database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "etlite.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		source TEXT NOT NULL,
		extract_query TEXT NOT NULL,
		transform_script TEXT,
		load_script TEXT,
		cron_expression TEXT,
		fetch_size INTEGER NOT NULL DEFAULT 0,
		test_results_size INTEGER NOT NULL DEFAULT 0,
		UNIQUE(name, source)
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		mapping_name TEXT NOT NULL,
		run_on TEXT NOT NULL,
		extract_start TEXT,
		extract_end TEXT,
		transform_start TEXT,
		transform_end TEXT,
		load_start TEXT,
		load_end TEXT,
		extracted_count INTEGER DEFAULT 0,
		transformed_count INTEGER DEFAULT 0,
		load_count INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS failure_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		mapping_name TEXT NOT NULL,
		source_key TEXT,
		source_value TEXT,
		occurred_on TEXT NOT NULL,
		message TEXT,
		stack_trace TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_run_logs_source_mapping ON run_logs(source, mapping_name);
	CREATE INDEX IF NOT EXISTS idx_failures_lookup
		ON failure_records(source, mapping_name, source_key, source_value, occurred_on);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMapping inserts a mapping and returns it with its id set.
func (s *Store) CreateMapping(m *Mapping) (*Mapping, error) {
	result, err := s.db.Exec(`
		INSERT INTO mappings (name, source, extract_query, transform_script, load_script,
			cron_expression, fetch_size, test_results_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Name, m.Source, m.ExtractQuery, m.TransformScript, m.LoadScript,
		m.CronExpression, m.FetchSize, m.TestResultsSize)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	m.ID = id
	return m, nil
}

// UpdateMapping overwrites all mutable fields of an existing mapping.
func (s *Store) UpdateMapping(m *Mapping) error {
	_, err := s.db.Exec(`
		UPDATE mappings SET name = ?, source = ?, extract_query = ?, transform_script = ?,
			load_script = ?, cron_expression = ?, fetch_size = ?, test_results_size = ?
		WHERE id = ?
	`, m.Name, m.Source, m.ExtractQuery, m.TransformScript, m.LoadScript,
		m.CronExpression, m.FetchSize, m.TestResultsSize, m.ID)
	return err
}

// DeleteMapping removes a mapping by id.
func (s *Store) DeleteMapping(id int64) error {
	_, err := s.db.Exec(`DELETE FROM mappings WHERE id = ?`, id)
	return err
}

const mappingColumns = `id, name, source, extract_query, COALESCE(transform_script, ''),
	COALESCE(load_script, ''), COALESCE(cron_expression, ''), fetch_size, test_results_size`

func scanMapping(row interface{ Scan(...any) error }) (*Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.Name, &m.Source, &m.ExtractQuery, &m.TransformScript,
		&m.LoadScript, &m.CronExpression, &m.FetchSize, &m.TestResultsSize)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MappingByID returns the mapping with the given id, or nil if absent.
func (s *Store) MappingByID(id int64) (*Mapping, error) {
	return scanMapping(s.db.QueryRow(`SELECT `+mappingColumns+` FROM mappings WHERE id = ?`, id))
}

// MappingByNameAndSource returns the mapping for (name, source), or nil if absent.
func (s *Store) MappingByNameAndSource(name, source string) (*Mapping, error) {
	return scanMapping(s.db.QueryRow(
		`SELECT `+mappingColumns+` FROM mappings WHERE name = ? AND source = ?`, name, source))
}

// MappingsBySource returns all mappings bound to the given datasource.
func (s *Store) MappingsBySource(source string) ([]Mapping, error) {
	return s.queryMappings(`SELECT `+mappingColumns+` FROM mappings WHERE source = ? ORDER BY name`, source)
}

// AllMappings returns every stored mapping.
func (s *Store) AllMappings() ([]Mapping, error) {
	return s.queryMappings(`SELECT ` + mappingColumns + ` FROM mappings ORDER BY source, name`)
}

func (s *Store) queryMappings(query string, args ...any) ([]Mapping, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

// CreateRunLog inserts a run log and returns its id.
func (s *Store) CreateRunLog(r *RunLog) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO run_logs (source, mapping_name, run_on, extract_start, extract_end,
			transform_start, transform_end, load_start, load_end,
			extracted_count, transformed_count, load_count, succeeded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Source, r.MappingName, fmtDay(r.RunOn), fmtTime(r.ExtractStart), fmtTime(r.ExtractEnd),
		fmtTime(r.TransformStart), fmtTime(r.TransformEnd), fmtTime(r.LoadStart), fmtTime(r.LoadEnd),
		r.ExtractedCount, r.TransformedCount, r.LoadCount, boolToInt(r.Succeeded))
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// UpdateRunLog overwrites the mutable fields of a run log.
func (s *Store) UpdateRunLog(r *RunLog) error {
	_, err := s.db.Exec(`
		UPDATE run_logs SET extract_start = ?, extract_end = ?, transform_start = ?,
			transform_end = ?, load_start = ?, load_end = ?,
			extracted_count = ?, transformed_count = ?, load_count = ?, succeeded = ?
		WHERE id = ?
	`, fmtTime(r.ExtractStart), fmtTime(r.ExtractEnd), fmtTime(r.TransformStart),
		fmtTime(r.TransformEnd), fmtTime(r.LoadStart), fmtTime(r.LoadEnd),
		r.ExtractedCount, r.TransformedCount, r.LoadCount, boolToInt(r.Succeeded), r.ID)
	return err
}

// RunLogByID returns the run log with the given id, or nil if absent.
func (s *Store) RunLogByID(id int64) (*RunLog, error) {
	row := s.db.QueryRow(`
		SELECT id, source, mapping_name, run_on,
			COALESCE(extract_start, ''), COALESCE(extract_end, ''),
			COALESCE(transform_start, ''), COALESCE(transform_end, ''),
			COALESCE(load_start, ''), COALESCE(load_end, ''),
			extracted_count, transformed_count, load_count, succeeded
		FROM run_logs WHERE id = ?
	`, id)

	var r RunLog
	var runOn, es, ee, ts, te, ls, le string
	var succeeded int
	err := row.Scan(&r.ID, &r.Source, &r.MappingName, &runOn, &es, &ee, &ts, &te, &ls, &le,
		&r.ExtractedCount, &r.TransformedCount, &r.LoadCount, &succeeded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.RunOn = parseDay(runOn)
	r.ExtractStart = parseTime(es)
	r.ExtractEnd = parseTime(ee)
	r.TransformStart = parseTime(ts)
	r.TransformEnd = parseTime(te)
	r.LoadStart = parseTime(ls)
	r.LoadEnd = parseTime(le)
	r.Succeeded = succeeded != 0
	return &r, nil
}

// LastSuccessfulRunOn returns the run date of the most recent successful run
// for (source, mapping), or nil if none exists.
func (s *Store) LastSuccessfulRunOn(source, mapping string) (*time.Time, error) {
	var runOn string
	err := s.db.QueryRow(`
		SELECT run_on FROM run_logs
		WHERE source = ? AND mapping_name = ? AND succeeded = 1
		ORDER BY run_on DESC, id DESC LIMIT 1
	`, source, mapping).Scan(&runOn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d := parseDay(runOn)
	return &d, nil
}

// FindFailure looks up an existing failure record for the dedupe key
// (source, mapping, sourceKey, sourceValue, day). Returns nil if absent.
func (s *Store) FindFailure(source, mapping, sourceKey, sourceValue string, day time.Time) (*FailureRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, source, mapping_name, COALESCE(source_key, ''), COALESCE(source_value, ''),
			occurred_on, COALESCE(message, ''), COALESCE(stack_trace, '')
		FROM failure_records
		WHERE source = ? AND mapping_name = ? AND source_key = ? AND source_value = ? AND occurred_on = ?
	`, source, mapping, sourceKey, sourceValue, fmtDay(day))
	return scanFailure(row)
}

// CreateFailure inserts a failure record.
func (s *Store) CreateFailure(f *FailureRecord) error {
	result, err := s.db.Exec(`
		INSERT INTO failure_records (source, mapping_name, source_key, source_value,
			occurred_on, message, stack_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.Source, f.MappingName, f.SourceKey, f.SourceValue, fmtDay(f.OccurredOn), f.Message, f.StackTrace)
	if err != nil {
		return err
	}
	f.ID, err = result.LastInsertId()
	return err
}

// FailuresBetween returns failure records for (source, mapping) whose
// occurred_on day falls within [start, end].
func (s *Store) FailuresBetween(source, mapping string, start, end time.Time) ([]FailureRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, source, mapping_name, COALESCE(source_key, ''), COALESCE(source_value, ''),
			occurred_on, COALESCE(message, ''), COALESCE(stack_trace, '')
		FROM failure_records
		WHERE source = ? AND mapping_name = ? AND occurred_on BETWEEN ? AND ?
		ORDER BY occurred_on, id
	`, source, mapping, fmtDay(start), fmtDay(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FailureRecord
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *f)
	}
	return records, rows.Err()
}

func scanFailure(row interface{ Scan(...any) error }) (*FailureRecord, error) {
	var f FailureRecord
	var occurredOn string
	err := row.Scan(&f.ID, &f.Source, &f.MappingName, &f.SourceKey, &f.SourceValue,
		&occurredOn, &f.Message, &f.StackTrace)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.OccurredOn = parseDay(occurredOn)
	return &f, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func fmtDay(t time.Time) string {
	return t.Format(dayFormat)
}

func parseDay(s string) time.Time {
	t, _ := time.ParseInLocation(dayFormat, s, time.Local)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
