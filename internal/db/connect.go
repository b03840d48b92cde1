package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:rapor.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/rapor?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Decimal columns are stored as TEXT so grade values round-trip exactly.

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS offerings (
  id TEXT PRIMARY KEY,
  subject_id TEXT NOT NULL DEFAULT '',
  period_id TEXT NOT NULL DEFAULT '',
  school_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enrollments (
  offering_id TEXT NOT NULL,
  student_id TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY (offering_id, student_id)
);

CREATE TABLE IF NOT EXISTS assessment_scores (
  id TEXT PRIMARY KEY,
  offering_id TEXT NOT NULL,
  assessment_id TEXT NOT NULL,
  student_id TEXT NOT NULL,
  raw_score TEXT NOT NULL DEFAULT '0',
  adjusted_score TEXT NOT NULL DEFAULT '0',
  status TEXT NOT NULL,
  group_tag TEXT NOT NULL DEFAULT '',
  weight_override TEXT,
  submitted_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scores_pair ON assessment_scores (offering_id, student_id);

CREATE TABLE IF NOT EXISTS grading_components (
  id TEXT PRIMARY KEY,
  scope TEXT NOT NULL,
  scope_ref TEXT NOT NULL,
  key TEXT NOT NULL,
  source_filter TEXT NOT NULL DEFAULT '',
  strategy TEXT NOT NULL,
  strategy_n INTEGER NOT NULL DEFAULT 0,
  strategy_k INTEGER NOT NULL DEFAULT 0,
  missing_policy TEXT NOT NULL,
  version INTEGER NOT NULL,
  is_active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS grading_formulas (
  id TEXT PRIMARY KEY,
  scope TEXT NOT NULL,
  scope_ref TEXT NOT NULL,
  expression TEXT NOT NULL,
  conditions_json TEXT NOT NULL DEFAULT '[]',
  rounding TEXT NOT NULL,
  decimal_places INTEGER NOT NULL,
  pass_threshold TEXT,
  boundaries_json TEXT NOT NULL,
  fail_letter TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL,
  is_active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS final_grades (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL,
  offering_id TEXT NOT NULL,
  numeric_grade TEXT,
  letter_grade TEXT,
  is_passing INTEGER,
  breakdown_json TEXT NOT NULL DEFAULT '{}',
  formula_id TEXT NOT NULL DEFAULT '',
  formula_version INTEGER NOT NULL DEFAULT 0,
  computed_at INTEGER NOT NULL DEFAULT 0,
  is_published INTEGER NOT NULL DEFAULT 0,
  is_locked INTEGER NOT NULL DEFAULT 0,
  revision INTEGER NOT NULL DEFAULT 0,
  UNIQUE (student_id, offering_id)
);

CREATE TABLE IF NOT EXISTS computation_log (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL,
  offering_id TEXT NOT NULL,
  final_grade_id TEXT NOT NULL DEFAULT '',
  trigger_type TEXT NOT NULL,
  previous_grade TEXT,
  new_grade TEXT,
  status TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_log_pair ON computation_log (offering_id, student_id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS offerings (
  id TEXT PRIMARY KEY,
  subject_id TEXT NOT NULL DEFAULT '',
  period_id TEXT NOT NULL DEFAULT '',
  school_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enrollments (
  offering_id TEXT NOT NULL,
  student_id TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  PRIMARY KEY (offering_id, student_id)
);

CREATE TABLE IF NOT EXISTS assessment_scores (
  id TEXT PRIMARY KEY,
  offering_id TEXT NOT NULL,
  assessment_id TEXT NOT NULL,
  student_id TEXT NOT NULL,
  raw_score TEXT NOT NULL DEFAULT '0',
  adjusted_score TEXT NOT NULL DEFAULT '0',
  status TEXT NOT NULL,
  group_tag TEXT NOT NULL DEFAULT '',
  weight_override TEXT,
  submitted_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scores_pair ON assessment_scores (offering_id, student_id);

CREATE TABLE IF NOT EXISTS grading_components (
  id TEXT PRIMARY KEY,
  scope TEXT NOT NULL,
  scope_ref TEXT NOT NULL,
  key TEXT NOT NULL,
  source_filter TEXT NOT NULL DEFAULT '',
  strategy TEXT NOT NULL,
  strategy_n INTEGER NOT NULL DEFAULT 0,
  strategy_k INTEGER NOT NULL DEFAULT 0,
  missing_policy TEXT NOT NULL,
  version INTEGER NOT NULL,
  is_active BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS grading_formulas (
  id TEXT PRIMARY KEY,
  scope TEXT NOT NULL,
  scope_ref TEXT NOT NULL,
  expression TEXT NOT NULL,
  conditions_json TEXT NOT NULL DEFAULT '[]',
  rounding TEXT NOT NULL,
  decimal_places INTEGER NOT NULL,
  pass_threshold TEXT,
  boundaries_json TEXT NOT NULL,
  fail_letter TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL,
  is_active BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS final_grades (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL,
  offering_id TEXT NOT NULL,
  numeric_grade TEXT,
  letter_grade TEXT,
  is_passing BOOLEAN,
  breakdown_json TEXT NOT NULL DEFAULT '{}',
  formula_id TEXT NOT NULL DEFAULT '',
  formula_version INTEGER NOT NULL DEFAULT 0,
  computed_at BIGINT NOT NULL DEFAULT 0,
  is_published BOOLEAN NOT NULL DEFAULT FALSE,
  is_locked BOOLEAN NOT NULL DEFAULT FALSE,
  revision INTEGER NOT NULL DEFAULT 0,
  UNIQUE (student_id, offering_id)
);

CREATE TABLE IF NOT EXISTS computation_log (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL,
  offering_id TEXT NOT NULL,
  final_grade_id TEXT NOT NULL DEFAULT '',
  trigger_type TEXT NOT NULL,
  previous_grade TEXT,
  new_grade TEXT,
  status TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  started_at BIGINT NOT NULL,
  completed_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_log_pair ON computation_log (offering_id, student_id);
`
