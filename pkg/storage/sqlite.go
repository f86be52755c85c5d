// Package storage provides journal sinks that persist update records
// outside the process: a local sqlite database and a Feishu bitable.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	updateagent "github.com/sevensense-robotics/UpdateAgent"
)

const updateRecordsTable = "update_records"

// SQLiteSink persists finalized update records to a local sqlite database so
// update history survives agent restarts.
type SQLiteSink struct {
	db    *sql.DB
	table string
}

// NewSQLiteSink opens (creating if needed) the database at path and ensures
// the update_records table exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite db failed")
	}
	sink := &SQLiteSink{db: db, table: updateRecordsTable}
	if err := sink.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *SQLiteSink) ensureSchema() error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_type TEXT NOT NULL,
		target TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.Exec(schema); err != nil {
		return pkgerrors.Wrap(err, "storage: create update_records table failed")
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, rec updateagent.UpdateRecord) error {
	query := fmt.Sprintf(`INSERT INTO %q (device_type, target, outcome, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	_, err := s.db.ExecContext(ctx, query,
		rec.DeviceType,
		string(rec.Target),
		string(rec.Outcome),
		string(rec.Reason),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return pkgerrors.Wrap(err, "storage: insert update record failed")
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// History returns all persisted update records in append order.
func (s *SQLiteSink) History(ctx context.Context) ([]updateagent.UpdateRecord, error) {
	query := fmt.Sprintf(`SELECT device_type, target, outcome, reason, started_at, finished_at
		FROM %q ORDER BY id ASC`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query update records failed")
	}
	defer rows.Close()

	var records []updateagent.UpdateRecord
	for rows.Next() {
		var rec updateagent.UpdateRecord
		var deviceType, target, outcome, reason, startedAt, finishAt string
		if err := rows.Scan(&deviceType, &target, &outcome, &reason, &startedAt, &finishAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan update record failed")
		}
		rec.DeviceType = deviceType
		rec.Target = updateagent.Version(target)
		rec.Outcome = updateagent.Outcome(outcome)
		rec.Reason = updateagent.StageReason(reason)
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			rec.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, finishAt); err == nil {
			rec.FinishedAt = t
		}
		records = append(records, rec)
	}
	return records, pkgerrors.Wrap(rows.Err(), "storage: iterate update records failed")
}
