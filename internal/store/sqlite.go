package store

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/community-pulse/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                 TEXT PRIMARY KEY,
	source_tag         TEXT NOT NULL,
	title              TEXT NOT NULL,
	url                TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	author             TEXT NOT NULL DEFAULT '',
	channel            TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	key_points         TEXT NOT NULL DEFAULT '[]',
	category           TEXT NOT NULL DEFAULT 'unclassified',
	value_tier         TEXT NOT NULL DEFAULT 'medium',
	long_form          TEXT NOT NULL DEFAULT '',
	degraded           BOOLEAN NOT NULL DEFAULT 0,
	published_at       DATETIME,
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	replies_count      INTEGER NOT NULL DEFAULT 0,
	participants_count INTEGER NOT NULL DEFAULT 0,
	score              INTEGER NOT NULL DEFAULT 0,
	likes_count        INTEGER NOT NULL DEFAULT 0,
	comments_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_source_updated ON records(source_tag, updated_at);

CREATE TABLE IF NOT EXISTS replies (
	record_id TEXT NOT NULL,
	id        TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	author    TEXT NOT NULL DEFAULT '',
	body      TEXT NOT NULL DEFAULT '',
	likes     INTEGER NOT NULL DEFAULT 0,
	depth     INTEGER NOT NULL DEFAULT 0,
	posted_at DATETIME,
	PRIMARY KEY (record_id, id)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	status      TEXT NOT NULL,
	summary     TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_source_started ON runs(source, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertRecords(ctx context.Context, recs []model.EnrichedRecord) UpsertResult {
	return upserter{
		name:        "sqlite",
		placeholder: sq.Question,
		exec: func(ctx context.Context, query string, args ...any) error {
			_, err := s.db.ExecContext(ctx, query, args...)
			return err
		},
		missingColumn: sqliteMissingColumn,
		now:           s.now,
	}.run(ctx, recs)
}

// UpsertReplies inserts replies row by row in one transaction. Existing
// (record_id, id) pairs are left untouched.
func (s *SQLiteStore) UpsertReplies(ctx context.Context, replies []model.Reply) (int64, error) {
	if len(replies) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replies tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO replies (`+strings.Join(replyColumns, ", ")+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare replies insert")
	}
	defer stmt.Close() //nolint:errcheck

	var inserted int64
	for _, r := range replies {
		res, err := stmt.ExecContext(ctx, r.RecordID, r.ID, r.ParentID, r.Author, r.Body, r.Likes, r.Depth, r.PostedAt)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert reply %s/%s", r.RecordID, r.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit replies")
	}
	return inserted, nil
}

func (s *SQLiteStore) RecordsMissingDiscussion(ctx context.Context, source model.SourceTag, limit int) ([]model.Record, error) {
	query, args, err := missingDiscussionQuery(sq.Question, source, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: records missing discussion")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.RunSummary) error {
	query, args, err := saveRunQuery(sq.Question, run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return eris.Wrapf(err, "sqlite: save run %s", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query, args, err := listRunsQuery(sq.Question, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.RunSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		run, err := decodeRun([]byte(raw))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

var sqliteColumnRe = regexp.MustCompile(`(?:no such column|has no column named):?\s*"?([\w.]+)`)

// sqliteMissingColumn detects SQLite's missing-column messages and names the
// column they report.
func sqliteMissingColumn(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	if !strings.Contains(msg, "no such column") && !strings.Contains(msg, "has no column named") {
		return "", false
	}
	if m := sqliteColumnRe.FindStringSubmatch(msg); m != nil {
		return unqualifiedColumn(m[1]), true
	}
	return "", true
}
