package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/db"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/resilience"
)

// pgUndefinedColumn is the SQLSTATE for a reference to a missing column.
const pgUndefinedColumn = "42703"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// NewPostgres connects to cfg.DatabaseURL, retrying the initial ping.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.ConnectOptions{
		MaxConns: cfg.MaxConns,
		MinConns: cfg.MinConns,
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.ConnectAttempts,
			Delay:       time.Duration(cfg.ConnectDelayMs) * time.Millisecond,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                 TEXT PRIMARY KEY,
	source_tag         TEXT NOT NULL,
	title              TEXT NOT NULL,
	url                TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	author             TEXT NOT NULL DEFAULT '',
	channel            TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	key_points         JSONB NOT NULL DEFAULT '[]',
	category           TEXT NOT NULL DEFAULT 'unclassified',
	value_tier         TEXT NOT NULL DEFAULT 'medium',
	long_form          TEXT NOT NULL DEFAULT '',
	degraded           BOOLEAN NOT NULL DEFAULT false,
	published_at       TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	replies_count      INTEGER NOT NULL DEFAULT 0,
	participants_count INTEGER NOT NULL DEFAULT 0,
	score              INTEGER NOT NULL DEFAULT 0,
	likes_count        INTEGER NOT NULL DEFAULT 0,
	comments_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_source_updated ON records(source_tag, updated_at DESC);

CREATE TABLE IF NOT EXISTS replies (
	record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	id        TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	author    TEXT NOT NULL DEFAULT '',
	body      TEXT NOT NULL DEFAULT '',
	likes     INTEGER NOT NULL DEFAULT 0,
	depth     INTEGER NOT NULL DEFAULT 0,
	posted_at TIMESTAMPTZ,
	PRIMARY KEY (record_id, id)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	status      TEXT NOT NULL,
	summary     JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_source_started ON runs(source, started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertRecords(ctx context.Context, recs []model.EnrichedRecord) UpsertResult {
	return upserter{
		name:        "postgres",
		placeholder: sq.Dollar,
		exec: func(ctx context.Context, query string, args ...any) error {
			_, err := s.pool.Exec(ctx, query, args...)
			return err
		},
		missingColumn: pgMissingColumn,
		now:           s.clock(),
	}.run(ctx, recs)
}

func (s *PostgresStore) UpsertReplies(ctx context.Context, replies []model.Reply) (int64, error) {
	rows := make([][]any, len(replies))
	for i, r := range replies {
		rows[i] = []any{r.RecordID, r.ID, r.ParentID, r.Author, r.Body, r.Likes, r.Depth, r.PostedAt}
	}
	n, err := db.BulkInsert(ctx, s.pool, db.BulkConfig{
		Table:        repliesTable,
		Columns:      replyColumns,
		ConflictKeys: []string{"record_id", "id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert replies")
	}
	return n, nil
}

func (s *PostgresStore) RecordsMissingDiscussion(ctx context.Context, source model.SourceTag, limit int) ([]model.Record, error) {
	query, args, err := missingDiscussionQuery(sq.Dollar, source, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: records missing discussion")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.RunSummary) error {
	query, args, err := saveRunQuery(sq.Dollar, run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return eris.Wrapf(err, "postgres: save run %s", run.ID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query, args, err := listRunsQuery(sq.Dollar, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		run, err := decodeRun(raw)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) clock() func() time.Time {
	if s.now == nil {
		return time.Now
	}
	return s.now
}

var pgColumnRe = regexp.MustCompile(`column "([^"]+)"`)

// pgMissingColumn detects SQLSTATE 42703 and names the column from the
// error detail or, failing that, the message.
func pgMissingColumn(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUndefinedColumn {
		return "", false
	}
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName, true
	}
	if m := pgColumnRe.FindStringSubmatch(pgErr.Message); m != nil {
		return unqualifiedColumn(m[1]), true
	}
	return "", true
}
