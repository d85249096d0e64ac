package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/community-pulse/internal/db"
	"github.com/sells-group/community-pulse/internal/model"
)

const (
	wideInsert   = `^INSERT INTO records \(id,source_tag,.*,updated_at,replies_count,participants_count,score,likes_count,comments_count\) VALUES .* ON CONFLICT \(id\) DO UPDATE SET source_tag = EXCLUDED\.source_tag`
	narrowInsert = `^INSERT INTO records \(id,source_tag,title,url,body,author,channel,summary,key_points,category,value_tier,long_form,degraded,published_at,updated_at\) VALUES`
	// Every engagement counter except replies_count.
	noRepliesInsert = `^INSERT INTO records \(id,source_tag,.*,updated_at,participants_count,score,likes_count,comments_count\) VALUES`
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := NewPostgresWithPool(mock)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS records`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(wideInsert).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(wideInsert).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res := s.UpsertRecords(context.Background(), []model.EnrichedRecord{enriched("ld_1", "A"), enriched("ld_2", "B")})
	assert.Equal(t, UpsertResult{Written: 2}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecords_SchemaDrift(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(wideInsert).WillReturnError(&pgconn.PgError{
		Code:    "42703",
		Message: `column "replies_count" of relation "records" does not exist`,
	})
	mock.ExpectExec(noRepliesInsert).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// The exclusion sticks for the rest of the batch.
	mock.ExpectExec(noRepliesInsert).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res := s.UpsertRecords(context.Background(), []model.EnrichedRecord{enriched("ld_1", "A"), enriched("ld_2", "B")})
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 2, res.Degraded)
	assert.Zero(t, res.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecords_SchemaDriftKeepsOtherCounters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := enriched("ld_1", "A")
	rec.Record.Engagement = model.Engagement{Replies: 12, Participants: 7, Score: 42, Likes: 3, Comments: 5}

	mock.ExpectExec(wideInsert).WillReturnError(&pgconn.PgError{
		Code:    "42703",
		Message: `column "replies_count" of relation "records" does not exist`,
	})
	// Remaining counters follow the fifteen base columns.
	mock.ExpectExec(noRepliesInsert).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			7, 42, 3, 5,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res := s.UpsertRecords(context.Background(), []model.EnrichedRecord{rec})
	assert.Equal(t, UpsertResult{Written: 1, Degraded: 1}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecords_SchemaDriftUnnamedColumn(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(wideInsert).WillReturnError(&pgconn.PgError{Code: "42703", Message: "undefined column"})
	mock.ExpectExec(narrowInsert).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res := s.UpsertRecords(context.Background(), []model.EnrichedRecord{enriched("ld_1", "A")})
	assert.Equal(t, UpsertResult{Written: 1, Degraded: 1}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRecords_PartialFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(wideInsert).WillReturnError(errors.New("value too long for type"))
	mock.ExpectExec(wideInsert).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res := s.UpsertRecords(context.Background(), []model.EnrichedRecord{enriched("ld_1", "A"), enriched("ld_2", "B")})
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "ld_1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertReplies(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	stage := db.TempTable(repliesTable)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{stage}, replyColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "replies" .* DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.UpsertReplies(context.Background(), []model.Reply{
		{RecordID: "ld_1", ID: "2", Body: "a"},
		{RecordID: "ld_1", ID: "3", Body: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordsMissingDiscussion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT r\.id, .* FROM records r WHERE r\.source_tag = \$1 AND NOT EXISTS .* LIMIT 25`).
		WithArgs("linuxdo").
		WillReturnRows(pgxmock.NewRows([]string{"id", "source_tag", "title", "url", "body", "author", "channel"}).
			AddRow("ld_7", "linuxdo", "Seven", "https://linux.do/t/x/7", "", "", ""))

	recs, err := s.RecordsMissingDiscussion(context.Background(), model.SourceLinuxDo, 25)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ld_7", recs[0].ID)
	assert.Equal(t, model.SourceLinuxDo, recs[0].SourceTag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAndListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	run := &model.RunSummary{ID: "run-1", Source: model.SourceReddit, Status: model.RunStatusComplete, RecordCount: 2}
	raw, err := json.Marshal(run)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO runs .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("run-1", "reddit", "complete", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT summary FROM runs WHERE source = \$1 ORDER BY started_at DESC LIMIT 5`).
		WithArgs("reddit").
		WillReturnRows(pgxmock.NewRows([]string{"summary"}).AddRow(raw))

	require.NoError(t, s.SaveRun(context.Background(), run))
	runs, err := s.ListRuns(context.Background(), RunFilter{Source: model.SourceReddit, Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].RecordCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT summary FROM runs`).WillReturnError(errors.New("connection lost"))

	_, err := s.ListRuns(context.Background(), RunFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: list runs")
}

func TestBuildRecordUpsert(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	query, args, err := buildRecordUpsert(sq.Dollar, enriched("ld_1", "A"), nil, now)
	require.NoError(t, err)
	assert.Len(t, args, len(recordColumns)+len(engagementColumns))
	assert.Contains(t, query, "$20")
	assert.NotContains(t, query, "id = EXCLUDED.id,")
	assert.Equal(t, `["a","b"]`, args[8])

	query, args, err = buildRecordUpsert(sq.Dollar, enriched("ld_1", "A"), map[string]bool{"replies_count": true}, now)
	require.NoError(t, err)
	assert.Len(t, args, len(recordColumns)+len(engagementColumns)-1)
	assert.False(t, strings.Contains(query, "replies_count"))
	assert.Contains(t, query, "participants_count = EXCLUDED.participants_count")
	assert.Equal(t, 7, args[len(recordColumns)])

	all := make(map[string]bool)
	for _, c := range engagementColumns {
		all[c] = true
	}
	query, args, err = buildRecordUpsert(sq.Dollar, enriched("ld_1", "A"), all, now)
	require.NoError(t, err)
	assert.Len(t, args, len(recordColumns))
	assert.NotContains(t, query, "score")
}

func TestPgMissingColumn(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantCol string
		want    bool
	}{
		{"message names column", &pgconn.PgError{Code: "42703", Message: `column "score" of relation "records" does not exist`}, "score", true},
		{"column name field", &pgconn.PgError{Code: "42703", ColumnName: "likes_count"}, "likes_count", true},
		{"unnamed", &pgconn.PgError{Code: "42703"}, "", true},
		{"other sqlstate", &pgconn.PgError{Code: "23505"}, "", false},
		{"plain error", errors.New("42703"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col, ok := pgMissingColumn(tt.err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.wantCol, col)
		})
	}
}

func TestExcludeColumn(t *testing.T) {
	excluded := make(map[string]bool)

	assert.Equal(t, []string{"score"}, excludeColumn(excluded, "score"))
	assert.Equal(t, []string{"replies_count"}, excludeColumn(excluded, "replies_count"))
	assert.Len(t, excluded, 2)

	// Unknown or unnamed columns drop whatever counters remain.
	dropped := excludeColumn(excluded, "")
	assert.Equal(t, []string{"participants_count", "likes_count", "comments_count"}, dropped)
	assert.Len(t, excluded, len(engagementColumns))
}
