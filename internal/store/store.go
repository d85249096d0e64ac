// Package store persists enriched records, their discussions and run
// summaries. Record writes are idempotent upserts keyed on the record id.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Source model.SourceTag `json:"source,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// UpsertResult reports the outcome of a batch write. Degraded counts records
// written without one or more of the optional engagement columns.
type UpsertResult struct {
	Written  int
	Failed   int
	Degraded int
	Errors   []error
}

// Store defines the persistence interface for the pipeline.
type Store interface {
	Migrate(ctx context.Context) error

	UpsertRecords(ctx context.Context, recs []model.EnrichedRecord) UpsertResult
	UpsertReplies(ctx context.Context, replies []model.Reply) (int64, error)
	RecordsMissingDiscussion(ctx context.Context, source model.SourceTag, limit int) ([]model.Record, error)

	SaveRun(ctx context.Context, run *model.RunSummary) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)

	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg)
	case "sqlite", "":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = config.DefaultSQLitePath()
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, eris.Wrap(err, "store: create data dir")
			}
		}
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

const (
	recordsTable = "records"
	repliesTable = "replies"
	runsTable    = "runs"
)

var (
	recordColumns = []string{
		"id", "source_tag", "title", "url", "body", "author", "channel",
		"summary", "key_points", "category", "value_tier", "long_form", "degraded",
		"published_at", "updated_at",
	}
	// engagementColumns are optional; older schemas may lack them.
	engagementColumns = []string{
		"replies_count", "participants_count", "score", "likes_count", "comments_count",
	}
	replyColumns = []string{
		"record_id", "id", "parent_id", "author", "body", "likes", "depth", "posted_at",
	}
)

// execFunc runs one statement.
type execFunc func(ctx context.Context, query string, args ...any) error

// upserter writes records one statement at a time. When the live schema
// lacks an optional column the statement is narrowed by that column and
// retried; exclusions stick for the rest of the batch.
type upserter struct {
	name        string
	placeholder sq.PlaceholderFormat
	exec        execFunc
	// missingColumn reports whether err is a missing-column error and, when
	// the driver names it, which column.
	missingColumn func(error) (string, bool)
	now           func() time.Time
}

func (u upserter) run(ctx context.Context, recs []model.EnrichedRecord) UpsertResult {
	var res UpsertResult
	excluded := make(map[string]bool)

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, eris.Wrapf(err, "%s: upsert %s", u.name, rec.Record.ID))
			continue
		}

		err := u.write(ctx, rec, excluded)
		for err != nil && len(excluded) < len(engagementColumns) {
			col, ok := u.missingColumn(err)
			if !ok {
				break
			}
			dropped := excludeColumn(excluded, col)
			zap.L().Warn(u.name+": optional column missing, narrowing record writes",
				zap.String("record_id", rec.Record.ID),
				zap.Strings("dropped", dropped),
				zap.Error(err),
			)
			err = u.write(ctx, rec, excluded)
		}
		if err != nil {
			zap.L().Warn(u.name+": record write failed",
				zap.String("record_id", rec.Record.ID),
				zap.Error(err),
			)
			res.Failed++
			res.Errors = append(res.Errors, eris.Wrapf(err, "%s: upsert %s", u.name, rec.Record.ID))
			continue
		}
		res.Written++
		if len(excluded) > 0 {
			res.Degraded++
		}
	}
	return res
}

// excludeColumn adds col to excluded when it is a known engagement column.
// An unnamed or unknown column excludes every engagement column. It returns
// the columns newly excluded.
func excludeColumn(excluded map[string]bool, col string) []string {
	if col != "" && slices.Contains(engagementColumns, col) && !excluded[col] {
		excluded[col] = true
		return []string{col}
	}
	var dropped []string
	for _, c := range engagementColumns {
		if !excluded[c] {
			excluded[c] = true
			dropped = append(dropped, c)
		}
	}
	return dropped
}

// unqualifiedColumn strips a "table." prefix.
func unqualifiedColumn(col string) string {
	if i := strings.LastIndex(col, "."); i >= 0 {
		return col[i+1:]
	}
	return col
}

func (u upserter) write(ctx context.Context, rec model.EnrichedRecord, excluded map[string]bool) error {
	query, args, err := buildRecordUpsert(u.placeholder, rec, excluded, u.now())
	if err != nil {
		return err
	}
	return u.exec(ctx, query, args...)
}

// buildRecordUpsert renders INSERT ... ON CONFLICT (id) DO UPDATE with every
// non-key column overwritten. Engagement columns in excluded are left out.
func buildRecordUpsert(ph sq.PlaceholderFormat, e model.EnrichedRecord, excluded map[string]bool, now time.Time) (string, []any, error) {
	r, a := e.Record, e.Annotation

	keyPoints := a.KeyPoints
	if keyPoints == nil {
		keyPoints = []string{}
	}
	kp, err := json.Marshal(keyPoints)
	if err != nil {
		return "", nil, eris.Wrap(err, "store: marshal key points")
	}

	cols := append([]string{}, recordColumns...)
	vals := []any{
		r.ID, string(r.SourceTag), r.Title, r.URL, r.Body, r.Author, r.Channel,
		a.Summary, string(kp), a.Category, string(a.ValueTier), a.LongForm, a.Degraded,
		r.PublishedAt, now.UTC(),
	}
	g := r.Engagement
	counters := map[string]int{
		"replies_count":      g.Replies,
		"participants_count": g.Participants,
		"score":              g.Score,
		"likes_count":        g.Likes,
		"comments_count":     g.Comments,
	}
	for _, c := range engagementColumns {
		if excluded[c] {
			continue
		}
		cols = append(cols, c)
		vals = append(vals, counters[c])
	}

	set := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		set = append(set, c+" = EXCLUDED."+c)
	}

	query, args, err := sq.Insert(recordsTable).
		Columns(cols...).
		Values(vals...).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + strings.Join(set, ", ")).
		PlaceholderFormat(ph).
		ToSql()
	if err != nil {
		return "", nil, eris.Wrap(err, "store: build upsert")
	}
	return query, args, nil
}

func missingDiscussionQuery(ph sq.PlaceholderFormat, source model.SourceTag, limit int) (string, []any, error) {
	if limit <= 0 {
		limit = 100
	}
	q := sq.Select("r.id", "r.source_tag", "r.title", "r.url", "r.body", "r.author", "r.channel").
		From(recordsTable + " r").
		Where(sq.Eq{"r.source_tag": string(source)}).
		Where("NOT EXISTS (SELECT 1 FROM " + repliesTable + " p WHERE p.record_id = r.id)").
		OrderBy("r.updated_at DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(ph)
	query, args, err := q.ToSql()
	return query, args, eris.Wrap(err, "store: build missing discussion query")
}

func listRunsQuery(ph sq.PlaceholderFormat, f RunFilter) (string, []any, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := sq.Select("summary").From(runsTable).OrderBy("started_at DESC").Limit(uint64(limit))
	if f.Source != "" {
		q = q.Where(sq.Eq{"source": string(f.Source)})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	query, args, err := q.PlaceholderFormat(ph).ToSql()
	return query, args, eris.Wrap(err, "store: build list runs query")
}

func saveRunQuery(ph sq.PlaceholderFormat, run *model.RunSummary) (string, []any, error) {
	body, err := json.Marshal(run)
	if err != nil {
		return "", nil, eris.Wrap(err, "store: marshal run")
	}
	query, args, err := sq.Insert(runsTable).
		Columns("id", "source", "status", "summary", "started_at", "duration_ms").
		Values(run.ID, string(run.Source), string(run.Status), string(body), run.StartedAt.UTC(), run.DurationMs).
		Suffix("ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, summary = EXCLUDED.summary, duration_ms = EXCLUDED.duration_ms").
		PlaceholderFormat(ph).
		ToSql()
	return query, args, eris.Wrap(err, "store: build save run")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (model.Record, error) {
	var r model.Record
	var tag string
	if err := row.Scan(&r.ID, &tag, &r.Title, &r.URL, &r.Body, &r.Author, &r.Channel); err != nil {
		return r, err
	}
	r.SourceTag = model.SourceTag(tag)
	return r, nil
}

func decodeRun(raw []byte) (model.RunSummary, error) {
	var s model.RunSummary
	err := json.Unmarshal(raw, &s)
	return s, eris.Wrap(err, "store: unmarshal run")
}
