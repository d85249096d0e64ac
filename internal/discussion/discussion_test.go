package discussion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/source"
)

const topicHTML = `<html><body>
<article class="topic-post" data-post-number="1">
  <span class="username">op</span><div class="cooked"><p>opening post</p></div>
</article>
<article class="topic-post" data-post-number="2">
  <span class="username">alice</span>
  <div class="cooked"><p>first   reply</p></div>
  <span class="likes">3</span>
  <a class="post-date" data-time="1767225600000" title="2026-01-01 00:00:00"></a>
</article>
<article class="topic-post" data-post-number="3" data-reply-to-post-number="2">
  <span class="username">bob</span>
  <div class="cooked"><p>second reply</p></div>
  <span class="likes">1.2k</span>
  <a class="post-date" title="2026-01-02 08:30:00"></a>
</article>
<article class="topic-post" data-post-number="4">
  <span class="username">carol</span><div class="cooked"></div>
</article>
</body></html>`

func staticPage(body string) PageFunc {
	return func(context.Context, string) ([]byte, error) { return []byte(body), nil }
}

func TestParseDiscourse(t *testing.T) {
	replies, err := ParseDiscourse([]byte(topicHTML), "ld_45")
	require.NoError(t, err)
	require.Len(t, replies, 2)

	assert.Equal(t, "2", replies[0].ID)
	assert.Equal(t, "alice", replies[0].Author)
	assert.Equal(t, "first reply", replies[0].Body)
	assert.Equal(t, 3, replies[0].Likes)
	require.NotNil(t, replies[0].PostedAt)
	assert.Equal(t, 2026, replies[0].PostedAt.Year())

	assert.Equal(t, "3", replies[1].ID)
	assert.Equal(t, "2", replies[1].ParentID)
	assert.Equal(t, 1, replies[1].Depth)
	assert.Equal(t, 1200, replies[1].Likes)
	require.NotNil(t, replies[1].PostedAt)
	assert.Equal(t, 8, replies[1].PostedAt.Hour())
	assert.Equal(t, "ld_45", replies[1].RecordID)
}

func TestParseDiscourse_NoPosts(t *testing.T) {
	_, err := ParseDiscourse([]byte("<html><body>Just a moment...</body></html>"), "ld_1")
	assert.ErrorIs(t, err, ErrNoThread)
}

func TestParseDiscourse_OnlyOpeningPost(t *testing.T) {
	replies, err := ParseDiscourse([]byte(`<div class="topic-post"><div class="cooked">op</div></div>`), "ld_1")
	require.NoError(t, err)
	assert.NotNil(t, replies)
	assert.Empty(t, replies)
}

func TestDiscourse_Replies_Limit(t *testing.T) {
	d := NewDiscourse(staticPage(topicHTML))

	replies, err := d.Replies(context.Background(), model.Record{ID: "ld_45", URL: "https://linux.do/t/topic/45"}, 1)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "bob", replies[0].Author, "keeps the most liked reply")
}

func TestDiscourse_Replies_Errors(t *testing.T) {
	d := NewDiscourse(func(context.Context, string) ([]byte, error) { return nil, errors.New("403") })

	_, err := d.Replies(context.Background(), model.Record{ID: "ld_1", URL: "https://linux.do/t/topic/1"}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discussion: fetch topic ld_1")

	_, err = d.Replies(context.Background(), model.Record{ID: "ld_1"}, 5)
	assert.Error(t, err)
}

const commentsJSON = `[
 {"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":"abc123"}}]}},
 {"kind":"Listing","data":{"children":[
   {"kind":"t1","data":{"id":"c1","author":"alice","body":"top comment","score":42,"created_utc":1767225600,"parent_id":"t3_abc123","depth":0,
     "replies":{"kind":"Listing","data":{"children":[
       {"kind":"t1","data":{"id":"c2","author":"bob","body":"nested","score":5,"parent_id":"t1_c1","depth":1,"replies":""}},
       {"kind":"more","data":{"id":"c9"}}
     ]}}}},
   {"kind":"t1","data":{"id":"c3","author":"[deleted]","body":"[deleted]","score":1,"parent_id":"t3_abc123","depth":0,"replies":""}},
   {"kind":"t1","data":{"id":"c4","author":"dan","body":"another","score":7,"parent_id":"t3_abc123","depth":0,"replies":""}}
 ]}}
]`

func TestParseRedditComments(t *testing.T) {
	replies, err := ParseRedditComments([]byte(commentsJSON), "abc123")
	require.NoError(t, err)
	require.Len(t, replies, 3)

	assert.Equal(t, "c1", replies[0].ID)
	assert.Equal(t, 42, replies[0].Likes)
	assert.Empty(t, replies[0].ParentID)
	require.NotNil(t, replies[0].PostedAt)

	assert.Equal(t, "c2", replies[1].ID)
	assert.Equal(t, "c1", replies[1].ParentID)
	assert.Equal(t, 1, replies[1].Depth)
	assert.Nil(t, replies[1].PostedAt)

	assert.Equal(t, "c4", replies[2].ID)
}

func TestParseRedditComments_Errors(t *testing.T) {
	_, err := ParseRedditComments([]byte(`{"error": 404}`), "x")
	assert.Error(t, err)

	_, err = ParseRedditComments([]byte(`[{"kind":"Listing","data":{"children":[]}}]`), "x")
	assert.ErrorIs(t, err, ErrNoThread)

	replies, err := ParseRedditComments([]byte(`[{"data":{}},{"data":{"children":[]}}]`), "x")
	require.NoError(t, err)
	assert.NotNil(t, replies)
}

func TestReddit_Replies_URL(t *testing.T) {
	var got string
	r := NewReddit("https://www.reddit.com/", func(_ context.Context, u string) ([]byte, error) {
		got = u
		return []byte(commentsJSON), nil
	})

	replies, err := r.Replies(context.Background(), model.Record{
		ID:  "abc123",
		URL: "https://www.reddit.com/r/golang/comments/abc123/post_a/",
	}, 2)
	require.NoError(t, err)
	assert.Len(t, replies, 2)
	assert.True(t, strings.HasPrefix(got, "https://www.reddit.com/comments/abc123.json?"), got)
	assert.Contains(t, got, "limit=2")
	assert.Contains(t, got, "sort=top")
}

func TestOAuthPage(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/access_token":
			tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			if !ok || user != "id" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
		case "/comments/abc123.json":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			assert.Equal(t, "pulse-test", r.Header.Get("User-Agent"))
			fmt.Fprint(w, commentsJSON)
		case "/comments/busy.json":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	page := OAuthPage(context.Background(), config.RedditOAuthConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/api/v1/access_token",
	}, "pulse-test")
	r := NewReddit(srv.URL, page)

	replies, err := r.Replies(context.Background(), model.Record{ID: "abc123"}, 0)
	require.NoError(t, err)
	assert.Len(t, replies, 3)

	_, err = r.Replies(context.Background(), model.Record{ID: "abc123"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load(), "token is cached")

	_, err = r.Replies(context.Background(), model.Record{ID: "busy"}, 0)
	assert.Error(t, err)
}

type fakeFetcher struct {
	calls   atomic.Int32
	failFor string
}

func (f *fakeFetcher) Replies(_ context.Context, rec model.Record, _ int) ([]model.Reply, error) {
	f.calls.Add(1)
	if rec.ID == f.failFor {
		return nil, errors.New("boom")
	}
	return []model.Reply{{RecordID: rec.ID, ID: "1", Body: "hi"}}, nil
}

func TestAttach(t *testing.T) {
	items := []model.EnrichedRecord{
		{Record: model.Record{ID: "a"}},
		{Record: model.Record{ID: "b"}},
		{Record: model.Record{ID: "c"}},
	}
	f := &fakeFetcher{failFor: "b"}

	stats := Attach(context.Background(), f, items, 5, 2)
	assert.Equal(t, Stats{Fetched: 2, Failed: 1, Replies: 2}, stats)
	assert.Len(t, items[0].Replies, 1)
	assert.Nil(t, items[1].Replies, "failed fetch stays unfetched")
	assert.Len(t, items[2].Replies, 1)
}

func TestAttach_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeFetcher{}
	stats := Attach(ctx, f, []model.EnrichedRecord{{Record: model.Record{ID: "a"}}}, 5, 1)
	assert.Zero(t, stats.Fetched)
	assert.Zero(t, f.calls.Load())
}

func TestNew(t *testing.T) {
	enabled := config.DiscussionConfig{Enabled: true}

	f, err := New(context.Background(), &source.Profile{Tag: model.SourceLinuxDo, SupportsDiscussion: true}, enabled, staticPage(""))
	require.NoError(t, err)
	assert.IsType(t, &Discourse{}, f)

	f, err = New(context.Background(), &source.Profile{Tag: model.SourceReddit, SupportsDiscussion: true, EntryURL: "https://www.reddit.com/"}, enabled, staticPage(""))
	require.NoError(t, err)
	assert.IsType(t, &Reddit{}, f)

	f, err = New(context.Background(), &source.Profile{Tag: model.SourceHeybox}, enabled, staticPage(""))
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = New(context.Background(), &source.Profile{Tag: model.SourceLinuxDo, SupportsDiscussion: true}, config.DiscussionConfig{}, staticPage(""))
	require.NoError(t, err)
	assert.Nil(t, f)

	_, err = New(context.Background(), &source.Profile{Tag: model.SourceReddit, SupportsDiscussion: true},
		config.DiscussionConfig{Enabled: true, Reddit: config.RedditOAuthConfig{ClientID: "id"}}, staticPage(""))
	assert.ErrorIs(t, err, config.ErrMissingConfig)
}
