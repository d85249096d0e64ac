package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/model"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Sources.LinuxDo = config.LinuxDoConfig{BaseURL: "https://linux.do/", PostLimit: 30, ReplyLimit: 20}
	cfg.Sources.Reddit = config.RedditConfig{
		BaseURL:    "https://www.reddit.com",
		Subreddits: []string{"golang", "rust"},
		PostLimit:  10,
		ReplyLimit: 10,
	}
	cfg.Sources.Heybox = config.HeyboxConfig{
		BaseURL:      "https://www.xiaoheihe.cn",
		Token:        "tok",
		RequireToken: true,
		PostLimit:    20,
	}
	return cfg
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(testConfig())
	require.NoError(t, err)

	ld, err := r.Get(model.SourceLinuxDo)
	require.NoError(t, err)
	assert.Equal(t, "https://linux.do/", ld.EntryURL)
	assert.Equal(t, []string{"https://linux.do/latest.rss"}, ld.FeedURLs)
	assert.True(t, ld.SupportsDiscussion)
	assert.Equal(t, 1000, ld.BodyCap)

	rd, err := r.Get(model.SourceReddit)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.reddit.com/r/golang/.rss?sort=hot",
		"https://www.reddit.com/r/rust/.rss?sort=hot",
	}, rd.FeedURLs)
	assert.Equal(t, 500, rd.BodyCap)

	hb, err := r.Get(model.SourceHeybox)
	require.NoError(t, err)
	assert.True(t, hb.RequiresAuth)
	assert.True(t, hb.HasCredentials())
	assert.Equal(t, "x_xhh_tokenid", hb.TokenKey)
	assert.Equal(t, "user_pkey", hb.SecondaryKey)
	assert.Equal(t, ".xiaoheihe.cn", hb.CookieDomain)
	assert.Empty(t, hb.FeedURLs)
	assert.Equal(t, "anchor", hb.Strategies()[0].Name())
	assert.False(t, hb.SupportsDiscussion)
	assert.Zero(t, hb.DiscussionLimit)

	_, err = r.Get("nowhere")
	assert.Error(t, err)
}

func TestProfile_HasCategory(t *testing.T) {
	r, err := NewRegistry(testConfig())
	require.NoError(t, err)
	hb, _ := r.Get(model.SourceHeybox)

	assert.True(t, hb.HasCategory("游戏攻略"))
	assert.True(t, hb.HasCategory(model.CategoryUnclassified))
	assert.False(t, hb.HasCategory("技术问答"))
}

func TestProfile_Limit(t *testing.T) {
	p := &Profile{PostLimit: 2}
	recs := []model.Record{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	assert.Len(t, p.Limit(recs), 2)

	p.PostLimit = 0
	assert.Len(t, p.Limit(recs), 3)
}

func TestOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	doc := `
reddit:
  categories: [alpha, beta]
  body_cap: 250
heybox:
  auth_markers: [".user-avatar"]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg := testConfig()
	cfg.Sources.ProfilesFile = path
	r, err := NewRegistry(cfg)
	require.NoError(t, err)

	rd, _ := r.Get(model.SourceReddit)
	assert.Equal(t, []string{"alpha", "beta"}, rd.Categories)
	assert.Equal(t, 250, rd.BodyCap)
	assert.Equal(t, 800, rd.PromptCap)

	hb, _ := r.Get(model.SourceHeybox)
	assert.Equal(t, []string{".user-avatar"}, hb.AuthMarkers)
}

func TestOverrides_UnknownSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("myspace:\n  body_cap: 1\n"), 0o644))

	_, err := LoadOverrides(path)
	assert.Error(t, err)
}

func TestDiscourseAdapter(t *testing.T) {
	r, err := NewRegistry(testConfig())
	require.NoError(t, err)
	ld, _ := r.Get(model.SourceLinuxDo)

	rec, err := ld.Adapter().Adapt(extract.Candidate{
		Title: "求推荐 VPS",
		Link:  "https://linux.do/t/topic/12345",
		Body:  `<p>想找一台便宜的机器</p><p><small>12 个帖子 - 7 位参与者</small></p><p><a href="x">阅读完整话题</a></p>`,
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", rec.ID)
	assert.Equal(t, 12, rec.Engagement.Replies)
	assert.Equal(t, 7, rec.Engagement.Participants)
	assert.Equal(t, "想找一台便宜的机器", rec.Body)
	assert.Equal(t, model.SourceLinuxDo, rec.SourceTag)
}

func TestRedditAdapter(t *testing.T) {
	r, err := NewRegistry(testConfig())
	require.NoError(t, err)
	rd, _ := r.Get(model.SourceReddit)

	rec, err := rd.Adapter().Adapt(extract.Candidate{
		Title:  "Go 1.30 released",
		Link:   "https://www.reddit.com/r/golang/comments/1abcde/go_130_released/",
		Body:   `<div>Big release</div> submitted by <a href="#">/u/gopher</a> <a href="#">[link]</a> <a href="#">[comments]</a>`,
		Author: "/u/gopher",
	})
	require.NoError(t, err)
	assert.Equal(t, "1abcde", rec.ID)
	assert.Equal(t, "Big release", rec.Body)
	assert.Equal(t, "gopher", rec.Author)
}

func TestHeyboxChain(t *testing.T) {
	r, err := NewRegistry(testConfig())
	require.NoError(t, err)
	hb, _ := r.Get(model.SourceHeybox)

	page := `<html><body>
<a href="/app/bbs/link/555?x=1"><span>玩家甲 Lv.8</span>  <b>新赛季攻略</b>  <i>详细配装思路</i>  <em>34</em>  <em>6</em></a>
</body></html>`

	res := hb.Chain().Extract(context.Background(), []byte(page))
	require.Len(t, res.Records, 1)
	assert.Equal(t, "anchor", res.Strategy)

	rec := res.Records[0]
	assert.Equal(t, "555", rec.ID)
	assert.Equal(t, "新赛季攻略", rec.Title)
	assert.Equal(t, "玩家甲", rec.Author)
	assert.Equal(t, 34, rec.Engagement.Likes)
	assert.Equal(t, 6, rec.Engagement.Comments)
	assert.Equal(t, model.SourceHeybox, rec.SourceTag)
}

func TestCookieDomain(t *testing.T) {
	tests := map[string]string{
		"https://www.xiaoheihe.cn": ".xiaoheihe.cn",
		"https://linux.do":         ".linux.do",
		"http://127.0.0.1:8080":    "127.0.0.1",
		"http://localhost:9000":    "localhost",
		"::bad":                    "",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, cookieDomain(in))
		})
	}
}
