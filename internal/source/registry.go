package source

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/model"
)

// HeyboxPostSelector matches the anchors that wrap Heybox feed posts.
const HeyboxPostSelector = `a[href*="/app/bbs/link/"]`

// Registry holds the profile of every supported source.
type Registry struct {
	profiles map[model.SourceTag]*Profile
}

// NewRegistry builds profiles from cfg, then applies the overrides file
// named by sources.profiles_file if one is configured.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	heybox, err := heyboxProfile(cfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{profiles: map[model.SourceTag]*Profile{
		model.SourceLinuxDo: linuxDoProfile(cfg),
		model.SourceReddit:  redditProfile(cfg),
		model.SourceHeybox:  heybox,
	}}

	if path := cfg.Sources.ProfilesFile; path != "" {
		overrides, err := LoadOverrides(path)
		if err != nil {
			return nil, err
		}
		r.Apply(overrides)
	}
	return r, nil
}

// Get returns the profile for tag.
func (r *Registry) Get(tag model.SourceTag) (*Profile, error) {
	p, ok := r.profiles[tag]
	if !ok {
		return nil, eris.Errorf("source: no profile for %q", tag)
	}
	return p, nil
}

// Override replaces tunable profile fields. Zero values leave the built-in
// setting alone.
type Override struct {
	Categories  []string `yaml:"categories"`
	Framing     string   `yaml:"framing"`
	BodyCap     int      `yaml:"body_cap"`
	PromptCap   int      `yaml:"prompt_cap"`
	AuthMarkers []string `yaml:"auth_markers"`
}

// LoadOverrides reads a YAML document keyed by source tag.
func LoadOverrides(path string) (map[model.SourceTag]Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read overrides %s", path)
	}
	var raw map[string]Override
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "source: parse overrides %s", path)
	}
	out := make(map[model.SourceTag]Override, len(raw))
	for k, v := range raw {
		tag, err := model.ParseSourceTag(k)
		if err != nil {
			return nil, eris.Wrapf(err, "source: overrides %s", path)
		}
		out[tag] = v
	}
	return out, nil
}

// Apply merges overrides into the registry.
func (r *Registry) Apply(overrides map[model.SourceTag]Override) {
	for tag, o := range overrides {
		p, ok := r.profiles[tag]
		if !ok {
			continue
		}
		if len(o.Categories) > 0 {
			p.Categories = o.Categories
		}
		if o.Framing != "" {
			p.Framing = o.Framing
		}
		if o.BodyCap > 0 {
			p.BodyCap = o.BodyCap
		}
		if o.PromptCap > 0 {
			p.PromptCap = o.PromptCap
		}
		if len(o.AuthMarkers) > 0 {
			p.AuthMarkers = o.AuthMarkers
		}
		p.rebuildAdapter()
	}
}

func linuxDoProfile(cfg *config.Config) *Profile {
	base := strings.TrimRight(cfg.Sources.LinuxDo.BaseURL, "/")
	p := &Profile{
		Tag:         model.SourceLinuxDo,
		DisplayName: "Linux.do",
		EntryURL:    base + "/",
		FeedURLs:    []string{base + "/latest.rss"},
		Categories:  []string{"技术问答", "资源分享", "新闻资讯", "优惠活动", "日常闲聊", "求助", "讨论", "产品评测"},
		Framing: "你是一名Linux.do社区观察员，擅长捕捉社区热点、资源分享和实用技巧。" +
			"请基于楼主内容和评论区真实讨论，给出轻快实用的分析。",
		BodyCap:            1000,
		PromptCap:          800,
		PostLimit:          cfg.Sources.LinuxDo.PostLimit,
		SupportsDiscussion: true,
		DiscussionLimit:    cfg.Sources.LinuxDo.ReplyLimit,
		IDPatterns:         []*regexp.Regexp{extract.DiscourseIDPattern},
	}
	p.rebuildAdapter()
	return p
}

func redditProfile(cfg *config.Config) *Profile {
	base := strings.TrimRight(cfg.Sources.Reddit.BaseURL, "/")
	sort := cfg.Sources.Reddit.Sort
	if sort == "" {
		sort = "hot"
	}
	feeds := make([]string, 0, len(cfg.Sources.Reddit.Subreddits))
	for _, sub := range cfg.Sources.Reddit.Subreddits {
		feeds = append(feeds, fmt.Sprintf("%s/r/%s/.rss?sort=%s", base, url.PathEscape(sub), url.QueryEscape(sort)))
	}
	p := &Profile{
		Tag:         model.SourceReddit,
		DisplayName: "Reddit",
		EntryURL:    base + "/",
		FeedURLs:    feeds,
		Categories:  []string{"技术讨论", "新闻分享", "问题求助", "观点讨论", "资源分享", "娱乐内容", "其他"},
		Framing: "你是一名Reddit社区分析师，擅长从英文社区讨论中提炼要点。" +
			"请用中文总结帖子内容和评论区的主流观点。",
		BodyCap:            500,
		PromptCap:          800,
		PostLimit:          cfg.Sources.Reddit.PostLimit,
		SupportsDiscussion: true,
		DiscussionLimit:    cfg.Sources.Reddit.ReplyLimit,
		IDPatterns:         []*regexp.Regexp{extract.RedditIDPattern},
	}
	p.rebuildAdapter()
	return p
}

func heyboxProfile(cfg *config.Config) (*Profile, error) {
	base := strings.TrimRight(cfg.Sources.Heybox.BaseURL, "/")
	p := &Profile{
		Tag:            model.SourceHeybox,
		DisplayName:    "小黑盒",
		EntryURL:       base + "/app/bbs/home",
		RequiresAuth:   cfg.Sources.Heybox.RequireToken,
		AuthMarkers:    []string{HeyboxPostSelector},
		TokenKey:       "x_xhh_tokenid",
		SecondaryKey:   "user_pkey",
		CookieDomain:   cookieDomain(base),
		Token:          cfg.Sources.Heybox.Token,
		SecondaryToken: cfg.Sources.Heybox.SecondaryToken,
		Categories:     []string{"游戏资讯", "游戏攻略", "玩家讨论", "硬件评测", "求助问答", "其他"},
		Framing: "你是一名小黑盒游戏社区观察员，熟悉游戏资讯、攻略和硬件话题。" +
			"请基于帖子内容给出简洁实用的分析。",
		BodyCap:    1000,
		PromptCap:  1000,
		PostLimit:  cfg.Sources.Heybox.PostLimit,
		IDPatterns: []*regexp.Regexp{extract.HeyboxIDPattern},
	}

	anchors, err := extract.NewAnchorStrategy(HeyboxPostSelector, base, p.PostLimit)
	if err != nil {
		return nil, eris.Wrap(err, "source: heybox anchor strategy")
	}
	p.strategies = append([]extract.Strategy{anchors}, extract.DefaultStrategies()...)
	p.rebuildAdapter()
	return p, nil
}

func (p *Profile) rebuildAdapter() {
	n := p.normalizer()
	switch p.Tag {
	case model.SourceLinuxDo:
		p.adapter = discourseAdapter(n)
	case model.SourceReddit:
		p.adapter = redditAdapter(n)
	default:
		p.adapter = n
	}
}

// cookieDomain turns https://www.example.cn into .example.cn.
func cookieDomain(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	parts := strings.Split(host, ".")
	if len(parts) > 2 {
		host = strings.Join(parts[len(parts)-2:], ".")
	}
	return "." + host
}
