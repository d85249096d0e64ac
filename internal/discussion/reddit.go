package discussion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/fetcher"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/resilience"
)

const defaultRedditUserAgent = "community-pulse/1.0"

// Reddit reads a submission's comment tree from the comments JSON endpoint.
type Reddit struct {
	baseURL string
	page    PageFunc
}

// NewReddit creates a Reddit fetcher. baseURL is https://www.reddit.com for
// anonymous access or https://oauth.reddit.com with an OAuth page func.
func NewReddit(baseURL string, page PageFunc) *Reddit {
	return &Reddit{baseURL: strings.TrimRight(baseURL, "/"), page: page}
}

func (r *Reddit) Replies(ctx context.Context, rec model.Record, limit int) ([]model.Reply, error) {
	id := redditID(rec)
	if id == "" {
		return nil, eris.Errorf("discussion: no reddit id for record %s", rec.ID)
	}

	q := url.Values{}
	q.Set("sort", "top")
	q.Set("raw_json", "1")
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	body, err := r.page(ctx, fmt.Sprintf("%s/comments/%s.json?%s", r.baseURL, id, q.Encode()))
	if err != nil {
		return nil, eris.Wrapf(err, "discussion: fetch comments %s", id)
	}

	replies, err := ParseRedditComments(body, rec.ID)
	if err != nil {
		return nil, err
	}
	return capReplies(replies, limit), nil
}

func redditID(rec model.Record) string {
	if m := extract.RedditIDPattern.FindStringSubmatch(rec.URL); m != nil {
		return m[1]
	}
	return rec.ID
}

type listing struct {
	Data struct {
		Children []thing `json:"children"`
	} `json:"data"`
}

type thing struct {
	Kind string  `json:"kind"`
	Data comment `json:"data"`
}

type comment struct {
	ID         string          `json:"id"`
	Author     string          `json:"author"`
	Body       string          `json:"body"`
	Score      int             `json:"score"`
	CreatedUTC float64         `json:"created_utc"`
	ParentID   string          `json:"parent_id"`
	Depth      int             `json:"depth"`
	Replies    json.RawMessage `json:"replies"`
}

// ParseRedditComments flattens the comment tree of a comments response,
// depth first. Deleted and removed comments are dropped, as are "more"
// placeholders.
func ParseRedditComments(body []byte, recordID string) ([]model.Reply, error) {
	var listings []listing
	if err := json.Unmarshal(body, &listings); err != nil {
		return nil, eris.Wrap(err, "discussion: decode reddit comments")
	}
	if len(listings) < 2 {
		return nil, ErrNoThread
	}

	out := make([]model.Reply, 0)
	var walk func(children []thing) error
	walk = func(children []thing) error {
		for _, c := range children {
			if c.Kind != "t1" {
				continue
			}
			d := c.Data
			if keepComment(d) {
				out = append(out, toReply(d, recordID))
			}
			// replies is "" for leaves and a listing otherwise.
			raw := bytes.TrimSpace(d.Replies)
			if len(raw) == 0 || raw[0] != '{' {
				continue
			}
			var nested listing
			if err := json.Unmarshal(raw, &nested); err != nil {
				return eris.Wrapf(err, "discussion: decode replies of %s", d.ID)
			}
			if err := walk(nested.Data.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(listings[1].Data.Children); err != nil {
		return nil, err
	}
	return out, nil
}

func keepComment(c comment) bool {
	switch strings.TrimSpace(c.Body) {
	case "", "[deleted]", "[removed]":
		return false
	}
	return c.Author != "" && c.Author != "[deleted]"
}

func toReply(c comment, recordID string) model.Reply {
	r := model.Reply{
		RecordID: recordID,
		ID:       c.ID,
		Author:   c.Author,
		Body:     extract.NormalizeWhitespace(c.Body),
		Likes:    c.Score,
		Depth:    c.Depth,
	}
	// Top-level comments have the submission (t3_) as parent.
	if kind, id, ok := strings.Cut(c.ParentID, "_"); ok && kind == "t1" {
		r.ParentID = id
	}
	if c.CreatedUTC > 0 {
		t := time.Unix(int64(c.CreatedUTC), 0).UTC()
		r.PostedAt = &t
	}
	return r
}

// OAuthPage returns a PageFunc authenticated with Reddit app-only client
// credentials. Tokens are fetched lazily and refreshed on expiry.
func OAuthPage(ctx context.Context, cfg config.RedditOAuthConfig, userAgent string) PageFunc {
	if userAgent == "" {
		userAgent = defaultRedditUserAgent
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second})
	client := cc.Client(ctx)

	return func(ctx context.Context, rawURL string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "discussion: create request")
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "discussion: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			statusErr := &fetcher.StatusError{URL: rawURL, StatusCode: resp.StatusCode}
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		return body, eris.Wrap(err, "discussion: read body")
	}
}
