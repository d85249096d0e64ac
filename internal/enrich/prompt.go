package enrich

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/source"
)

const (
	// ReplyCap bounds each reply quoted in a prompt, in runes.
	ReplyCap = 150

	defaultPromptCap = 1000

	noDiscussionNote = "（评论区未抓取：不要推测或编造评论内容。）"
	noRepliesNote    = "（暂无回复）"
)

const responseFormat = `请严格输出以下结构的 JSON 对象，不要包含额外文字：
{
  "summary": "一句话概括核心内容",
  "key_points": ["要点1", "要点2"],
  "category": "从 [%s] 中选择一个",
  "value_tier": "从 [high, medium, low] 中选择一个",
  "long_form": "可选：一段深入解读"
}
key_points 最多 5 条。`

// BuildPrompt renders the annotation prompt for rec. A nil replies slice
// means the discussion was never fetched; a non-nil empty slice means it was
// fetched and has no replies.
func BuildPrompt(p *source.Profile, rec model.Record, replies []model.Reply, maxReplies int) Prompt {
	categories := append([]string{}, p.Categories...)
	if !slices.Contains(categories, model.CategoryUnclassified) {
		categories = append(categories, model.CategoryUnclassified)
	}

	system := p.Framing + "\n\n" + fmt.Sprintf(responseFormat, strings.Join(categories, ", "))

	bodyCap := p.PromptCap
	if bodyCap <= 0 {
		bodyCap = defaultPromptCap
	}
	body := extract.Truncate(rec.Body, bodyCap)
	if strings.TrimSpace(body) == "" {
		body = extract.Truncate(rec.Title, 100)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**标题**: %s\n", rec.Title)
	if rec.Channel != "" {
		fmt.Fprintf(&b, "**版块**: %s\n", rec.Channel)
	}
	if stats := engagementLine(rec.Engagement); stats != "" {
		fmt.Fprintf(&b, "**热度**: %s\n", stats)
	}
	fmt.Fprintf(&b, "**内容**: %s\n", body)

	if p.SupportsDiscussion {
		b.WriteString("\n**热门回复**:\n")
		switch {
		case replies == nil:
			b.WriteString(noDiscussionNote + "\n")
		case len(replies) == 0:
			b.WriteString(noRepliesNote + "\n")
		default:
			for i, r := range model.TopReplies(replies, maxReplies) {
				fmt.Fprintf(&b, "%d. [%d赞] %s\n", i+1, r.Likes, extract.Truncate(extract.CleanText(r.Body), ReplyCap))
			}
		}
	}

	return Prompt{System: system, User: b.String()}
}

func engagementLine(e model.Engagement) string {
	var parts []string
	add := func(label string, n int) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", label, n))
		}
	}
	add("回复", e.Replies)
	add("参与者", e.Participants)
	add("分数", e.Score)
	add("点赞", e.Likes)
	add("评论", e.Comments)
	return strings.Join(parts, " · ")
}
