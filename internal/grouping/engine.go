// Package grouping clusters analyzed feedback items into themes with a single
// LLM call and dedups the result against groups already persisted. Grouping is
// best-effort: when the model stays unparseable the run continues with zero
// groups rather than failing.
package grouping

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/resilience"
	"github.com/grumble-app/feedback-sync/pkg/anthropic"
)

const (
	defaultWindow      = 50
	defaultCallTimeout = 30 * time.Second
	defaultMaxTokens   = 4096
	maxSummaryLen      = 100
)

const groupingPrompt = `Analyze these feedback items and group them by theme.

Items:
%s

Create groups where each group has:
- theme: A descriptive title for the group
- sentiment: Overall sentiment (positive/neutral/negative)
- category: Main category
- itemIds: Array of IDs that belong to this group

Return JSON:
` + "```json" + `
[
  {"theme": "...", "sentiment": "...", "category": "...", "itemIds": ["...", "..."]}
]
` + "```"

// Options configures the engine. Zero values fall back to defaults.
type Options struct {
	Model       string
	Window      int
	CallTimeout time.Duration
	MaxTokens   int64
	Retry       resilience.Policy
}

// Engine derives theme groups from analyzed items.
type Engine struct {
	client      anthropic.Client
	model       string
	window      int
	callTimeout time.Duration
	maxTokens   int64
	retry       resilience.Policy
}

// NewEngine creates a grouping engine.
func NewEngine(client anthropic.Client, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Engine{
		client:      client,
		model:       opts.Model,
		window:      opts.Window,
		callTimeout: opts.CallTimeout,
		maxTokens:   opts.MaxTokens,
		retry:       opts.Retry,
	}
}

// GroupID derives the stable identifier for a theme. The theme is lower-cased
// first so casing variants of the same theme converge to one group.
func GroupID(theme string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(theme)))
	return "group-" + hex.EncodeToString(sum[:])[:12]
}

// CreateGroups clusters at most the first window items into theme groups.
// Any failure after retries returns an empty slice, never an error.
func (e *Engine) CreateGroups(ctx context.Context, items []model.FeedbackItem) []model.Group {
	if len(items) == 0 {
		return nil
	}
	if len(items) > e.window {
		items = items[:e.window]
	}

	groups, err := e.groupItems(ctx, items)
	if err != nil {
		zap.L().Error("grouping: creating groups failed", zap.Error(err))
		return nil
	}
	return groups
}

type rawGroup struct {
	Theme     string   `json:"theme"`
	Sentiment string   `json:"sentiment"`
	Category  string   `json:"category"`
	ItemIDs   []string `json:"itemIds"`
}

func (e *Engine) groupItems(ctx context.Context, items []model.FeedbackItem) ([]model.Group, error) {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "ID: %s, Sentiment: %s, Category: %s, Summary: %s",
			item.ID, orDefault(string(item.Sentiment), "neutral"),
			orDefault(string(item.Category), "other"),
			truncate(item.Summary, maxSummaryLen),
		)
	}
	prompt := fmt.Sprintf(groupingPrompt, b.String())

	policy := e.retry
	policy.OnRetry = resilience.LogRetries("anthropic", "group")
	raw, err := resilience.DoVal(ctx, policy, func(ctx context.Context) ([]rawGroup, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()

		resp, err := e.client.CreateMessage(callCtx, anthropic.MessageRequest{
			Model:     e.model,
			MaxTokens: e.maxTokens,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return nil, err
		}

		var groups []rawGroup
		if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &groups); err != nil {
			return nil, resilience.NewTransientError(
				eris.Wrap(err, "grouping: parse response"), 0)
		}
		return groups, nil
	})
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(items))
	for _, item := range items {
		known[item.ID] = struct{}{}
	}

	groups := make([]model.Group, 0, len(raw))
	for _, g := range raw {
		if g.Theme == "" {
			continue
		}
		ids := make([]string, 0, len(g.ItemIDs))
		for _, id := range g.ItemIDs {
			// The model occasionally invents ids; keep only real ones.
			if _, ok := known[id]; ok {
				ids = append(ids, id)
			}
		}
		groups = append(groups, model.Group{
			ID:        GroupID(g.Theme),
			Theme:     g.Theme,
			Sentiment: validSentiment(g.Sentiment),
			Category:  validCategory(g.Category),
			ItemIDs:   ids,
			ItemCount: len(ids),
		})
	}
	return groups, nil
}

// Deduplicate drops new groups whose theme already exists, case-insensitively,
// either among the persisted groups or earlier in the same run.
func Deduplicate(newGroups, existing []model.Group) []model.Group {
	if len(newGroups) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(existing))
	for _, g := range existing {
		seen[strings.ToLower(g.Theme)] = struct{}{}
	}

	unique := make([]model.Group, 0, len(newGroups))
	for _, g := range newGroups {
		key := strings.ToLower(g.Theme)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, g)
	}

	zap.L().Info("grouping: dedup",
		zap.Int("new", len(newGroups)),
		zap.Int("unique", len(unique)),
	)
	return unique
}

func validSentiment(s string) model.Sentiment {
	switch model.Sentiment(strings.ToLower(s)) {
	case model.SentimentPositive, model.SentimentNeutral, model.SentimentNegative:
		return model.Sentiment(strings.ToLower(s))
	default:
		return model.SentimentNeutral
	}
}

func validCategory(c string) model.Category {
	switch model.Category(strings.ToLower(c)) {
	case model.CategoryBug, model.CategoryFeatureRequest, model.CategoryQuestion,
		model.CategoryPraise, model.CategoryComplaint, model.CategoryOther:
		return model.Category(strings.ToLower(c))
	default:
		return model.CategoryOther
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a UTF-8 sequence.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
