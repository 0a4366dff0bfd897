// Package enrich runs LLM sentiment analysis and summary translation over
// fetched feedback items. Batches fail open: a batch whose calls or parses
// exhaust their retries falls back to neutral defaults so the pipeline never
// loses items to a flaky model.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/grumble-app/feedback-sync/internal/model"
	"github.com/grumble-app/feedback-sync/internal/resilience"
	"github.com/grumble-app/feedback-sync/pkg/anthropic"
)

const (
	defaultBatchSize   = 10
	defaultCallTimeout = 30 * time.Second
	defaultMaxTokens   = 4096

	// A feedback item can be arbitrarily long (issue bodies, forum posts);
	// only this prefix goes into the prompt.
	maxContentLen = 500
)

const analysisPrompt = `Analyze the sentiment and category of each feedback item below.

For each item, provide:
- sentiment: "positive", "neutral", or "negative"
- category: "bug", "feature_request", "question", "praise", "complaint", or "other"
- summary: A brief 1-sentence summary in English

Return a JSON array with one object per item:

` + "```json" + `
[
  {"sentiment": "...", "category": "...", "summary": "..."},
  ...
]
` + "```" + `

Items to analyze:

%s`

const translationPrompt = `Translate the following summaries to %s.

Summaries:
%s

Return a JSON array where each item maps language code to translated text:
` + "```json" + `
[
  {%s},
  ...
]
` + "```"

// Options configures the analyzer. Zero values fall back to defaults.
type Options struct {
	Model       string
	BatchSize   int
	Languages   []string
	CallTimeout time.Duration
	MaxTokens   int64
	Retry       resilience.Policy

	// RequestsPerSecond throttles CreateMessage calls; <= 0 disables the
	// limiter.
	RequestsPerSecond float64
}

// Analyzer enriches feedback items through the Anthropic API.
type Analyzer struct {
	client      anthropic.Client
	model       string
	batchSize   int
	languages   []string
	callTimeout time.Duration
	maxTokens   int64
	retry       resilience.Policy
	limiter     *rate.Limiter
}

// NewAnalyzer creates an analyzer. Configured languages that do not parse as
// BCP 47 tags are dropped with a warning.
func NewAnalyzer(client anthropic.Client, opts Options) *Analyzer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Analyzer{
		client:      client,
		model:       opts.Model,
		batchSize:   opts.BatchSize,
		languages:   validLanguages(opts.Languages),
		callTimeout: opts.CallTimeout,
		maxTokens:   opts.MaxTokens,
		retry:       opts.Retry,
		limiter:     limiter,
	}
}

func validLanguages(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if _, err := language.Parse(code); err != nil {
			zap.L().Warn("enrich: dropping invalid language code", zap.String("code", code))
			continue
		}
		out = append(out, code)
	}
	return out
}

// Analyze assigns sentiment, category, and an English summary to every item,
// batch by batch. Every returned item has Analyzed set, with neutral/other
// defaults when its batch failed.
func (a *Analyzer) Analyze(ctx context.Context, items []model.FeedbackItem) []model.FeedbackItem {
	out := make([]model.FeedbackItem, 0, len(items))

	for start := 0; start < len(items); start += a.batchSize {
		end := min(start+a.batchSize, len(items))
		batch := items[start:end]

		results, err := a.analyzeBatch(ctx, batch)
		if err != nil {
			zap.L().Error("enrich: analysis batch failed, applying defaults",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			for _, item := range batch {
				item.Sentiment = model.SentimentNeutral
				item.Category = model.CategoryOther
				item.Analyzed = true
				out = append(out, item)
			}
			continue
		}

		for i, item := range batch {
			item.Sentiment = validSentiment(results[i].Sentiment)
			item.Category = validCategory(results[i].Category)
			item.Summary = results[i].Summary
			item.Analyzed = true
			out = append(out, item)
		}
		zap.L().Info("enrich: analyzed batch",
			zap.Int("batch", start/a.batchSize+1),
			zap.Int("items", len(batch)),
		)
	}

	return out
}

type analysisResult struct {
	Sentiment string `json:"sentiment"`
	Category  string `json:"category"`
	Summary   string `json:"summary"`
}

func (a *Analyzer) analyzeBatch(ctx context.Context, batch []model.FeedbackItem) ([]analysisResult, error) {
	var b strings.Builder
	for i, item := range batch {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Item %d:\n%s", i+1, truncate(item.Content, maxContentLen))
	}
	prompt := fmt.Sprintf(analysisPrompt, b.String())

	policy := a.retry
	policy.OnRetry = resilience.LogRetries("anthropic", "analyze")
	return resilience.DoVal(ctx, policy, func(ctx context.Context) ([]analysisResult, error) {
		text, err := a.complete(ctx, prompt)
		if err != nil {
			return nil, err
		}

		var results []analysisResult
		if err := json.Unmarshal([]byte(cleanJSON(text)), &results); err != nil {
			// Malformed output is usually a one-off; retry the call.
			return nil, resilience.NewTransientError(
				eris.Wrap(err, "enrich: parse analysis response"), 0)
		}
		if len(results) != len(batch) {
			return nil, resilience.NewTransientError(
				eris.Errorf("enrich: got %d results for %d items", len(results), len(batch)), 0)
		}
		return results, nil
	})
}

// Translate fills each item's Translations map with its summary rendered in
// every configured language. A failed batch keeps empty translations; the
// items themselves are never dropped.
func (a *Analyzer) Translate(ctx context.Context, items []model.FeedbackItem) []model.FeedbackItem {
	if len(a.languages) == 0 {
		return items
	}

	out := make([]model.FeedbackItem, 0, len(items))
	for start := 0; start < len(items); start += a.batchSize {
		end := min(start+a.batchSize, len(items))
		batch := items[start:end]

		translations, err := a.translateBatch(ctx, batch)
		if err != nil {
			zap.L().Error("enrich: translation batch failed",
				zap.Int("batch_start", start),
				zap.Error(err),
			)
			out = append(out, batch...)
			continue
		}

		for i, item := range batch {
			item.Translations = translations[i]
			out = append(out, item)
		}
		zap.L().Info("enrich: translated batch",
			zap.Int("batch", start/a.batchSize+1),
			zap.Int("items", len(batch)),
		)
	}
	return out
}

func (a *Analyzer) translateBatch(ctx context.Context, batch []model.FeedbackItem) ([]map[string]string, error) {
	var b strings.Builder
	for i, item := range batch {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item.Summary)
	}

	example := make([]string, len(a.languages))
	for i, lang := range a.languages {
		example[i] = fmt.Sprintf("%q: \"...\"", lang)
	}
	prompt := fmt.Sprintf(translationPrompt,
		strings.Join(a.languages, ", "),
		b.String(),
		strings.Join(example, ", "),
	)

	policy := a.retry
	policy.OnRetry = resilience.LogRetries("anthropic", "translate")
	return resilience.DoVal(ctx, policy, func(ctx context.Context) ([]map[string]string, error) {
		text, err := a.complete(ctx, prompt)
		if err != nil {
			return nil, err
		}

		var translations []map[string]string
		if err := json.Unmarshal([]byte(cleanJSON(text)), &translations); err != nil {
			return nil, resilience.NewTransientError(
				eris.Wrap(err, "enrich: parse translation response"), 0)
		}
		if len(translations) != len(batch) {
			return nil, resilience.NewTransientError(
				eris.Errorf("enrich: got %d translations for %d items", len(translations), len(batch)), 0)
		}
		return translations, nil
	})
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "enrich: rate limiter")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	resp, err := a.client.CreateMessage(callCtx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
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

// cleanJSON strips markdown code fences and surrounding prose so the payload
// can be unmarshaled directly.
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
