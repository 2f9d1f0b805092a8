package llm

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/tools"
)

// LevelTrace is used for raw wire frames.
const LevelTrace = slog.LevelDebug - 4

// LLMClient is the interface for interacting with a Large Language Model.
// Chat streams one assistant response for the given history, reporting
// partial content through onPartial as it arrives. Transient failures are
// retried inside Chat.
type LLMClient interface {
	Chat(ctx context.Context, messages []session.Message, defs []tools.Definition, onPartial PartialFunc) (*session.Message, Usage, error)
}

type Position string

const (
	PositionStart Position = "start"
	PositionDelta Position = "delta"
	PositionStop  Position = "stop"
)

// PartialContent is a live-rendering fragment of a response in progress. It
// is never stored in the history.
type PartialContent struct {
	Type     session.ContentType `json:"type"`
	Position Position            `json:"position"`
	Content  string              `json:"content,omitempty"`
}

type PartialFunc func(PartialContent)

// Usage is the vendor-neutral token accounting of one call. Details keeps
// per-category breakdowns (for example input tokens by modality).
type Usage struct {
	InputTokens      int64                       `json:"inputTokens"`
	OutputTokens     int64                       `json:"outputTokens"`
	CacheReadTokens  int64                       `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64                       `json:"cacheWriteTokens,omitempty"`
	ReasoningTokens  int64                       `json:"reasoningTokens,omitempty"`
	TotalTokens      int64                       `json:"totalTokens"`
	Details          map[string]map[string]int64 `json:"details,omitempty"`
}

func (u *Usage) addDetail(category, name string, n int64) {
	if u.Details == nil {
		u.Details = map[string]map[string]int64{}
	}
	if u.Details[category] == nil {
		u.Details[category] = map[string]int64{}
	}
	u.Details[category][name] += n
}

// addUsageDetails copies the non-zero counters of a vendor's details object
// into category.
func addUsageDetails(u *Usage, category string, details gjson.Result) {
	details.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number && value.Int() > 0 {
			u.addDetail(category, key.String(), value.Int())
		}
		return true
	})
}

func (u *Usage) finalize() {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
}

// Options carries the settings shared by every vendor client.
type Options struct {
	Model           string
	APIKey          string
	BaseURL         string
	Region          string
	MaxTokens       int64
	ThinkingBudget  int64
	ReasoningEffort string
	// MaxRetries caps retry attempts; zero retries forever.
	MaxRetries int

	HTTPClient *http.Client
	Logger     *slog.Logger
	// NewBackOff overrides the retry schedule.
	NewBackOff func() backoff.BackOff
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) maxTokens() int64 {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return 8192
}

// Registry maps model names to the client that serves them. It is built
// once at startup and not modified afterwards.
type Registry struct {
	clients map[string]LLMClient
}

// NewRegistry creates a registry from a model-to-client table.
func NewRegistry(clients map[string]LLMClient) *Registry {
	r := &Registry{clients: make(map[string]LLMClient, len(clients))}
	for model, c := range clients {
		r.clients[model] = c
	}
	return r
}

// Client returns the client serving model.
func (r *Registry) Client(model string) (LLMClient, error) {
	c, ok := r.clients[model]
	if !ok {
		return nil, errors.New("no provider configured for model %q (available: %v)", model, r.Models())
	}
	return c, nil
}

// Models lists the registered model names in sorted order.
func (r *Registry) Models() []string {
	models := make([]string, 0, len(r.clients))
	for m := range r.clients {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
