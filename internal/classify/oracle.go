package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/opsdesk-io/opsdesk/internal/provider"
	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

// Oracle evaluates an intake conversation and decides whether enough
// information has been gathered to classify the issue. It calls the
// underlying provider exactly once per Evaluate.
type Oracle struct {
	provider provider.Provider
	model    string
	logger   *slog.Logger
}

// OracleOption configures an Oracle.
type OracleOption func(*Oracle)

// WithModel overrides the provider's default model.
func WithModel(model string) OracleOption {
	return func(o *Oracle) { o.model = model }
}

// WithLogger sets the oracle's logger.
func WithLogger(logger *slog.Logger) OracleOption {
	return func(o *Oracle) { o.logger = logger }
}

// NewOracle creates an Oracle backed by the given provider.
func NewOracle(p provider.Provider, opts ...OracleOption) *Oracle {
	o := &Oracle{
		provider: p,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Evaluate sends the full transcript (plus optional team context) to the
// model and returns its structured verdict. Transport failures surface as
// errors; unparseable model output degrades to a need_more_info result —
// never to ready or create, because only need_more_info is free of side
// effects.
func (o *Oracle) Evaluate(ctx context.Context, transcript []protocol.ChatMessage, teamContext string) (*Result, error) {
	var sb strings.Builder
	if teamContext != "" {
		fmt.Fprintf(&sb, "User's team: %s\n\n", teamContext)
	}
	sb.WriteString("Conversation so far:\n")
	for _, m := range transcript {
		fmt.Fprintf(&sb, "\n%s: %s\n", strings.ToUpper(m.Role), m.Content)
	}

	resp, err := o.provider.Chat(ctx, protocol.ChatRequest{
		Model: o.model,
		Messages: []protocol.ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: evaluate: %w", err)
	}
	o.logger.Debug("oracle round trip",
		"prompt_tokens", resp.Usage.PromptTokens,
		"total_tokens", resp.Usage.TotalTokens(),
	)

	result := parseResult(resp.Content)
	if result.Status == StatusNeedMoreInfo && result.Question == fallbackQuestion {
		o.logger.Warn("oracle output not parseable, falling back to clarification",
			"raw_len", len(resp.Content))
	}
	return result, nil
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseResult extracts a Result from raw model output. The model is told
// to emit bare JSON but in practice wraps it in markdown fences or an
// "output" envelope; both are tolerated. Anything that does not strictly
// decode into a valid result becomes a need_more_info fallback.
func parseResult(raw string) *Result {
	jsonStr := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(jsonStr); m != nil {
		jsonStr = m[1]
	}

	var r Result
	if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
		return fallbackResult()
	}

	// Tolerate a nesting wrapper object around the real result.
	if r.Status == "" {
		var wrapper struct {
			Output *Result `json:"output"`
		}
		if err := json.Unmarshal([]byte(jsonStr), &wrapper); err != nil || wrapper.Output == nil {
			return fallbackResult()
		}
		r = *wrapper.Output
	}

	switch r.Status {
	case StatusNeedMoreInfo:
		if r.Question == "" {
			r.Question = fallbackQuestion
		}
		r.Classification = nil
	case StatusReady:
		// A ready verdict without a classification is malformed; never
		// invent one from partial data.
		if r.Classification == nil {
			return fallbackResult()
		}
	case StatusCreate:
		// Classification is optional here: the approval turn usually
		// relies on the pending classification stored on the session.
	default:
		return fallbackResult()
	}
	return &r
}

func fallbackResult() *Result {
	return &Result{Status: StatusNeedMoreInfo, Question: fallbackQuestion}
}
