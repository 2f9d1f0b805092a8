package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/stream"
	"github.com/m4xw311/tandem/tools"
)

const (
	providerGemini = "gemini"
	geminiBaseURL  = "https://generativelanguage.googleapis.com"
	// maxNoCandidateRetries bounds the synthetic "continue" turns appended
	// when a stream yields no candidate.
	maxNoCandidateRetries = 5
)

// GeminiLLMClient is a streaming client for the Gemini generate-content API.
type GeminiLLMClient struct {
	opts Options
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// Without an explicit key it requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(opts Options) (*GeminiLLMClient, error) {
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if opts.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = geminiBaseURL
	}
	return &GeminiLLMClient{opts: opts}, nil
}

type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// Chat streams a response from Gemini. When a stream ends without any
// candidate, a "continue" user turn is appended to a copy of the request and
// the call is repeated.
func (g *GeminiLLMClient) Chat(ctx context.Context, messages []session.Message, defs []tools.Definition, onPartial PartialFunc) (*session.Message, Usage, error) {
	contents, system := convertMessagesToGeminiContent(messages)
	req := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             convertToolsToGeminiTools(defs),
		GenerationConfig:  g.generationConfig(),
	}

	for attempt := 0; ; attempt++ {
		res, err := g.stream(ctx, req, onPartial)
		if err == nil {
			return res.msg, res.usage, nil
		}
		if !errors.Is(err, ErrNoCandidate) || attempt >= maxNoCandidateRetries {
			return nil, Usage{}, errors.Wrapf(err, "failed to stream content from Gemini")
		}
		g.opts.logger().Warn("no candidate in Gemini response, continuing", "model", g.opts.Model, "attempt", attempt+1)
		next := make([]*genai.Content, len(req.Contents), len(req.Contents)+1)
		copy(next, req.Contents)
		req.Contents = append(next, genai.NewContentFromText("continue", genai.RoleUser))
	}
}

func (g *GeminiLLMClient) generationConfig() *genai.GenerationConfig {
	cfg := &genai.GenerationConfig{MaxOutputTokens: int32(g.opts.maxTokens())}
	if g.opts.ThinkingBudget > 0 {
		budget := int32(g.opts.ThinkingBudget)
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	return cfg
}

func (g *GeminiLLMClient) stream(ctx context.Context, r geminiRequest, onPartial PartialFunc) (chatResult, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return chatResult{}, errors.Wrapf(err, "failed to serialize Gemini request")
	}
	endpoint := strings.TrimSuffix(g.opts.BaseURL, "/") + "/v1beta/models/" + url.PathEscape(g.opts.Model) + ":streamGenerateContent?alt=sse"

	return withRetry(ctx, g.opts, providerGemini, func(ctx context.Context) (chatResult, error) {
		req, err := newJSONRequest(ctx, endpoint, body)
		if err != nil {
			return chatResult{}, err
		}
		req.Header.Set("x-goog-api-key", g.opts.APIKey)

		s := &geminiStream{acc: newAccumulator(providerGemini, onPartial)}
		err = doStream(g.opts, req, stream.NewTextFramer(stream.DelimCRLF), forEachEvent(func(ev stream.Event) error {
			return s.handle(ev.Data)
		}))
		msg := s.acc.finish()
		if err != nil {
			return chatResult{}, err
		}
		if !s.sawCandidate {
			return chatResult{}, ErrNoCandidate
		}
		if !s.done {
			return chatResult{}, errors.Transient(ErrIncompleteStream)
		}
		s.usage.finalize()
		return chatResult{msg: msg, usage: s.usage}, nil
	})
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
func convertMessagesToGeminiContent(messages []session.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content
	for i, msg := range messages {
		var parts []*genai.Part
		role := string(genai.RoleUser)
		switch msg.Role {
		case session.RoleSystem:
			if i == 0 {
				system = genai.NewContentFromText(msg.Text(), genai.RoleUser)
				continue
			}
			parts = append(parts, genai.NewPartFromText(msg.Text()))
		case session.RoleUser:
			for _, c := range msg.Content {
				switch c.Type {
				case session.ContentText:
					parts = append(parts, genai.NewPartFromText(c.Text))
				case session.ContentImage:
					if p := inlineData(c); p != nil {
						parts = append(parts, p)
					}
				case session.ContentToolResult:
					key := "output"
					if c.IsError {
						key = "error"
					}
					parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
						Name:     c.ToolName,
						Response: map[string]any{key: c.ResultText()},
					}})
					for _, inner := range c.Content {
						if p := inlineData(inner); inner.Type == session.ContentImage && p != nil {
							parts = append(parts, p)
						}
					}
				}
			}
		case session.RoleAssistant:
			role = string(genai.RoleModel)
			for _, c := range msg.Content {
				var p *genai.Part
				switch c.Type {
				case session.ContentThinking:
					if c.Thinking == "" {
						continue
					}
					p = &genai.Part{Text: c.Thinking, Thought: true}
				case session.ContentText:
					if c.Text == "" {
						continue
					}
					p = genai.NewPartFromText(c.Text)
				case session.ContentToolUse:
					p = &genai.Part{FunctionCall: &genai.FunctionCall{Name: c.ToolName, Args: c.Input}}
				default:
					continue
				}
				p.ThoughtSignature = geminiSignature(c.ProviderMetadata)
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents, system
}

func inlineData(c session.Content) *genai.Part {
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil
	}
	return genai.NewPartFromBytes(data, c.MimeType)
}

func geminiSignature(meta *session.ProviderMetadata) []byte {
	if meta == nil || meta.Provider != providerGemini || meta.Signature == "" {
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(meta.Signature)
	if err != nil {
		return nil
	}
	return sig
}

// convertToolsToGeminiTools converts tool definitions to Gemini's function declarations.
func convertToolsToGeminiTools(defs []tools.Definition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 d.Name,
			Description:          d.Description,
			ParametersJsonSchema: d.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

type geminiStream struct {
	acc          *accumulator
	usage        Usage
	sawCandidate bool
	done         bool
}

func (s *geminiStream) handle(data []byte) error {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return errors.Wrapf(err, "failed to decode Gemini chunk")
	}
	if resp.UsageMetadata != nil {
		s.setUsage(resp.UsageMetadata)
	}
	if len(resp.Candidates) == 0 {
		return nil
	}
	s.sawCandidate = true
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			s.part(p)
		}
	}
	if cand.FinishReason != "" {
		s.done = true
	}
	return nil
}

func (s *geminiStream) part(p *genai.Part) {
	switch {
	case p.FunctionCall != nil:
		id := p.FunctionCall.ID
		if id == "" {
			id = uuid.NewString()
		}
		s.acc.addToolUse(id, p.FunctionCall.Name, p.FunctionCall.Args)
	case p.Thought:
		s.acc.thinking(p.Text)
		if len(p.ThoughtSignature) > 0 {
			s.acc.thinkingMeta(func(m *session.ProviderMetadata) {
				m.Signature = base64.StdEncoding.EncodeToString(p.ThoughtSignature)
			})
		}
		return
	case p.Text != "":
		s.acc.text(p.Text)
	default:
		return
	}
	if len(p.ThoughtSignature) > 0 {
		s.acc.last().ProviderMetadata = &session.ProviderMetadata{
			Provider:  providerGemini,
			Signature: base64.StdEncoding.EncodeToString(p.ThoughtSignature),
		}
	}
}

func (s *geminiStream) setUsage(u *genai.GenerateContentResponseUsageMetadata) {
	s.usage.InputTokens = int64(u.PromptTokenCount)
	s.usage.OutputTokens = int64(u.CandidatesTokenCount + u.ThoughtsTokenCount)
	s.usage.CacheReadTokens = int64(u.CachedContentTokenCount)
	s.usage.ReasoningTokens = int64(u.ThoughtsTokenCount)
	s.usage.TotalTokens = int64(u.TotalTokenCount)
	s.usage.Details = nil
	for _, d := range u.PromptTokensDetails {
		s.usage.addDetail("input", strings.ToLower(string(d.Modality)), int64(d.TokenCount))
	}
	for _, d := range u.CandidatesTokensDetails {
		s.usage.addDetail("output", strings.ToLower(string(d.Modality)), int64(d.TokenCount))
	}
}
