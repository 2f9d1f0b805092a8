package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/stream"
	"github.com/m4xw311/tandem/tools"
)

const (
	providerAnthropic   = "anthropic"
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicLLMClient is a streaming client for the Anthropic Messages API.
type AnthropicLLMClient struct {
	opts Options
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient. Without an explicit
// key it requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(opts Options) (*AnthropicLLMClient, error) {
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if opts.APIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = anthropicBaseURL
	}
	return &AnthropicLLMClient{opts: opts}, nil
}

type chatResult struct {
	msg   *session.Message
	usage Usage
}

// Chat streams a response from the Anthropic API.
func (a *AnthropicLLMClient) Chat(ctx context.Context, messages []session.Message, defs []tools.Definition, onPartial PartialFunc) (*session.Message, Usage, error) {
	params := newAnthropicParams(a.opts, messages, defs)
	body, err := anthropicRequestBody(params, func(body []byte) ([]byte, error) {
		return sjson.SetBytes(body, "stream", true)
	})
	if err != nil {
		return nil, Usage{}, err
	}

	res, err := withRetry(ctx, a.opts, providerAnthropic, func(ctx context.Context) (chatResult, error) {
		req, err := newJSONRequest(ctx, strings.TrimSuffix(a.opts.BaseURL, "/")+"/v1/messages", body)
		if err != nil {
			return chatResult{}, err
		}
		req.Header.Set("x-api-key", a.opts.APIKey)
		req.Header.Set("anthropic-version", anthropicAPIVersion)
		req.Header.Set("Accept", "text/event-stream")

		s := newAnthropicStream(onPartial)
		err = doStream(a.opts, req, stream.NewTextFramer(stream.DelimLF), forEachEvent(func(ev stream.Event) error {
			return s.handle(ev.Data)
		}))
		msg := s.acc.finish()
		if err != nil {
			return chatResult{}, err
		}
		if !s.done {
			return chatResult{}, errors.Transient(ErrIncompleteStream)
		}
		s.usage.finalize()
		return chatResult{msg: msg, usage: s.usage}, nil
	})
	if err != nil {
		return nil, Usage{}, errors.Wrapf(err, "failed to stream message from Anthropic")
	}
	return res.msg, res.usage, nil
}

func newAnthropicParams(o Options, messages []session.Message, defs []tools.Definition) anthropic.MessageNewParams {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(o.Model),
		MaxTokens: o.maxTokens(),
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if o.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(o.ThinkingBudget)
	}
	anthropicTools := convertToolsToAnthropicTools(defs)
	params.Tools = make([]anthropic.ToolUnionParam, len(anthropicTools))
	for i := range anthropicTools {
		params.Tools[i] = anthropic.ToolUnionParam{OfTool: &anthropicTools[i]}
	}
	return params
}

// anthropicRequestBody serializes params, lets the caller adjust the raw
// body, and adds the cache anchors.
func anthropicRequestBody(params anthropic.MessageNewParams, adjust func([]byte) ([]byte, error)) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize Anthropic request")
	}
	if adjust != nil {
		if body, err = adjust(body); err != nil {
			return nil, errors.Wrapf(err, "failed to adjust Anthropic request")
		}
	}
	body, err = addCacheAnchors(body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to add cache anchors")
	}
	return body, nil
}

var ephemeral = map[string]string{"type": "ephemeral"}

// addCacheAnchors marks the system prompt and the last block of the last two
// user messages as prompt-cache breakpoints.
func addCacheAnchors(body []byte) ([]byte, error) {
	var err error
	if gjson.GetBytes(body, "system.0").Exists() {
		if body, err = sjson.SetBytes(body, "system.0.cache_control", ephemeral); err != nil {
			return nil, err
		}
	}
	messages := gjson.GetBytes(body, "messages").Array()
	anchors := 0
	for i := len(messages) - 1; i >= 0 && anchors < 2; i-- {
		if messages[i].Get("role").String() != "user" {
			continue
		}
		blocks := messages[i].Get("content").Array()
		if len(blocks) == 0 {
			continue
		}
		path := fmt.Sprintf("messages.%d.content.%d.cache_control", i, len(blocks)-1)
		if body, err = sjson.SetBytes(body, path, ephemeral); err != nil {
			return nil, err
		}
		anchors++
	}
	return body, nil
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
// The leading system message becomes the system prompt; later system messages
// are sent as user text.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for i, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if i == 0 {
				systemPrompt = msg.Text()
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text())))
		case session.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			for _, c := range msg.Content {
				switch c.Type {
				case session.ContentText:
					if c.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(c.Text))
					}
				case session.ContentImage:
					blocks = append(blocks, anthropic.NewImageBlockBase64(c.MimeType, c.Data))
				case session.ContentToolResult:
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolResult: &anthropic.ToolResultBlockParam{
							ToolUseID: c.ToolUseID,
							Content:   convertToolResultContent(c.Content),
							IsError:   anthropic.Bool(c.IsError),
						},
					})
				}
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(blocks...))
			}
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, c := range msg.Content {
				switch c.Type {
				case session.ContentThinking:
					// Thinking is only replayed to the vendor that signed it.
					meta := c.ProviderMetadata
					if meta == nil || meta.Provider != providerAnthropic {
						continue
					}
					if meta.EncryptedContent != "" {
						blocks = append(blocks, anthropic.NewRedactedThinkingBlock(meta.EncryptedContent))
					} else if meta.Signature != "" {
						blocks = append(blocks, anthropic.NewThinkingBlock(meta.Signature, c.Thinking))
					}
				case session.ContentText:
					if c.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(c.Text))
					}
				case session.ContentToolUse:
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    c.ToolUseID,
							Name:  c.ToolName,
							Input: toolInput(c),
						}})
				}
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		}
	}

	return anthropicMessages, systemPrompt
}

func convertToolResultContent(parts []session.Content) []anthropic.ToolResultBlockParamContentUnion {
	var out []anthropic.ToolResultBlockParamContentUnion
	for _, p := range parts {
		switch p.Type {
		case session.ContentText:
			out = append(out, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: p.Text},
			})
		case session.ContentImage:
			out = append(out, anthropic.ToolResultBlockParamContentUnion{
				OfImage: anthropic.NewImageBlockBase64(p.MimeType, p.Data).OfImage,
			})
		}
	}
	return out
}

// convertToolsToAnthropicTools converts tool definitions to Anthropic's tool format.
func convertToolsToAnthropicTools(defs []tools.Definition) []anthropic.ToolParam {
	if len(defs) == 0 {
		return nil
	}

	var anthropicTools []anthropic.ToolParam
	for _, d := range defs {
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schemaProperties(d.InputSchema),
				Required:   schemaRequired(d.InputSchema),
			},
		})
	}
	return anthropicTools
}

// anthropicStream folds Messages API stream events. It also serves the
// Anthropic-shaped payloads tunnelled through Bedrock.
type anthropicStream struct {
	acc   *accumulator
	usage Usage
	done  bool
}

func newAnthropicStream(onPartial PartialFunc) *anthropicStream {
	return &anthropicStream{acc: newAccumulator(providerAnthropic, onPartial)}
}

func (s *anthropicStream) handle(data []byte) error {
	ev := gjson.ParseBytes(data)
	switch ev.Get("type").String() {
	case "message_start":
		s.addUsage(ev.Get("message.usage"))
	case "content_block_start":
		block := ev.Get("content_block")
		switch block.Get("type").String() {
		case "text":
			s.acc.startBlock(session.ContentText)
			if text := block.Get("text").String(); text != "" {
				s.acc.text(text)
			}
		case "thinking":
			s.acc.startBlock(session.ContentThinking)
		case "redacted_thinking":
			s.acc.startBlock(session.ContentThinking)
			s.acc.thinkingMeta(func(m *session.ProviderMetadata) {
				m.EncryptedContent = block.Get("data").String()
			})
		case "tool_use", "server_tool_use":
			s.acc.beginToolUse(block.Get("id").String(), block.Get("name").String())
		}
	case "content_block_delta":
		delta := ev.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			s.acc.text(delta.Get("text").String())
		case "thinking_delta":
			s.acc.thinking(delta.Get("thinking").String())
		case "signature_delta":
			s.acc.thinkingMeta(func(m *session.ProviderMetadata) {
				m.Signature += delta.Get("signature").String()
			})
		case "input_json_delta":
			s.acc.toolArgs(delta.Get("partial_json").String())
		}
	case "content_block_stop":
		s.acc.endBlock()
	case "message_delta":
		s.addUsage(ev.Get("usage"))
	case "message_stop":
		s.done = true
	case "error":
		kind := ev.Get("error.type").String()
		err := errors.New("Anthropic stream error %s: %s", kind, ev.Get("error.message").String())
		if kind == "overloaded_error" || kind == "api_error" || kind == "rate_limit_error" {
			return errors.Transient(err)
		}
		return err
	}
	return nil
}

// addUsage merges a usage object. Counts are cumulative on the wire, so
// non-zero values replace earlier ones.
func (s *anthropicStream) addUsage(u gjson.Result) {
	if !u.Exists() {
		return
	}
	input := u.Get("input_tokens").Int()
	cacheRead := u.Get("cache_read_input_tokens").Int()
	cacheWrite := u.Get("cache_creation_input_tokens").Int()
	if input+cacheRead+cacheWrite > 0 {
		s.usage.InputTokens = input + cacheRead + cacheWrite
		s.usage.CacheReadTokens = cacheRead
		s.usage.CacheWriteTokens = cacheWrite
	}
	if out := u.Get("output_tokens").Int(); out > 0 {
		s.usage.OutputTokens = out
	}
	u.Get("cache_creation").ForEach(func(key, value gjson.Result) bool {
		if value.Int() > 0 {
			s.usage.addDetail("cache_creation", key.String(), 0)
			s.usage.Details["cache_creation"][key.String()] = value.Int()
		}
		return true
	})
}

func schemaProperties(schema map[string]any) any {
	if props, ok := schema["properties"]; ok {
		return props
	}
	return map[string]any{}
}

func schemaRequired(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// toolInput never returns nil: an argument-less call reloaded from disk has
// no input, and the API rejects a null one.
func toolInput(c session.Content) map[string]any {
	if c.Input == nil {
		return map[string]any{}
	}
	return c.Input
}
