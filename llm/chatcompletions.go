package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/stream"
	"github.com/m4xw311/tandem/tools"
)

const providerChat = "openai-chat"

// ChatCompletionsLLMClient talks to any OpenAI-compatible chat completions
// endpoint (local model servers, gateways).
type ChatCompletionsLLMClient struct {
	opts Options
}

// NewChatCompletionsLLMClient creates a new ChatCompletionsLLMClient. A base
// URL is required; the key may be empty for servers without auth.
func NewChatCompletionsLLMClient(opts Options) (*ChatCompletionsLLMClient, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("base_url is required for OpenAI-compatible providers")
	}
	return &ChatCompletionsLLMClient{opts: opts}, nil
}

// Chat streams a chat completion.
func (c *ChatCompletionsLLMClient) Chat(ctx context.Context, messages []session.Message, defs []tools.Definition, onPartial PartialFunc) (*session.Message, Usage, error) {
	body, err := chatCompletionsBody(c.opts, messages, defs, true)
	if err != nil {
		return nil, Usage{}, err
	}

	res, err := withRetry(ctx, c.opts, providerChat, func(ctx context.Context) (chatResult, error) {
		req, err := newJSONRequest(ctx, strings.TrimSuffix(c.opts.BaseURL, "/")+"/chat/completions", body)
		if err != nil {
			return chatResult{}, err
		}
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}
		req.Header.Set("Accept", "text/event-stream")

		s := newChatStream(providerChat, onPartial)
		err = doStream(c.opts, req, stream.NewTextFramer(stream.DelimLF), forEachEvent(func(ev stream.Event) error {
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
		return nil, Usage{}, errors.Wrapf(err, "failed to stream chat completion")
	}
	return res.msg, res.usage, nil
}

// chatCompletionsBody builds the request body. Streaming endpoints get the
// stream flags; Bedrock streams by URL and rejects them.
func chatCompletionsBody(o Options, messages []session.Message, defs []tools.Definition, streamFlags bool) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.Model),
		Messages:            convertMessagesToOpenaiContent(messages),
		Tools:               convertToolsToOpenAITools(defs),
		MaxCompletionTokens: openai.Int(o.maxTokens()),
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize chat completion request")
	}
	if o.ReasoningEffort != "" {
		if body, err = sjson.SetBytes(body, "reasoning_effort", o.ReasoningEffort); err != nil {
			return nil, errors.Wrapf(err, "failed to set reasoning effort")
		}
	}
	if streamFlags {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, errors.Wrapf(err, "failed to set stream flag")
		}
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			return nil, errors.Wrapf(err, "failed to set stream options")
		}
	}
	return body, nil
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
// Thinking is not replayed; chat completions has no field for it.
func convertMessagesToOpenaiContent(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for i, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if i == 0 {
				chatMessages = append(chatMessages, openai.SystemMessage(msg.Text()))
			} else {
				chatMessages = append(chatMessages, openai.UserMessage(msg.Text()))
			}
		case session.RoleAssistant:
			var assistantMessage openai.ChatCompletionAssistantMessageParam
			if text := msg.Text(); text != "" {
				assistantMessage.Content.OfString = openai.String(text)
			}
			for _, tu := range msg.ToolUses() {
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tu.ToolUseID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tu.ToolName,
							Arguments: toolArguments(tu),
						},
					},
				})
			}
			chatMessages = append(chatMessages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMessage})
		case session.RoleUser:
			var parts, images []openai.ChatCompletionContentPartUnionParam
			for _, c := range msg.Content {
				switch c.Type {
				case session.ContentToolResult:
					chatMessages = append(chatMessages, openai.ToolMessage(c.ResultText(), c.ToolUseID))
					for _, inner := range c.Content {
						if inner.Type == session.ContentImage {
							images = append(images, imagePart(inner))
						}
					}
				case session.ContentText:
					parts = append(parts, openai.TextContentPart(c.Text))
				case session.ContentImage:
					parts = append(parts, imagePart(c))
				}
			}
			if len(images) > 0 {
				chatMessages = append(chatMessages, openai.UserMessage(images))
			}
			if len(parts) > 0 {
				chatMessages = append(chatMessages, openai.UserMessage(parts))
			}
		}
	}
	return chatMessages
}

func imagePart(c session.Content) openai.ChatCompletionContentPartUnionParam {
	return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
		URL: "data:" + c.MimeType + ";base64," + c.Data,
	})
}

// convertToolsToOpenAITools converts tool definitions to the OpenAI function tool format.
func convertToolsToOpenAITools(defs []tools.Definition) []openai.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, d := range defs {
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  openai.FunctionParameters(d.InputSchema),
		}))
	}
	return openAITools
}

// chatStream folds chat-completion chunks. Chunks carry no block stops, so
// tool calls are closed when the next one (or other content) begins.
type chatStream struct {
	acc       *accumulator
	usage     Usage
	done      bool
	toolIndex int64
	toolID    string
}

func newChatStream(provider string, onPartial PartialFunc) *chatStream {
	return &chatStream{acc: newAccumulator(provider, onPartial), toolIndex: -1}
}

func (s *chatStream) handle(data []byte) error {
	if string(bytes.TrimSpace(data)) == "[DONE]" {
		s.done = true
		return nil
	}
	ev := gjson.ParseBytes(data)
	if e := ev.Get("error"); e.Exists() {
		return errors.Transient(errors.New("chat completion stream error: %s", e.Get("message").String()))
	}
	if u := ev.Get("usage"); u.IsObject() {
		s.usage.InputTokens = u.Get("prompt_tokens").Int()
		s.usage.OutputTokens = u.Get("completion_tokens").Int()
		s.usage.TotalTokens = u.Get("total_tokens").Int()
		s.usage.CacheReadTokens = u.Get("prompt_tokens_details.cached_tokens").Int()
		s.usage.ReasoningTokens = u.Get("completion_tokens_details.reasoning_tokens").Int()
		s.usage.Details = nil
		addUsageDetails(&s.usage, "input", u.Get("prompt_tokens_details"))
		addUsageDetails(&s.usage, "output", u.Get("completion_tokens_details"))
	}

	choice := ev.Get("choices.0")
	if !choice.Exists() {
		return nil
	}
	delta := choice.Get("delta")
	for _, key := range []string{"reasoning_content", "reasoning"} {
		if r := delta.Get(key).String(); r != "" {
			s.toolIndex = -1
			s.acc.thinking(r)
		}
	}
	if text := delta.Get("content").String(); text != "" {
		s.toolIndex = -1
		s.acc.text(text)
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		// Some servers repeat the id on every chunk of the same call.
		idx := tc.Get("index").Int()
		id := tc.Get("id").String()
		if idx != s.toolIndex || (id != "" && id != s.toolID) {
			s.acc.beginToolUse(id, tc.Get("function.name").String())
			s.toolIndex = idx
			s.toolID = id
		}
		s.acc.toolArgs(tc.Get("function.arguments").String())
		return true
	})
	if choice.Get("finish_reason").String() != "" {
		s.acc.endBlock()
		s.done = true
	}
	return nil
}
