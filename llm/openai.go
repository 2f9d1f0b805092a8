package llm

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/responses"
	"github.com/openai/openai-go/v2/shared"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/stream"
	"github.com/m4xw311/tandem/tools"
)

const (
	providerOpenAI = "openai"
	openAIBaseURL  = "https://api.openai.com/v1"
)

// OpenAILLMClient is a streaming client for the OpenAI Responses API.
type OpenAILLMClient struct {
	opts Options
}

// NewOpenAILLMClient creates a new OpenAILLMClient. Without explicit options
// it reads OPENAI_API_KEY and OPENAI_BASE_URL from the environment.
func NewOpenAILLMClient(opts Options) (*OpenAILLMClient, error) {
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if opts.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = openAIBaseURL
	}
	return &OpenAILLMClient{opts: opts}, nil
}

// Chat streams a response from the Responses API. Requests are stateless
// (store is false) so reasoning is replayed from the history.
func (o *OpenAILLMClient) Chat(ctx context.Context, messages []session.Message, defs []tools.Definition, onPartial PartialFunc) (*session.Message, Usage, error) {
	body, err := responsesBody(o.opts, messages, defs)
	if err != nil {
		return nil, Usage{}, err
	}

	res, err := withRetry(ctx, o.opts, providerOpenAI, func(ctx context.Context) (chatResult, error) {
		req, err := newJSONRequest(ctx, strings.TrimSuffix(o.opts.BaseURL, "/")+"/responses", body)
		if err != nil {
			return chatResult{}, err
		}
		req.Header.Set("Authorization", "Bearer "+o.opts.APIKey)
		req.Header.Set("Accept", "text/event-stream")

		s := &responsesStream{acc: newAccumulator(providerOpenAI, onPartial)}
		err = doStream(o.opts, req, stream.NewTextFramer(stream.DelimLF), forEachEvent(func(ev stream.Event) error {
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
		return nil, Usage{}, errors.Wrapf(err, "failed to stream response from OpenAI")
	}
	return res.msg, res.usage, nil
}

// responsesBody builds the request with the SDK's typed params. The SDK sets
// the stream flag per call, so it is patched in here.
func responsesBody(o Options, messages []session.Message, defs []tools.Definition) ([]byte, error) {
	items, instructions := convertMessagesToResponsesInput(messages)
	params := responses.ResponseNewParams{
		Model:           o.Model,
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: items},
		Store:           openai.Bool(false),
		MaxOutputTokens: openai.Int(o.maxTokens()),
		Include:         []responses.ResponseIncludable{responses.ResponseIncludableReasoningEncryptedContent},
		Tools:           convertToolsToResponsesTools(defs),
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if o.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{
			Effort:  shared.ReasoningEffort(o.ReasoningEffort),
			Summary: shared.ReasoningSummaryAuto,
		}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize OpenAI request")
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, errors.Wrapf(err, "failed to set stream flag")
	}
	return body, nil
}

func convertToolsToResponsesTools(defs []tools.Definition) []responses.ToolUnionParam {
	var out []responses.ToolUnionParam
	for _, d := range defs {
		out = append(out, responses.ToolUnionParam{OfFunction: &responses.FunctionToolParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  d.InputSchema,
			Strict:      openai.Bool(false),
		}})
	}
	return out
}

// convertMessagesToResponsesInput converts the history into Responses input
// items. Tool results become function_call_output items; images they carry
// follow in a separate user item since outputs are text only.
func convertMessagesToResponsesInput(messages []session.Message) (responses.ResponseInputParam, string) {
	var items responses.ResponseInputParam
	var instructions string

	userItem := func(parts responses.ResponseInputMessageContentListParam) {
		if len(parts) > 0 {
			items = append(items, responses.ResponseInputItemUnionParam{OfMessage: &responses.EasyInputMessageParam{
				Role:    responses.EasyInputMessageRoleUser,
				Content: responses.EasyInputMessageContentUnionParam{OfInputItemContentList: parts},
				Type:    responses.EasyInputMessageTypeMessage,
			}})
		}
	}

	for i, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if i == 0 {
				instructions = msg.Text()
				continue
			}
			userItem(responses.ResponseInputMessageContentListParam{inputText(msg.Text())})
		case session.RoleUser:
			var parts, images responses.ResponseInputMessageContentListParam
			for _, c := range msg.Content {
				switch c.Type {
				case session.ContentText:
					parts = append(parts, inputText(c.Text))
				case session.ContentImage:
					parts = append(parts, inputImage(c))
				case session.ContentToolResult:
					items = append(items, responses.ResponseInputItemUnionParam{OfFunctionCallOutput: &responses.ResponseInputItemFunctionCallOutputParam{
						CallID: c.ToolUseID,
						Output: c.ResultText(),
					}})
					for _, inner := range c.Content {
						if inner.Type == session.ContentImage {
							images = append(images, inputImage(inner))
						}
					}
				}
			}
			userItem(images)
			userItem(parts)
		case session.RoleAssistant:
			for _, c := range msg.Content {
				switch c.Type {
				case session.ContentThinking:
					meta := c.ProviderMetadata
					if meta == nil || meta.Provider != providerOpenAI || meta.ItemID == "" {
						continue
					}
					item := &responses.ResponseReasoningItemParam{
						ID:      meta.ItemID,
						Summary: []responses.ResponseReasoningItemSummaryParam{},
					}
					if c.Thinking != "" {
						item.Summary = append(item.Summary, responses.ResponseReasoningItemSummaryParam{Text: c.Thinking})
					}
					if meta.EncryptedContent != "" {
						item.EncryptedContent = openai.String(meta.EncryptedContent)
					}
					items = append(items, responses.ResponseInputItemUnionParam{OfReasoning: item})
				case session.ContentText:
					if c.Text == "" {
						continue
					}
					items = append(items, responses.ResponseInputItemUnionParam{OfMessage: &responses.EasyInputMessageParam{
						Role:    responses.EasyInputMessageRoleAssistant,
						Content: responses.EasyInputMessageContentUnionParam{OfString: openai.String(c.Text)},
						Type:    responses.EasyInputMessageTypeMessage,
					}})
				case session.ContentToolUse:
					items = append(items, responses.ResponseInputItemUnionParam{OfFunctionCall: &responses.ResponseFunctionToolCallParam{
						CallID:    c.ToolUseID,
						Name:      c.ToolName,
						Arguments: toolArguments(c),
					}})
				}
			}
		}
	}
	return items, instructions
}

func inputText(text string) responses.ResponseInputContentUnionParam {
	return responses.ResponseInputContentUnionParam{OfInputText: &responses.ResponseInputTextParam{Text: text}}
}

func inputImage(c session.Content) responses.ResponseInputContentUnionParam {
	return responses.ResponseInputContentUnionParam{OfInputImage: &responses.ResponseInputImageParam{
		Detail:   responses.ResponseInputImageDetailAuto,
		ImageURL: openai.String("data:" + c.MimeType + ";base64," + c.Data),
	}}
}

// toolArguments returns the JSON argument string of a tool use as it was
// received.
func toolArguments(c session.Content) string {
	if c.RawInput != "" {
		return c.RawInput
	}
	args, err := json.Marshal(c.Input)
	if err != nil || c.Input == nil {
		return "{}"
	}
	return string(args)
}

type responsesStream struct {
	acc   *accumulator
	usage Usage
	done  bool
}

func (s *responsesStream) handle(data []byte) error {
	ev := gjson.ParseBytes(data)
	switch ev.Get("type").String() {
	case "response.output_item.added":
		item := ev.Get("item")
		switch item.Get("type").String() {
		case "reasoning":
			s.acc.startBlock(session.ContentThinking)
			s.acc.thinkingMeta(func(m *session.ProviderMetadata) {
				m.ItemID = item.Get("id").String()
			})
		case "function_call":
			s.acc.beginToolUse(item.Get("call_id").String(), item.Get("name").String())
		}
	case "response.output_text.delta":
		s.acc.text(ev.Get("delta").String())
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		s.acc.thinking(ev.Get("delta").String())
	case "response.function_call_arguments.delta":
		s.acc.toolArgs(ev.Get("delta").String())
	case "response.function_call_arguments.done":
		s.acc.replaceToolArgs(ev.Get("arguments").String())
	case "response.output_item.done":
		item := ev.Get("item")
		switch item.Get("type").String() {
		case "reasoning":
			s.acc.thinkingMeta(func(m *session.ProviderMetadata) {
				m.ItemID = item.Get("id").String()
				m.EncryptedContent = item.Get("encrypted_content").String()
			})
		case "function_call":
			s.acc.replaceToolArgs(item.Get("arguments").String())
		}
		s.acc.endBlock()
	case "response.completed":
		s.setUsage(ev.Get("response.usage"))
		s.done = true
	case "response.failed", "response.incomplete":
		reason := ev.Get("response.error.message").String()
		if reason == "" {
			reason = ev.Get("response.incomplete_details.reason").String()
		}
		return errors.Transient(errors.New("OpenAI response ended with %s: %s", ev.Get("type").String(), reason))
	case "error":
		return errors.Transient(errors.New("OpenAI stream error %s: %s", ev.Get("code").String(), ev.Get("message").String()))
	}
	return nil
}

func (s *responsesStream) setUsage(u gjson.Result) {
	s.usage.InputTokens = u.Get("input_tokens").Int()
	s.usage.OutputTokens = u.Get("output_tokens").Int()
	s.usage.TotalTokens = u.Get("total_tokens").Int()
	s.usage.CacheReadTokens = u.Get("input_tokens_details.cached_tokens").Int()
	s.usage.ReasoningTokens = u.Get("output_tokens_details.reasoning_tokens").Int()
	s.usage.Details = nil
	addUsageDetails(&s.usage, "input", u.Get("input_tokens_details"))
	addUsageDetails(&s.usage, "output", u.Get("output_tokens_details"))
}
