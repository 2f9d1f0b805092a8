package llm

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/stream"
	"github.com/m4xw311/tandem/tools"
)

const (
	providerBedrock         = "bedrock"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// BedrockLLMClient invokes models on AWS Bedrock through the streaming
// invoke endpoint. Anthropic models get the Messages body; every other model
// gets an OpenAI-compatible chat completions body.
type BedrockLLMClient struct {
	opts        Options
	credentials aws.CredentialsProvider
	signer      *v4.Signer
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment. Extra
// load options (fixed credentials in tests) are passed to the AWS config
// loader.
func NewBedrockLLMClient(ctx context.Context, opts Options, optFns ...func(*config.LoadOptions) error) (*BedrockLLMClient, error) {
	if opts.Region != "" {
		optFns = append(optFns, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	if opts.Region == "" {
		opts.Region = cfg.Region
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.BaseURL == "" {
		// Custom endpoint, useful for testing
		opts.BaseURL = os.Getenv("BEDROCK_ENDPOINT_URL")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://bedrock-runtime." + opts.Region + ".amazonaws.com"
	}

	return &BedrockLLMClient{
		opts:        opts,
		credentials: cfg.Credentials,
		signer:      v4.NewSigner(),
	}, nil
}

func (b *BedrockLLMClient) isAnthropic() bool {
	return strings.Contains(b.opts.Model, "anthropic.")
}

// Chat streams a response through Bedrock.
func (b *BedrockLLMClient) Chat(ctx context.Context, messages []session.Message, defs []tools.Definition, onPartial PartialFunc) (*session.Message, Usage, error) {
	body, err := b.requestBody(messages, defs)
	if err != nil {
		return nil, Usage{}, err
	}
	endpoint := strings.TrimSuffix(b.opts.BaseURL, "/") + "/model/" + url.PathEscape(b.opts.Model) + "/invoke-with-response-stream"
	hash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(hash[:])

	res, err := withRetry(ctx, b.opts, providerBedrock, func(ctx context.Context) (chatResult, error) {
		req, err := newJSONRequest(ctx, endpoint, body)
		if err != nil {
			return chatResult{}, err
		}
		req.Header.Set("Accept", "application/vnd.amazon.eventstream")
		req.Header.Set("X-Amzn-Bedrock-Accept", "application/json")

		creds, err := b.credentials.Retrieve(ctx)
		if err != nil {
			return chatResult{}, errors.Wrapf(err, "failed to retrieve AWS credentials")
		}
		if err := b.signer.SignHTTP(ctx, creds, req, payloadHash, "bedrock", b.opts.Region, time.Now()); err != nil {
			return chatResult{}, errors.Wrapf(err, "failed to sign Bedrock request")
		}

		f := b.newFolder(onPartial)
		err = doStream(b.opts, req, stream.NewBinaryFramer(), func(frame []byte) error {
			return b.handleFrame(ctx, f, frame)
		})
		msg := f.finish()
		if err != nil {
			return chatResult{}, err
		}
		if !f.complete() {
			return chatResult{}, errors.Transient(ErrIncompleteStream)
		}
		usage := f.usageTotals()
		usage.finalize()
		return chatResult{msg: msg, usage: usage}, nil
	})
	if err != nil {
		return nil, Usage{}, errors.Wrapf(err, "failed to stream response from Bedrock")
	}
	return res.msg, res.usage, nil
}

func (b *BedrockLLMClient) requestBody(messages []session.Message, defs []tools.Definition) ([]byte, error) {
	if !b.isAnthropic() {
		body, err := chatCompletionsBody(b.opts, messages, defs, false)
		if err != nil {
			return nil, err
		}
		body, err = sjson.DeleteBytes(body, "model")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to adjust Bedrock request")
		}
		return body, nil
	}
	params := newAnthropicParams(b.opts, messages, defs)
	return anthropicRequestBody(params, func(body []byte) ([]byte, error) {
		body, err := sjson.DeleteBytes(body, "model")
		if err != nil {
			return nil, err
		}
		return sjson.SetBytes(body, "anthropic_version", bedrockAnthropicVersion)
	})
}

// bedrockFolder abstracts over the two event shapes tunnelled through the
// binary stream.
type bedrockFolder struct {
	anthropic *anthropicStream
	chat      *chatStream
	metrics   gjson.Result
}

func (b *BedrockLLMClient) newFolder(onPartial PartialFunc) *bedrockFolder {
	if b.isAnthropic() {
		return &bedrockFolder{anthropic: &anthropicStream{acc: newAccumulator(providerBedrock, onPartial)}}
	}
	return &bedrockFolder{chat: newChatStream(providerBedrock, onPartial)}
}

func (f *bedrockFolder) handle(event []byte) error {
	if m := gjson.GetBytes(event, "amazon-bedrock-invocationMetrics"); m.Exists() {
		f.metrics = m
	}
	if f.anthropic != nil {
		return f.anthropic.handle(event)
	}
	return f.chat.handle(event)
}

func (f *bedrockFolder) finish() *session.Message {
	if f.anthropic != nil {
		return f.anthropic.acc.finish()
	}
	return f.chat.acc.finish()
}

func (f *bedrockFolder) complete() bool {
	if f.anthropic != nil {
		return f.anthropic.done
	}
	return f.chat.done
}

// usageTotals prefers the vendor's own usage and falls back to the gateway's
// invocation metrics.
func (f *bedrockFolder) usageTotals() Usage {
	var u Usage
	if f.anthropic != nil {
		u = f.anthropic.usage
	} else {
		u = f.chat.usage
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 && f.metrics.Exists() {
		u.InputTokens = f.metrics.Get("inputTokenCount").Int()
		u.OutputTokens = f.metrics.Get("outputTokenCount").Int()
		u.CacheReadTokens = f.metrics.Get("cacheReadInputTokenCount").Int()
		u.CacheWriteTokens = f.metrics.Get("cacheWriteInputTokenCount").Int()
	}
	return u
}

var retryableBedrockExceptions = []string{"throttling", "serviceunavailable", "internalserver", "modelnotready"}

// handleFrame decodes one binary frame. Event payloads carry either a base64
// "bytes" field holding the vendor event or a "message" diagnostic.
func (b *BedrockLLMClient) handleFrame(ctx context.Context, f *bedrockFolder, frame []byte) error {
	m, err := stream.DecodeMessage(frame)
	if err != nil {
		return errors.Wrapf(err, "corrupt Bedrock frame")
	}
	payload := gjson.ParseBytes(m.Payload)

	switch m.MessageType {
	case "exception", "error":
		kind := m.ExceptionType
		if kind == "" {
			kind = m.EventType
		}
		err := errors.New("Bedrock %s: %s", kind, payload.Get("message").String())
		lower := strings.ToLower(kind)
		for _, r := range retryableBedrockExceptions {
			if strings.Contains(lower, r) {
				return errors.Transient(err)
			}
		}
		return err
	}

	if raw := payload.Get("bytes"); raw.Exists() {
		event, err := base64.StdEncoding.DecodeString(raw.String())
		if err != nil {
			return errors.Wrapf(err, "failed to decode Bedrock chunk")
		}
		return f.handle(event)
	}
	if msg := payload.Get("message"); msg.Exists() {
		b.opts.logger().WarnContext(ctx, "bedrock stream message",
			slog.String("model", b.opts.Model),
			slog.String("event", m.EventType),
			slog.String("message", msg.String()))
	}
	return nil
}
