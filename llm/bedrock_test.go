package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/stream"
)

func bedrockFrame(t *testing.T, messageType, kind string, payload string) string {
	t.Helper()
	msg := eventstream.Message{Payload: []byte(payload)}
	msg.Headers.Set(":message-type", eventstream.StringValue(messageType))
	if messageType == "exception" {
		msg.Headers.Set(":exception-type", eventstream.StringValue(kind))
	} else {
		msg.Headers.Set(":event-type", eventstream.StringValue(kind))
	}
	var buf bytes.Buffer
	require.NoError(t, eventstream.NewEncoder().Encode(&buf, msg))
	return buf.String()
}

func bedrockChunks(t *testing.T, events ...string) string {
	var b strings.Builder
	for _, e := range events {
		payload := `{"bytes":"` + base64.StdEncoding.EncodeToString([]byte(e)) + `"}`
		b.WriteString(bedrockFrame(t, "event", "chunk", payload))
	}
	return b.String()
}

func newTestBedrock(t *testing.T, srv *recordedServer, model string) *BedrockLLMClient {
	t.Helper()
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}, nil
	})
	c, err := NewBedrockLLMClient(context.Background(),
		Options{Model: model, Region: "us-west-2", BaseURL: srv.URL, NewBackOff: zeroBackOff},
		config.WithCredentialsProvider(creds))
	require.NoError(t, err)
	return c
}

func TestBedrockAnthropicStream(t *testing.T) {
	frames := bedrockFrame(t, "event", "chunk", `{"message":"warming up"}`) + bedrockChunks(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":4,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi there"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","usage":{"output_tokens":3}}`,
		`{"type":"message_stop","amazon-bedrock-invocationMetrics":{"inputTokenCount":4,"outputTokenCount":3}}`,
	)
	srv := newRecordedServer(t, ok(frames))
	c := newTestBedrock(t, srv, "anthropic.claude-test")

	history := []session.Message{session.NewSystemMessage("sys"), session.NewUserMessage(session.Text("hello"))}
	msg, usage, err := c.Chat(context.Background(), history, nil, nil)
	require.NoError(t, err)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "hi there", msg.Content[0].Text)
	assert.Equal(t, int64(4), usage.InputTokens)
	assert.Equal(t, int64(3), usage.OutputTokens)

	assert.Equal(t, "/model/anthropic.claude-test/invoke-with-response-stream", srv.paths[0])
	assert.True(t, strings.HasPrefix(srv.headers[0].Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKID/"))
	assert.Contains(t, srv.headers[0].Get("Authorization"), "/us-west-2/bedrock/aws4_request")

	body := srv.body(0)
	assert.Equal(t, bedrockAnthropicVersion, gjson.GetBytes(body, "anthropic_version").String())
	assert.False(t, gjson.GetBytes(body, "model").Exists())
	assert.False(t, gjson.GetBytes(body, "stream").Exists())
}

func TestBedrockChatCompletionsStream(t *testing.T) {
	frames := bedrockChunks(t,
		`{"choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"amazon-bedrock-invocationMetrics":{"inputTokenCount":2,"outputTokenCount":1}}`,
	)
	srv := newRecordedServer(t, ok(frames))
	msg, usage, err := newTestBedrock(t, srv, "openai.gpt-oss-test").Chat(context.Background(),
		[]session.Message{session.NewUserMessage(session.Text("hi"))}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Text())
	assert.Equal(t, int64(2), usage.InputTokens)
	assert.Equal(t, int64(3), usage.TotalTokens)
	assert.True(t, gjson.GetBytes(srv.body(0), "messages").IsArray())
}

func TestBedrockExceptions(t *testing.T) {
	success := bedrockChunks(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`,
		`{"type":"message_stop"}`,
	)
	user := []session.Message{session.NewUserMessage(session.Text("hi"))}

	t.Run("throttling is retried", func(t *testing.T) {
		throttled := bedrockFrame(t, "exception", "throttlingException", `{"message":"slow down"}`)
		srv := newRecordedServer(t, ok(throttled), ok(success))
		_, _, err := newTestBedrock(t, srv, "anthropic.claude-test").Chat(context.Background(), user, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, srv.calls())
	})

	t.Run("validation is fatal", func(t *testing.T) {
		invalid := bedrockFrame(t, "exception", "validationException", `{"message":"bad input"}`)
		srv := newRecordedServer(t, ok(invalid), ok(success))
		_, _, err := newTestBedrock(t, srv, "anthropic.claude-test").Chat(context.Background(), user, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad input")
		assert.Equal(t, 1, srv.calls())
	})

	t.Run("checksum mismatch is fatal", func(t *testing.T) {
		corrupt := []byte(bedrockChunks(t, `{"type":"message_start","message":{"usage":{"input_tokens":1}}}`))
		corrupt[len(corrupt)-1] ^= 0xff
		srv := newRecordedServer(t, ok(string(corrupt)), ok(success))
		_, _, err := newTestBedrock(t, srv, "anthropic.claude-test").Chat(context.Background(), user, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt Bedrock frame")
		assert.False(t, errors.IsRetryable(err))
		assert.Equal(t, 1, srv.calls())
	})

	t.Run("short frame is fatal", func(t *testing.T) {
		short := string([]byte{0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 0})
		srv := newRecordedServer(t, ok(short), ok(success))
		_, _, err := newTestBedrock(t, srv, "anthropic.claude-test").Chat(context.Background(), user, nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, stream.ErrFrameTooShort)
		assert.Equal(t, 1, srv.calls())
	})
}
