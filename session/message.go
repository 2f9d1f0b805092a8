package session

import (
	"strings"

	"github.com/m4xw311/tandem/errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ContentType string

const (
	ContentText       ContentType = "text"
	ContentThinking   ContentType = "thinking"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
	ContentImage      ContentType = "image"
)

// ProviderMetadata is opaque vendor state attached to a part so that it can be
// replayed verbatim to the vendor that produced it (thinking signatures,
// reasoning item ids).
type ProviderMetadata struct {
	Provider         string `json:"provider,omitempty"`
	Signature        string `json:"signature,omitempty"`
	ItemID           string `json:"itemId,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
}

// Content is one part of a message. Type selects which of the remaining
// fields are meaningful.
type Content struct {
	Type ContentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking         string            `json:"thinking,omitempty"`
	ProviderMetadata *ProviderMetadata `json:"providerMetadata,omitempty"`

	// tool_use and tool_result
	ToolUseID string         `json:"toolUseId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	// RawInput holds the streamed argument buffer when it could not be parsed
	// as a JSON object. Input is empty in that case.
	RawInput string    `json:"rawInput,omitempty"`
	Content  []Content `json:"content,omitempty"`
	IsError  bool      `json:"isError,omitempty"`

	// image
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

func Text(text string) Content {
	return Content{Type: ContentText, Text: text}
}

func Thinking(thinking string, meta *ProviderMetadata) Content {
	return Content{Type: ContentThinking, Thinking: thinking, ProviderMetadata: meta}
}

func ToolUse(id, name string, input map[string]any) Content {
	if input == nil {
		input = map[string]any{}
	}
	return Content{Type: ContentToolUse, ToolUseID: id, ToolName: name, Input: input}
}

func ToolResult(id, name string, content []Content, isError bool) Content {
	return Content{Type: ContentToolResult, ToolUseID: id, ToolName: name, Content: content, IsError: isError}
}

// Image holds base64 encoded data.
func Image(mimeType, data string) Content {
	return Content{Type: ContentImage, MimeType: mimeType, Data: data}
}

type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
}

func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []Content{Text(text)}}
}

func NewUserMessage(parts ...Content) Message {
	return Message{Role: RoleUser, Content: parts}
}

func NewAssistantMessage(parts ...Content) Message {
	return Message{Role: RoleAssistant, Content: parts}
}

// ToolUses returns the tool_use parts of the message in order.
func (m Message) ToolUses() []Content {
	var uses []Content
	for _, c := range m.Content {
		if c.Type == ContentToolUse {
			uses = append(uses, c)
		}
	}
	return uses
}

// ToolResults returns the tool_result parts of the message in order.
func (m Message) ToolResults() []Content {
	var results []Content
	for _, c := range m.Content {
		if c.Type == ContentToolResult {
			results = append(results, c)
		}
	}
	return results
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == ContentText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

var allowedParts = map[Role]map[ContentType]bool{
	RoleSystem:    {ContentText: true},
	RoleUser:      {ContentText: true, ContentImage: true, ContentToolResult: true},
	RoleAssistant: {ContentText: true, ContentThinking: true, ContentToolUse: true},
}

// Validate checks that every part is legal for the message role: only the
// assistant may carry tool_use parts and only the user may carry tool_result
// parts.
func (m Message) Validate() error {
	allowed, ok := allowedParts[m.Role]
	if !ok {
		return errors.New("unknown role %q", m.Role)
	}
	for i, c := range m.Content {
		if !allowed[c.Type] {
			return errors.New("%s message cannot contain %s part (index %d)", m.Role, c.Type, i)
		}
		if c.Type == ContentToolResult {
			for _, inner := range c.Content {
				if inner.Type != ContentText && inner.Type != ContentImage {
					return errors.New("tool_result %s contains %s part", c.ToolUseID, inner.Type)
				}
			}
		}
	}
	return nil
}

// ResultText concatenates the text parts of a tool_result.
func (c Content) ResultText() string {
	var b strings.Builder
	for i, inner := range c.Content {
		if inner.Type != ContentText {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(inner.Text)
	}
	return b.String()
}
