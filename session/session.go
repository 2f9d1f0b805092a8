package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m4xw311/tandem/errors"
)

// Session is a named conversation persisted as JSON under the sessions
// directory. The turn-loop engine is the only writer of Messages.
type Session struct {
	Name     string    `json:"name"`
	Model    string    `json:"model,omitempty"`
	Toolset  string    `json:"toolset,omitempty"`
	Messages []Message `json:"messages"`
	path     string
}

// New creates a new session. An empty dir disables persistence.
func New(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		Messages: []Message{},
		path:     path,
	}, nil
}

// Load loads an existing session from disk.
func Load(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	s.path = path
	return &s, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return os.WriteFile(s.path, data, 0644)
}

// AddMessage appends a message to the session history.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// Truncate drops every message at index n and beyond.
func (s *Session) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.Messages) {
		s.Messages = s.Messages[:n]
	}
}

// Last returns the most recent message, if any.
func (s *Session) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// DumpMessages writes the bare history array to path.
func (s *Session) DumpMessages(path string) error {
	data, err := json.MarshalIndent(s.Messages, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize messages")
	}
	return os.WriteFile(path, data, 0644)
}

// LoadMessages replaces the history with the array stored at path. A
// current system prompt at index 0 is always kept; a system message at the
// head of the file is ignored in its favour.
func (s *Session) LoadMessages(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "could not read messages file %s", path)
	}
	var loaded []Message
	if err := json.Unmarshal(data, &loaded); err != nil {
		return errors.Wrapf(err, "could not parse messages file %s", path)
	}
	for i, m := range loaded {
		if err := m.Validate(); err != nil {
			return errors.Wrapf(err, "invalid message %d in %s", i, path)
		}
	}
	if len(loaded) > 0 && loaded[0].Role == RoleSystem {
		loaded = loaded[1:]
	}
	if len(s.Messages) == 0 || s.Messages[0].Role != RoleSystem {
		s.Messages = loaded
		return nil
	}
	s.Messages = append(s.Messages[:1:1], loaded...)
	return nil
}

func sessionPath(dir, name string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create session directory: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("%s.json", name)), nil
}
