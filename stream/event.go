package stream

import (
	"bytes"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/m4xw311/tandem/errors"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data []byte
}

// ParseEvent decodes the "event:" and "data:" fields of a text frame.
// Multiple data lines are joined with a newline; comment lines are skipped.
func ParseEvent(frame []byte) Event {
	var ev Event
	var data [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, value)
		}
	}
	ev.Data = bytes.Join(data, []byte("\n"))
	return ev
}

// Message is a decoded binary event-stream frame.
type Message struct {
	EventType     string
	MessageType   string
	ExceptionType string
	Payload       []byte
}

// DecodeMessage decodes one complete frame produced by BinaryFramer. Both the
// prelude and the message CRC are verified.
func DecodeMessage(frame []byte) (Message, error) {
	msg, err := eventstream.NewDecoder().Decode(bytes.NewReader(frame), nil)
	if err != nil {
		return Message{}, errors.Wrapf(err, "failed to decode event stream frame")
	}
	return Message{
		EventType:     headerString(msg.Headers, ":event-type"),
		MessageType:   headerString(msg.Headers, ":message-type"),
		ExceptionType: headerString(msg.Headers, ":exception-type"),
		Payload:       msg.Payload,
	}, nil
}

func headerString(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}
