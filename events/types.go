package events

import (
	"errors"
	"fmt"

	"github.com/casualjim/hoot/messages"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	updatedJSON = []byte(`{"type":"message_updated"}`)
	settledJSON = []byte(`{"type":"message_settled"}`)
	errorJSON   = []byte(`{"type":"error"}`)
)

type Event interface {
	hootEvent()
	ConversationID() string
}

// MessageUpdated is published for every merged chunk and every status change of
// an in-flight message.
type MessageUpdated struct {
	Message   messages.Message `json:"message"`
	Timestamp strfmt.DateTime  `json:"timestamp,omitempty"`
}

func (MessageUpdated) hootEvent() {}

func (e MessageUpdated) ConversationID() string { return e.Message.ConversationID }

func (e MessageUpdated) MarshalJSON() ([]byte, error) {
	return marshalMessage(updatedJSON, e.Message, e.Timestamp)
}

func (e *MessageUpdated) UnmarshalJSON(data []byte) error {
	msg, ts, err := unmarshalMessage(data, "message_updated")
	if err != nil {
		return err
	}
	e.Message, e.Timestamp = msg, ts
	return nil
}

// MessageSettled is published once a message reached its terminal status and was
// committed to the store.
type MessageSettled struct {
	Message   messages.Message `json:"message"`
	Timestamp strfmt.DateTime  `json:"timestamp,omitempty"`
}

func (MessageSettled) hootEvent() {}

func (e MessageSettled) ConversationID() string { return e.Message.ConversationID }

func (e MessageSettled) MarshalJSON() ([]byte, error) {
	return marshalMessage(settledJSON, e.Message, e.Timestamp)
}

func (e *MessageSettled) UnmarshalJSON(data []byte) error {
	msg, ts, err := unmarshalMessage(data, "message_settled")
	if err != nil {
		return err
	}
	e.Message, e.Timestamp = msg, ts
	return nil
}

// Error reports a completion that failed outside of the stream, for example
// because the store could not be written.
type Error struct {
	Conversation string          `json:"conversation_id"`
	MessageID    string          `json:"message_id,omitempty"`
	Err          error           `json:"error"`
	Timestamp    strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Error) hootEvent() {}

func (e Error) ConversationID() string { return e.Conversation }

func (e Error) MarshalJSON() ([]byte, error) {
	result := errorJSON

	var err error
	result, err = sjson.SetBytes(result, "conversation_id", e.Conversation)
	if err != nil {
		return nil, err
	}

	if e.MessageID != "" {
		result, err = sjson.SetBytes(result, "message_id", e.MessageID)
		if err != nil {
			return nil, err
		}
	}

	if e.Err != nil {
		result, err = sjson.SetBytes(result, "error", e.Err.Error())
		if err != nil {
			return nil, err
		}
	}

	return setTimestamp(result, e.Timestamp)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	if err := checkType(data, "error"); err != nil {
		return err
	}

	conv := gjson.GetBytes(data, "conversation_id")
	if !conv.Exists() {
		return fmt.Errorf("missing required field 'conversation_id'")
	}
	e.Conversation = conv.String()
	e.MessageID = gjson.GetBytes(data, "message_id").String()

	errMsg := gjson.GetBytes(data, "error")
	if !errMsg.Exists() {
		return errors.New("missing required field 'error'")
	}
	e.Err = errors.New(errMsg.String())

	ts, err := getTimestamp(data)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	return nil
}

func (e Error) Error() string {
	errStr := "<nil>"
	if e.Err != nil {
		errStr = e.Err.Error()
	}
	return fmt.Sprintf("%s conversation=%s message=%s", errStr, e.Conversation, e.MessageID)
}

func (e Error) Unwrap() error {
	return e.Err
}

// ToJSON encodes an event into its typed JSON envelope.
func ToJSON(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// FromJSON decodes an envelope produced by ToJSON.
func FromJSON(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json: %s", data)
	}

	switch kind := gjson.GetBytes(data, "type").String(); kind {
	case "message_updated":
		var e MessageUpdated
		if err := e.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return e, nil
	case "message_settled":
		var e MessageSettled
		if err := e.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return e, nil
	case "error":
		var e Error
		if err := e.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", kind)
	}
}

func marshalMessage(envelope []byte, msg messages.Message, ts strfmt.DateTime) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	result, err := sjson.SetRawBytes(envelope, "message", body)
	if err != nil {
		return nil, err
	}
	return setTimestamp(result, ts)
}

func unmarshalMessage(data []byte, kind string) (messages.Message, strfmt.DateTime, error) {
	if err := checkType(data, kind); err != nil {
		return messages.Message{}, strfmt.DateTime{}, err
	}

	raw := gjson.GetBytes(data, "message")
	if !raw.Exists() {
		return messages.Message{}, strfmt.DateTime{}, fmt.Errorf("missing required field 'message'")
	}
	var msg messages.Message
	if err := json.Unmarshal([]byte(raw.Raw), &msg); err != nil {
		return messages.Message{}, strfmt.DateTime{}, fmt.Errorf("invalid message: %w", err)
	}

	ts, err := getTimestamp(data)
	return msg, ts, err
}

func checkType(data []byte, expected string) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	msgType := gjson.GetBytes(data, "type")
	if !msgType.Exists() || msgType.String() != expected {
		return fmt.Errorf("missing or invalid type, expected '%s'", expected)
	}
	return nil
}

func setTimestamp(data []byte, ts strfmt.DateTime) ([]byte, error) {
	if ts.IsZero() {
		return data, nil
	}
	return sjson.SetBytes(data, "timestamp", ts.String())
}

func getTimestamp(data []byte) (strfmt.DateTime, error) {
	timestamp := gjson.GetBytes(data, "timestamp")
	if !timestamp.Exists() {
		return strfmt.DateTime{}, nil
	}
	ts, err := strfmt.ParseDateTime(timestamp.String())
	if err != nil {
		return strfmt.DateTime{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts, nil
}
