package provider

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
	chunkJSON    = []byte(`{"type":"chunk"}`)
	responseJSON = []byte(`{"type":"response"}`)
	errorJSON    = []byte(`{"type":"error"}`)
)

type StreamEvent interface {
	streamEvent()
}

// Chunk is one normalized streaming delta. All fields are optional; a chunk may
// carry only a usage snapshot or only a side payload.
type Chunk struct {
	RequestID      string                    `json:"request_id"`
	TextDelta      string                    `json:"text_delta,omitempty"`
	ReasoningDelta string                    `json:"reasoning_delta,omitempty"`
	Usage          *messages.Usage           `json:"usage,omitempty"`
	Citations      []messages.Citation       `json:"citations,omitempty"`
	ToolResults    []messages.ToolResult     `json:"tool_results,omitempty"`
	Images         []messages.GeneratedImage `json:"images,omitempty"`
	WebSearch      *messages.WebSearch       `json:"web_search,omitempty"`
	FinishReason   string                    `json:"finish_reason,omitempty"`
	Timestamp      strfmt.DateTime           `json:"timestamp,omitempty"`
	Meta           gjson.Result              `json:"meta,omitempty"`
}

func (Chunk) streamEvent() {}

// Response is a complete answer from a provider that did not stream.
type Response struct {
	RequestID    string                    `json:"request_id"`
	Text         string                    `json:"text"`
	Reasoning    string                    `json:"reasoning,omitempty"`
	Usage        *messages.Usage           `json:"usage,omitempty"`
	Citations    []messages.Citation       `json:"citations,omitempty"`
	ToolResults  []messages.ToolResult     `json:"tool_results,omitempty"`
	Images       []messages.GeneratedImage `json:"images,omitempty"`
	WebSearch    *messages.WebSearch       `json:"web_search,omitempty"`
	FinishReason string                    `json:"finish_reason,omitempty"`
	Timestamp    strfmt.DateTime           `json:"timestamp,omitempty"`
	Meta         gjson.Result              `json:"meta,omitempty"`
}

func (Response) streamEvent() {}

// AsChunk turns a complete response into the single synthetic chunk the merger
// consumes in non-streaming mode.
func (r Response) AsChunk() Chunk {
	return Chunk{
		RequestID:      r.RequestID,
		TextDelta:      r.Text,
		ReasoningDelta: r.Reasoning,
		Usage:          r.Usage,
		Citations:      r.Citations,
		ToolResults:    r.ToolResults,
		Images:         r.Images,
		WebSearch:      r.WebSearch,
		FinishReason:   r.FinishReason,
		Timestamp:      r.Timestamp,
		Meta:           r.Meta,
	}
}

type Error struct {
	RequestID string          `json:"request_id"`
	Err       error           `json:"error"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
	Meta      gjson.Result    `json:"meta,omitempty"`
}

func (Error) streamEvent() {}

func (e Error) Error() string {
	return fmt.Sprintf("request_id: %s, timestamp: %s, error: %v", e.RequestID, e.Timestamp, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements custom JSON marshaling for Chunk
func (c Chunk) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(chunkJSON, "request_id", c.RequestID)
	if err != nil {
		return nil, err
	}
	if c.TextDelta != "" {
		if result, err = sjson.SetBytes(result, "text_delta", c.TextDelta); err != nil {
			return nil, err
		}
	}
	if c.ReasoningDelta != "" {
		if result, err = sjson.SetBytes(result, "reasoning_delta", c.ReasoningDelta); err != nil {
			return nil, err
		}
	}
	if result, err = setPayloads(result, c.Usage, c.Citations, c.ToolResults, c.Images, c.WebSearch); err != nil {
		return nil, err
	}
	return setTrailer(result, c.FinishReason, c.Timestamp, c.Meta)
}

// UnmarshalJSON implements custom JSON unmarshaling for Chunk
func (c *Chunk) UnmarshalJSON(data []byte) error {
	if err := checkType(data, "chunk"); err != nil {
		return err
	}

	requestID := gjson.GetBytes(data, "request_id")
	if !requestID.Exists() {
		return fmt.Errorf("missing required field 'request_id'")
	}
	c.RequestID = requestID.String()
	c.TextDelta = gjson.GetBytes(data, "text_delta").String()
	c.ReasoningDelta = gjson.GetBytes(data, "reasoning_delta").String()

	var err error
	if c.Usage, c.Citations, c.ToolResults, c.Images, c.WebSearch, err = getPayloads(data); err != nil {
		return err
	}
	c.FinishReason, c.Timestamp, c.Meta, err = getTrailer(data)
	return err
}

// MarshalJSON implements custom JSON marshaling for Response
func (r Response) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(responseJSON, "request_id", r.RequestID)
	if err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "text", r.Text); err != nil {
		return nil, err
	}
	if r.Reasoning != "" {
		if result, err = sjson.SetBytes(result, "reasoning", r.Reasoning); err != nil {
			return nil, err
		}
	}
	if result, err = setPayloads(result, r.Usage, r.Citations, r.ToolResults, r.Images, r.WebSearch); err != nil {
		return nil, err
	}
	return setTrailer(result, r.FinishReason, r.Timestamp, r.Meta)
}

// UnmarshalJSON implements custom JSON unmarshaling for Response
func (r *Response) UnmarshalJSON(data []byte) error {
	if err := checkType(data, "response"); err != nil {
		return err
	}

	requestID := gjson.GetBytes(data, "request_id")
	if !requestID.Exists() {
		return fmt.Errorf("missing required field 'request_id'")
	}
	r.RequestID = requestID.String()

	text := gjson.GetBytes(data, "text")
	if !text.Exists() {
		return fmt.Errorf("missing required field 'text'")
	}
	r.Text = text.String()
	r.Reasoning = gjson.GetBytes(data, "reasoning").String()

	var err error
	if r.Usage, r.Citations, r.ToolResults, r.Images, r.WebSearch, err = getPayloads(data); err != nil {
		return err
	}
	r.FinishReason, r.Timestamp, r.Meta, err = getTrailer(data)
	return err
}

// MarshalJSON implements custom JSON marshaling for Error. The error is flattened
// into a kind and a message so the taxonomy survives a round trip.
func (e Error) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(errorJSON, "request_id", e.RequestID)
	if err != nil {
		return nil, err
	}
	if e.Err != nil {
		if result, err = sjson.SetBytes(result, "error", e.Err.Error()); err != nil {
			return nil, err
		}
		if result, err = sjson.SetBytes(result, "kind", Kind(e.Err)); err != nil {
			return nil, err
		}
		var perr *ProviderError
		if errors.As(e.Err, &perr) {
			if result, err = sjson.SetBytes(result, "status_code", perr.StatusCode); err != nil {
				return nil, err
			}
			if result, err = sjson.SetBytes(result, "message", perr.Message); err != nil {
				return nil, err
			}
		}
	}
	return setTrailer(result, "", e.Timestamp, e.Meta)
}

// UnmarshalJSON implements custom JSON unmarshaling for Error
func (e *Error) UnmarshalJSON(data []byte) error {
	if err := checkType(data, "error"); err != nil {
		return err
	}

	requestID := gjson.GetBytes(data, "request_id")
	if !requestID.Exists() {
		return fmt.Errorf("missing required field 'request_id'")
	}
	e.RequestID = requestID.String()

	msg := gjson.GetBytes(data, "error")
	if !msg.Exists() {
		return fmt.Errorf("missing required field 'error'")
	}
	switch gjson.GetBytes(data, "kind").String() {
	case KindCancelled:
		e.Err = ErrCancelled
	case KindNetwork:
		e.Err = &NetworkError{Err: errors.New(msg.String())}
	case KindProvider:
		e.Err = &ProviderError{
			StatusCode: int(gjson.GetBytes(data, "status_code").Int()),
			Message:    gjson.GetBytes(data, "message").String(),
		}
	default:
		e.Err = errors.New(msg.String())
	}

	var err error
	_, e.Timestamp, e.Meta, err = getTrailer(data)
	return err
}

// UnmarshalEvent decodes a JSON envelope produced by one of the MarshalJSON
// methods into the matching StreamEvent.
func UnmarshalEvent(data []byte) (StreamEvent, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json: %s", data)
	}
	switch tpe := gjson.GetBytes(data, "type").String(); tpe {
	case "chunk":
		var c Chunk
		if err := c.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return c, nil
	case "response":
		var r Response
		if err := r.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return r, nil
	case "error":
		var e Error
		if err := e.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown stream event type %q", tpe)
	}
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

func setPayloads(result []byte, usage *messages.Usage, citations []messages.Citation, toolResults []messages.ToolResult, images []messages.GeneratedImage, webSearch *messages.WebSearch) ([]byte, error) {
	payloads := []struct {
		key     string
		present bool
		value   any
	}{
		{"usage", usage != nil, usage},
		{"citations", len(citations) > 0, citations},
		{"tool_results", len(toolResults) > 0, toolResults},
		{"images", len(images) > 0, images},
		{"web_search", webSearch != nil, webSearch},
	}

	var err error
	for _, p := range payloads {
		if !p.present {
			continue
		}
		b, merr := json.Marshal(p.value)
		if merr != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", p.key, merr)
		}
		if result, err = sjson.SetRawBytes(result, p.key, b); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func getPayloads(data []byte) (usage *messages.Usage, citations []messages.Citation, toolResults []messages.ToolResult, images []messages.GeneratedImage, webSearch *messages.WebSearch, err error) {
	decode := func(key string, dst any) error {
		v := gjson.GetBytes(data, key)
		if !v.Exists() {
			return nil
		}
		if err := json.Unmarshal([]byte(v.Raw), dst); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		return nil
	}

	if gjson.GetBytes(data, "usage").Exists() {
		usage = &messages.Usage{}
		if err = decode("usage", usage); err != nil {
			return
		}
	}
	if err = decode("citations", &citations); err != nil {
		return
	}
	if err = decode("tool_results", &toolResults); err != nil {
		return
	}
	if err = decode("images", &images); err != nil {
		return
	}
	if gjson.GetBytes(data, "web_search").Exists() {
		webSearch = &messages.WebSearch{}
		err = decode("web_search", webSearch)
	}
	return
}

func setTrailer(result []byte, finishReason string, ts strfmt.DateTime, meta gjson.Result) ([]byte, error) {
	var err error
	if finishReason != "" {
		if result, err = sjson.SetBytes(result, "finish_reason", finishReason); err != nil {
			return nil, err
		}
	}
	if !ts.IsZero() {
		if result, err = sjson.SetBytes(result, "timestamp", ts.String()); err != nil {
			return nil, err
		}
	}
	if meta.Exists() {
		if result, err = sjson.SetRawBytes(result, "meta", []byte(meta.Raw)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func getTrailer(data []byte) (finishReason string, ts strfmt.DateTime, meta gjson.Result, err error) {
	finishReason = gjson.GetBytes(data, "finish_reason").String()
	if v := gjson.GetBytes(data, "timestamp"); v.Exists() {
		ts, err = strfmt.ParseDateTime(v.String())
		if err != nil {
			return "", ts, meta, fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	meta = gjson.GetBytes(data, "meta")
	return finishReason, ts, meta, nil
}
