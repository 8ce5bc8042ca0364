package messages

import (
	"fmt"
	"slices"
	"time"

	"github.com/casualjim/hoot/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsChat reports whether the role takes part in the user/assistant exchange.
func (r Role) IsChat() bool {
	return r == RoleUser || r == RoleAssistant
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSearching Status = "searching"
	StatusSuccess   Status = "success"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final. Content of a message in a
// terminal status must not change anymore.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPaused, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSearching, StatusSuccess, StatusPaused, StatusError:
		return true
	default:
		return false
	}
}

const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishCancelled = "cancelled"
	FinishTimeout   = "timeout"
	FinishError     = "error"
)

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type Metrics struct {
	TimeFirstTokenMs   int64 `json:"time_first_token_ms"`
	TimeFirstContentMs int64 `json:"time_first_content_ms"`
	TimeThinkingMs     int64 `json:"time_thinking_ms"`
	TimeCompletionMs   int64 `json:"time_completion_ms"`
	CompletionTokens   int64 `json:"completion_tokens"`
}

type Citation struct {
	Number  int    `json:"number"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

type ToolResult struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    string          `json:"status,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

type GeneratedImage struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type WebSearch struct {
	Query   string          `json:"query,omitempty"`
	Source  string          `json:"source,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`
}

type Metadata struct {
	Citations       []Citation       `json:"citations,omitempty"`
	ToolResults     []ToolResult     `json:"toolResults,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages,omitempty"`
	WebSearch       *WebSearch       `json:"webSearch,omitempty"`
}

func (m *Metadata) Empty() bool {
	return m == nil || (len(m.Citations) == 0 && len(m.ToolResults) == 0 && len(m.GeneratedImages) == 0 && m.WebSearch == nil)
}

type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversationId"`
	Role             Role            `json:"role"`
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoningContent,omitempty"`
	Status           Status          `json:"status"`
	Usage            *Usage          `json:"usage,omitempty"`
	Metrics          *Metrics        `json:"metrics,omitempty"`
	Metadata         *Metadata       `json:"metadata,omitempty"`
	AskID            string          `json:"askId,omitempty"`
	Model            string          `json:"model,omitempty"`
	FinishReason     string          `json:"finishReason,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        strfmt.DateTime `json:"createdAt"`
}

func NewUser(conversationID, content string) Message {
	return Message{
		ID:             uuidx.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		Status:         StatusSuccess,
		CreatedAt:      strfmt.DateTime(time.Now()),
	}
}

func NewSystem(conversationID, content string) Message {
	return Message{
		ID:             uuidx.NewString(),
		ConversationID: conversationID,
		Role:           RoleSystem,
		Content:        content,
		Status:         StatusSuccess,
		CreatedAt:      strfmt.DateTime(time.Now()),
	}
}

// NewAssistant creates the pending placeholder that a completion streams into.
func NewAssistant(conversationID, askID, model string) Message {
	return Message{
		ID:             uuidx.NewString(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Status:         StatusPending,
		AskID:          askID,
		Model:          model,
		CreatedAt:      strfmt.DateTime(time.Now()),
	}
}

func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("message %s: conversation id is required", m.ID)
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("message %s: invalid role %q", m.ID, m.Role)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("message %s: invalid status %q", m.ID, m.Status)
	}
	return nil
}

// Clone returns a deep copy so snapshots handed to callbacks can't alias the
// accumulator that is still being merged into.
func (m Message) Clone() Message {
	if m.Usage != nil {
		u := *m.Usage
		m.Usage = &u
	}
	if m.Metrics != nil {
		mt := *m.Metrics
		m.Metrics = &mt
	}
	if m.Metadata != nil {
		md := Metadata{
			Citations:       slices.Clone(m.Metadata.Citations),
			ToolResults:     slices.Clone(m.Metadata.ToolResults),
			GeneratedImages: slices.Clone(m.Metadata.GeneratedImages),
		}
		if m.Metadata.WebSearch != nil {
			ws := *m.Metadata.WebSearch
			md.WebSearch = &ws
		}
		m.Metadata = &md
	}
	return m
}

func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}
