package messages

import (
	"time"

	"github.com/casualjim/hoot/pkg/uuidx"
	"github.com/go-openapi/strfmt"
)

type Topic struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Messages  []Message       `json:"messages,omitempty"`
	CreatedAt strfmt.DateTime `json:"createdAt"`
	UpdatedAt strfmt.DateTime `json:"updatedAt"`
}

func NewTopic(name string) Topic {
	now := strfmt.DateTime(time.Now())
	return Topic{
		ID:        uuidx.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// InFlight returns the message that is currently pending or searching, if any.
func (t *Topic) InFlight() (Message, bool) {
	for _, m := range t.Messages {
		if m.Status == StatusPending || m.Status == StatusSearching {
			return m, true
		}
	}
	return Message{}, false
}
