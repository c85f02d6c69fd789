package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/reelapps/authsync/pkg/session"
)

// DefaultChannelName is the channel every context of the identity domain
// joins.
const DefaultChannelName = "reelapps-auth-sync"

// MessageType tags a broadcast message.
type MessageType string

const (
	TypeSessionUpdate MessageType = "session-update"
	TypeLogout        MessageType = "logout"
)

// Message is the tagged union carried on the channel: a session update
// with its record, or a logout.
type Message struct {
	Type    MessageType     `json:"type"`
	Session *session.Record `json:"session,omitempty"`
}

// SessionUpdated builds a session update for r.
func SessionUpdated(r session.Record) Message {
	return Message{Type: TypeSessionUpdate, Session: &r}
}

// LoggedOut builds a logout message.
func LoggedOut() Message {
	return Message{Type: TypeLogout}
}

// Validate checks the union invariant.
func (m Message) Validate() error {
	switch m.Type {
	case TypeSessionUpdate:
		if m.Session == nil {
			return fmt.Errorf("session-update without session")
		}
	case TypeLogout:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// envelope tags a message with its publishing context so receivers can
// drop their own messages on transports that echo.
type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

func encodeEnvelope(origin string, m Message) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Message: m})
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.Message.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
