// Package bus provides inter-worker communication: per-worker mailboxes,
// request/response correlation with timeouts, and broadcast fan-out.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind categorizes the purpose of a message.
type Kind string

const (
	// KindRequest asks the recipient to do or answer something.
	KindRequest Kind = "request"
	// KindResponse is a reply correlated to a previous request.
	KindResponse Kind = "response"
	// KindBroadcast is a fan-out message wrapping an inner kind and payload.
	KindBroadcast Kind = "broadcast"
	// KindCollaboration proposes joint work on a task descriptor.
	KindCollaboration Kind = "collaboration"
	// KindDelegation hands a task descriptor to another worker.
	KindDelegation Kind = "delegation"
	// KindNotification is a one-way informational message.
	KindNotification Kind = "notification"
)

// Message priorities range 1 (highest) to 10 (lowest). Priority is advisory:
// mailbox delivery is strictly FIFO and priority feeds stats only.
const (
	DefaultPriority   = 5
	BroadcastPriority = 7
)

// Message is a single unit of inter-worker communication.
type Message struct {
	// ID uniquely identifies the message (uuid).
	ID string `json:"id"`
	// From is the sender worker ID.
	From string `json:"from"`
	// To is the recipient worker ID.
	To string `json:"to"`
	// Kind categorizes the message purpose.
	Kind Kind `json:"kind"`
	// Payload is the message body, opaque to the bus.
	Payload any `json:"payload,omitempty"`
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID references the request message this responds to.
	CorrelationID string `json:"correlation_id,omitempty"`
	// RequiresResponse indicates the sender awaits a correlated response.
	RequiresResponse bool `json:"requires_response"`
	// Priority is advisory (1=highest, 10=lowest).
	Priority int `json:"priority"`
}

// BroadcastPayload wraps the inner kind and payload of a broadcast message.
type BroadcastPayload struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// Reply is the payload of responses the bus synthesizes for collaboration
// and delegation messages.
type Reply struct {
	Accepted bool   `json:"accepted"`
	Detail   any    `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newMessage(from, to string, kind Kind, payload any, requiresResponse bool, priority int) *Message {
	if priority < 1 || priority > 10 {
		priority = DefaultPriority
	}
	return &Message{
		ID:               uuid.NewString(),
		From:             from,
		To:               to,
		Kind:             kind,
		Payload:          payload,
		Timestamp:        time.Now(),
		RequiresResponse: requiresResponse,
		Priority:         priority,
	}
}
