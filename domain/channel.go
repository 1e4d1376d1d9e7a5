package domain

import "time"

// ChannelKind is the routing lane a message travels on.
type ChannelKind string

const (
	ChannelDownchain ChannelKind = "downchain"
	ChannelUpchain   ChannelKind = "upchain"
	ChannelPeer      ChannelKind = "peer"
	ChannelBroadcast ChannelKind = "broadcast"
)

// MessageStatus tracks delivery lifecycle.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// MessagePriority reuses the hook's priority scale so urgent escalations
// (e.g. upchain retries-exhausted notices) can be distinguished from
// routine status reports.
type MessagePriority = Priority

// Message is one typed, routed communication between agents.
type Message struct {
	ID          string        `json:"id"`
	ChannelType ChannelKind   `json:"channel_type"`
	Sender      string        `json:"sender"`
	Recipients  []string      `json:"recipients,omitempty"`
	AudienceSelector string   `json:"audience_selector,omitempty"` // broadcast only
	Subject     string        `json:"subject"`
	Body        string        `json:"body"`
	Priority    MessagePriority `json:"priority"`
	Status      MessageStatus `json:"status"`
	InReplyTo   string        `json:"in_reply_to,omitempty"`
	ThreadID    string        `json:"thread_id,omitempty"`

	SentAt      time.Time  `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}
