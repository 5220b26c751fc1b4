package chatsync

import (
	"time"
)

// ============================================================================
// Domain model
// ============================================================================

// ChatKind distinguishes direct (two-party) chats from group chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// DeliveryStatus tracks a message through its local lifecycle.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// rank orders statuses by advancement. A merge never moves a message to a
// lower-ranked status; failed sits outside the progression and only ever
// replaces pending.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Chat is a conversation the local user participates in.
type Chat struct {
	ID           string   `json:"id"`
	Kind         ChatKind `json:"kind"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants,omitempty"`
	LastMessage  *Message `json:"last_message,omitempty"`
	UnreadCount  int      `json:"unread_count"`
}

// Message is a single chat entry. ID is server-assigned and may be empty for
// an optimistic entry that has not been acknowledged yet; ClientID is the
// locally generated temp id used for reconciliation.
type Message struct {
	ID          string         `json:"id,omitempty"`
	ClientID    string         `json:"client_id,omitempty"`
	ChatID      string         `json:"chat_id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Content     string         `json:"content"`
	Attachments []string       `json:"attachments,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      DeliveryStatus `json:"status,omitempty"`
}

// before reports the display order: created_at ascending, id as tie-break.
func (m *Message) before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// ============================================================================
// Wire payloads
// ============================================================================

// TextPayload carries a chat message over the live channel.
type TextPayload struct {
	ChatID  string  `json:"chat_id,omitempty"`
	Message Message `json:"message"`
}

// ReadReceiptPayload announces that UserID has read ChatID up to now.
type ReadReceiptPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// TypingPayload signals typing activity. The store ignores it; it exists for
// UI consumers riding the same transport.
type TypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// PingPayload is the heartbeat probe body.
type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is a server-side error pushed over the live channel.
type ErrorPayload struct {
	Message string `json:"message"`
}
