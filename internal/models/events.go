package models

import (
	"strconv"
	"time"
)

// Conversation topic events.
const (
	EventMessage         = "message"
	EventMessageEdited   = "message-edited"
	EventMessageDeleted  = "message-deleted"
	EventReactionUpdated = "reaction-updated"
	EventTyping          = "typing"
	EventMessagesRead    = "messages-read"
)

// Per-user notification topic events.
const (
	EventNotification  = "notification"
	EventUnreadUpdated = "unread-updated"
)

// Presence topic events.
const (
	EventPresenceEnter    = "enter"
	EventPresenceLeave    = "leave"
	EventPresenceSnapshot = "presence-snapshot"
)

// PresenceTopic is the single shared presence topic.
const PresenceTopic = "presence"

// ConversationTopic names the fan-out topic of a conversation.
func ConversationTopic(conversationID int) string {
	return "conversation:" + strconv.Itoa(conversationID)
}

// NotificationTopic names the personal notification topic of a user.
func NotificationTopic(userID int) string {
	return "notifications:" + strconv.Itoa(userID)
}

// MessageEditedPayload carries the new content of an edited message.
type MessageEditedPayload struct {
	ConversationID int    `json:"conversation_id"`
	MessageID      int    `json:"message_id"`
	Content        string `json:"content"`
}

// MessageDeletedPayload identifies a message deleted for everyone.
type MessageDeletedPayload struct {
	ConversationID int `json:"conversation_id"`
	MessageID      int `json:"message_id"`
}

// ReactionUpdatedPayload is an authoritative snapshot, never a delta.
type ReactionUpdatedPayload struct {
	ConversationID int       `json:"conversation_id"`
	MessageID      int       `json:"message_id"`
	Reactions      Reactions `json:"reactions"`
}

// TypingSignal is ephemeral and superseded by every newer signal.
type TypingSignal struct {
	ConversationID int  `json:"conversation_id"`
	SenderID       int  `json:"sender_id"`
	IsTyping       bool `json:"is_typing"`
}

// MessagesReadPayload means everything up to ReadAt is read by ReaderID.
type MessagesReadPayload struct {
	ConversationID int       `json:"conversation_id"`
	ReaderID       int       `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

// NotificationPayload wakes badges of a user not viewing the conversation.
// At is the conversation activity time the count belongs to.
type NotificationPayload struct {
	ConversationID int       `json:"conversation_id"`
	MessageID      int       `json:"message_id"`
	SenderID       int       `json:"sender_id"`
	Preview        string    `json:"preview"`
	Unread         int       `json:"unread"`
	At             time.Time `json:"at"`
}

// UnreadUpdatedPayload carries the authoritative unread count of a
// conversation. At is never earlier than the last counted message.
type UnreadUpdatedPayload struct {
	ConversationID int       `json:"conversation_id"`
	Unread         int       `json:"unread"`
	At             time.Time `json:"at"`
}

// PresenceEntry is the ephemeral presence state of a user.
type PresenceEntry struct {
	UserID   int        `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
