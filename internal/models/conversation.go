package models

import "time"

// Conversation is the unique direct channel between exactly two users.
// Participants are stored sorted so the pair maps to a single row.
type Conversation struct {
	ID                 int        `db:"id" json:"id"`
	User1ID            int        `db:"user1_id" json:"user1_id"`
	User2ID            int        `db:"user2_id" json:"user2_id"`
	User1LastReadAt    *time.Time `db:"user1_last_read_at" json:"user1_last_read_at,omitempty"`
	User2LastReadAt    *time.Time `db:"user2_last_read_at" json:"user2_last_read_at,omitempty"`
	User1Unread        int        `db:"user1_unread" json:"user1_unread"`
	User2Unread        int        `db:"user2_unread" json:"user2_unread"`
	LastMessagePreview string     `db:"last_message_preview" json:"last_message_preview"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// ConversationSummary is the per-user view of a conversation.
type ConversationSummary struct {
	ConversationID     int        `json:"conversation_id"`
	PeerID             int        `json:"peer_id"`
	Unread             int        `json:"unread"`
	LastReadAt         *time.Time `json:"last_read_at,omitempty"`
	LastMessagePreview string     `json:"last_message_preview"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SortedPair orders two user ids the way conversations store them.
func SortedPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Peer returns the other participant. It returns 0 for non-participants.
func (c Conversation) Peer(userID int) int {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return 0
}

// UnreadFor returns the unread counter of the given participant.
func (c Conversation) UnreadFor(userID int) int {
	switch userID {
	case c.User1ID:
		return c.User1Unread
	case c.User2ID:
		return c.User2Unread
	}
	return 0
}

// LastReadFor returns the last read timestamp of the given participant.
func (c Conversation) LastReadFor(userID int) *time.Time {
	switch userID {
	case c.User1ID:
		return c.User1LastReadAt
	case c.User2ID:
		return c.User2LastReadAt
	}
	return nil
}

// SummaryFor projects the conversation for one participant.
func (c Conversation) SummaryFor(userID int) ConversationSummary {
	return ConversationSummary{
		ConversationID:     c.ID,
		PeerID:             c.Peer(userID),
		Unread:             c.UnreadFor(userID),
		LastReadAt:         c.LastReadFor(userID),
		LastMessagePreview: c.LastMessagePreview,
		UpdatedAt:          c.UpdatedAt,
	}
}
