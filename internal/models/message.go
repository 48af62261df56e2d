package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
)

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

const previewMaxRunes = 100

// Attachment references an already uploaded blob. Attachments never change
// after the message is created.
type Attachment struct {
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
}

// ReplyTo is a snapshot of the quoted message taken at reply time. It is not
// refreshed when the quoted message is edited or deleted.
type ReplyTo struct {
	MessageID int    `json:"message_id"`
	SenderID  int    `json:"sender_id"`
	Content   string `json:"content"`
}

// Message is a chat message in a direct conversation.
type Message struct {
	ID                 int          `json:"id"`
	ConversationID     int          `json:"conversation_id"`
	SenderID           int          `json:"sender_id"`
	Content            string       `json:"content"`
	Attachment         *Attachment  `json:"attachment,omitempty"`
	ReplyTo            *ReplyTo     `json:"reply_to,omitempty"`
	Reactions          Reactions    `json:"reactions"`
	ReadBy             ReadReceipts `json:"read_by"`
	Edited             bool         `json:"edited"`
	DeletedForEveryone bool         `json:"deleted_for_everyone"`
	CreatedAt          time.Time    `json:"created_at"`

	// ClientKey is echoed back to the sender's client on send. Not persisted.
	ClientKey string `json:"client_key,omitempty"`
}

// Before reports whether m sorts before other by (CreatedAt, ID).
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Rendered returns the tombstone projection of a deleted message. Live
// messages are returned unchanged.
func (m Message) Rendered() Message {
	if !m.DeletedForEveryone {
		return m
	}
	m.Content = ""
	m.Attachment = nil
	m.Reactions = Reactions{}
	m.ReplyTo = nil
	return m
}

// SortMessages orders messages oldest to newest.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

// Preview builds the conversation list preview for a message.
func Preview(content string, att *Attachment) string {
	text := content
	if text == "" && att != nil {
		switch att.Kind {
		case AttachmentImage:
			text = "[image]"
		default:
			text = "[file] " + att.FileName
		}
	}
	if utf8.RuneCountInString(text) <= previewMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewMaxRunes-1]) + "…"
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID int    `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// Reactions keeps insertion order and holds each (user, emoji) pair at most once.
type Reactions []Reaction

// Has reports whether the pair is present.
func (r Reactions) Has(userID int, emoji string) bool {
	for _, re := range r {
		if re.UserID == userID && re.Emoji == emoji {
			return true
		}
	}
	return false
}

// Toggle removes the pair when present and appends it otherwise. The receiver
// is not modified.
func (r Reactions) Toggle(userID int, emoji string) Reactions {
	out := make(Reactions, 0, len(r)+1)
	found := false
	for _, re := range r {
		if re.UserID == userID && re.Emoji == emoji {
			found = true
			continue
		}
		out = append(out, re)
	}
	if !found {
		out = append(out, Reaction{UserID: userID, Emoji: emoji})
	}
	return out
}

// Value stores reactions as a JSONB array.
func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan reads a JSONB array.
func (r *Reactions) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*r = Reactions{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("reactions: unsupported scan type %T", src)
	}
	out := Reactions{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*r = out
	return nil
}

// ReadReceipts is the grow-only set of users who acknowledged a message.
type ReadReceipts []int

// Contains reports whether userID already acknowledged.
func (r ReadReceipts) Contains(userID int) bool {
	for _, id := range r {
		if id == userID {
			return true
		}
	}
	return false
}

// Add returns the union of r and userID.
func (r ReadReceipts) Add(userID int) ReadReceipts {
	if r.Contains(userID) {
		return r
	}
	out := make(ReadReceipts, len(r), len(r)+1)
	copy(out, r)
	return append(out, userID)
}

// Value stores receipts as a Postgres INT[].
func (r ReadReceipts) Value() (driver.Value, error) {
	arr := make(pq.Int64Array, 0, len(r))
	for _, id := range r {
		arr = append(arr, int64(id))
	}
	return arr.Value()
}

// Scan reads a Postgres INT[].
func (r *ReadReceipts) Scan(src any) error {
	var arr pq.Int64Array
	if err := arr.Scan(src); err != nil {
		return err
	}
	out := make(ReadReceipts, 0, len(arr))
	for _, id := range arr {
		out = append(out, int(id))
	}
	*r = out
	return nil
}
