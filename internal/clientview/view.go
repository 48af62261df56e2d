// Package clientview is the client-side state of an open conversation. It
// applies fan-out events idempotently so redelivered or reordered events
// converge on the same state.
package clientview

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dm-service/internal/models"
	"dm-service/internal/pubsub"
)

// TypingTTL is how long a peer stays "typing" without a renewed signal.
const TypingTTL = 1500 * time.Millisecond

// Option configures a ConversationView.
type Option func(*ConversationView)

// WithClock overrides the time source used for typing expiry and echoes.
func WithClock(now func() time.Time) Option {
	return func(v *ConversationView) { v.now = now }
}

// WithLogger sets where events that fail to apply are reported.
func WithLogger(log *slog.Logger) Option {
	return func(v *ConversationView) { v.log = log }
}

// ConversationView holds the ordered, deduplicated messages of one
// conversation. Handlers run one at a time under mu.
type ConversationView struct {
	mu sync.Mutex

	conversationID int
	localUserID    int
	now            func() time.Time
	log            *slog.Logger

	messages []models.Message
	echoes   []models.Message
	nextTemp int

	peerTyping  bool
	typingUntil time.Time
}

// NewConversationView creates an empty view for localUserID.
func NewConversationView(conversationID, localUserID int, opts ...Option) *ConversationView {
	v := &ConversationView{
		conversationID: conversationID,
		localUserID:    localUserID,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	return v
}

func (v *ConversationView) ConversationID() int { return v.conversationID }

// Load merges the newest page into the window. Messages that arrived live
// while the page was in flight are kept.
func (v *ConversationView) Load(msgs []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range msgs {
		v.insertLocked(m)
	}
}

// Prepend merges an older page into the window and returns how many
// messages were new.
func (v *ConversationView) Prepend(msgs []models.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if v.insertLocked(m) {
			added++
		}
	}
	return added
}

// Messages returns confirmed messages oldest to newest followed by
// unconfirmed echoes.
func (v *ConversationView) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Message, 0, len(v.messages)+len(v.echoes))
	out = append(out, v.messages...)
	out = append(out, v.echoes...)
	return out
}

// Message returns a loaded message by id.
func (v *ConversationView) Message(id int) (models.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.indexLocked(id); i >= 0 {
		return v.messages[i], true
	}
	return models.Message{}, false
}

// NewestID returns the id of the newest confirmed message, or 0.
func (v *ConversationView) NewestID() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.messages) == 0 {
		return 0
	}
	return v.messages[len(v.messages)-1].ID
}

// PeerTyping reports whether the other participant is typing right now.
func (v *ConversationView) PeerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerTyping && v.now().Before(v.typingUntil)
}

// Attach subscribes the view to its conversation topic. Events that fail to
// decode are logged and skipped; the next re-sync repairs state.
func (v *ConversationView) Attach(topic pubsub.Topic) (pubsub.Subscription, error) {
	return topic.Subscribe(func(ev pubsub.Event) {
		if err := v.Apply(ev); err != nil {
			v.log.Warn("clientview.apply.fail", "conversation_id", v.conversationID, "event", ev.Name, "err", err)
		}
	})
}

// Apply handles one conversation topic event. Every handler is idempotent.
func (v *ConversationView) Apply(ev pubsub.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Name {
	case models.EventMessage:
		var msg models.Message
		if err := ev.Decode(&msg); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		if msg.ConversationID != v.conversationID {
			return nil
		}
		if msg.ClientKey != "" {
			v.dropEchoLocked(msg.ClientKey)
		}
		v.insertLocked(msg)

	case models.EventMessageEdited:
		var p models.MessageEditedPayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		if i := v.indexLocked(p.MessageID); i >= 0 && !v.messages[i].DeletedForEveryone {
			v.messages[i].Content = p.Content
			v.messages[i].Edited = true
		}

	case models.EventMessageDeleted:
		var p models.MessageDeletedPayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		if i := v.indexLocked(p.MessageID); i >= 0 {
			v.messages[i].DeletedForEveryone = true
			v.messages[i] = v.messages[i].Rendered()
		}

	case models.EventReactionUpdated:
		var p models.ReactionUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		if i := v.indexLocked(p.MessageID); i >= 0 && !v.messages[i].DeletedForEveryone {
			v.messages[i].Reactions = append(models.Reactions{}, p.Reactions...)
		}

	case models.EventTyping:
		var p models.TypingSignal
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		if p.ConversationID != v.conversationID || p.SenderID == v.localUserID {
			return nil
		}
		v.peerTyping = p.IsTyping
		v.typingUntil = v.now().Add(TypingTTL)

	case models.EventMessagesRead:
		var p models.MessagesReadPayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		if p.ConversationID != v.conversationID || p.ReaderID == v.localUserID {
			return nil
		}
		for i := range v.messages {
			m := &v.messages[i]
			if m.SenderID != v.localUserID || m.CreatedAt.After(p.ReadAt) {
				continue
			}
			m.ReadBy = m.ReadBy.Add(p.ReaderID)
		}
	}
	return nil
}

// insertLocked places msg at its sort position unless its id is present.
func (v *ConversationView) insertLocked(msg models.Message) bool {
	if v.indexLocked(msg.ID) >= 0 {
		return false
	}
	msg.ClientKey = ""
	msg.Reactions = append(models.Reactions{}, msg.Reactions...)
	msg.ReadBy = append(models.ReadReceipts{}, msg.ReadBy...)

	i := sort.Search(len(v.messages), func(i int) bool { return msg.Before(v.messages[i]) })
	v.messages = append(v.messages, models.Message{})
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = msg
	return true
}

func (v *ConversationView) indexLocked(id int) int {
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *ConversationView) dropEchoLocked(clientKey string) bool {
	for i := range v.echoes {
		if v.echoes[i].ClientKey == clientKey {
			v.echoes = append(v.echoes[:i], v.echoes[i+1:]...)
			return true
		}
	}
	return false
}
