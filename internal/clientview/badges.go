package clientview

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dm-service/internal/models"
	"dm-service/internal/pubsub"
)

// Badges keeps per-conversation unread counts from the user's notification
// topic. Each count is stamped with the activity time it belongs to, and a
// count older than the one held is ignored, so redelivered events cannot
// bring back a cleared badge.
type Badges struct {
	log *slog.Logger

	mu     sync.Mutex
	unread map[int]int
	stamps map[int]badgeStamp
}

// badgeStamp orders counts. On equal times a read clears wins over a
// notification.
type badgeStamp struct {
	at   time.Time
	read bool
}

// NewBadges creates an empty badge set. log may be nil.
func NewBadges(log *slog.Logger) *Badges {
	if log == nil {
		log = slog.Default()
	}
	return &Badges{
		log:    log,
		unread: make(map[int]int),
		stamps: make(map[int]badgeStamp),
	}
}

// Seed installs counts from a conversation list fetch.
func (b *Badges) Seed(summaries []models.ConversationSummary) {
	for _, s := range summaries {
		at := s.UpdatedAt
		if s.LastReadAt != nil && s.LastReadAt.After(at) {
			at = *s.LastReadAt
		}
		b.setUnread(s.ConversationID, s.Unread, badgeStamp{at: at, read: true})
	}
}

func (b *Badges) Apply(ev pubsub.Event) error {
	switch ev.Name {
	case models.EventNotification:
		var p models.NotificationPayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		b.setUnread(p.ConversationID, p.Unread, badgeStamp{at: p.At})
	case models.EventUnreadUpdated:
		var p models.UnreadUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		b.setUnread(p.ConversationID, p.Unread, badgeStamp{at: p.At, read: true})
	}
	return nil
}

func (b *Badges) Attach(topic pubsub.Topic) (pubsub.Subscription, error) {
	return topic.Subscribe(func(ev pubsub.Event) {
		if err := b.Apply(ev); err != nil {
			b.log.Warn("clientview.badges.apply.fail", "topic", ev.Topic, "event", ev.Name, "err", err)
		}
	})
}

func (b *Badges) setUnread(conversationID, unread int, stamp badgeStamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.stamps[conversationID]; ok && stamp.older(cur) {
		return
	}
	b.unread[conversationID] = unread
	b.stamps[conversationID] = stamp
}

func (s badgeStamp) older(than badgeStamp) bool {
	if s.at.Equal(than.at) {
		return than.read && !s.read
	}
	return s.at.Before(than.at)
}

func (b *Badges) Unread(conversationID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread[conversationID]
}

// Total sums unread counts across conversations.
func (b *Badges) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.unread {
		total += n
	}
	return total
}
