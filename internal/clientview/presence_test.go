package clientview

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/logging"
	"dm-service/internal/models"
	"dm-service/internal/pubsub"
)

func presenceEvent(t *testing.T, name string, payload any) pubsub.Event {
	t.Helper()
	ev, err := pubsub.NewEvent(models.PresenceTopic, name, payload)
	require.NoError(t, err)
	return ev
}

func TestPresenceReplayThenDeltas(t *testing.T) {
	p := NewPresenceSet(logging.Discard())
	var changes []models.PresenceEntry
	cancel := p.Observe(func(e models.PresenceEntry) { changes = append(changes, e) })
	defer cancel()

	seen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.Apply(presenceEvent(t, models.EventPresenceSnapshot, []models.PresenceEntry{
		{UserID: 1, Online: true},
		{UserID: 2, LastSeen: &seen},
	})))
	assert.Equal(t, []int{1}, p.Online())
	require.NotNil(t, p.LastSeen(2))

	enter := presenceEvent(t, models.EventPresenceEnter, models.PresenceEntry{UserID: 2, Online: true})
	require.NoError(t, p.Apply(enter))
	require.NoError(t, p.Apply(enter))
	assert.Equal(t, []int{1, 2}, p.Online())
	assert.Nil(t, p.LastSeen(2))

	left := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	leave := presenceEvent(t, models.EventPresenceLeave, models.PresenceEntry{UserID: 1, LastSeen: &left})
	require.NoError(t, p.Apply(leave))
	require.NoError(t, p.Apply(leave))
	assert.False(t, p.IsOnline(1))
	require.NotNil(t, p.LastSeen(1))
	assert.True(t, p.LastSeen(1).Equal(left))

	assert.Len(t, changes, 4)
}

func TestPresenceReplayDropsMissingUsers(t *testing.T) {
	p := NewPresenceSet(logging.Discard())
	p.Replay([]models.PresenceEntry{{UserID: 1, Online: true}, {UserID: 3, Online: true}})
	p.Replay([]models.PresenceEntry{{UserID: 3, Online: true}})
	assert.Equal(t, []int{3}, p.Online())
	assert.False(t, p.IsOnline(1))
}

func notificationEvent(t *testing.T, name string, payload any) pubsub.Event {
	t.Helper()
	ev, err := pubsub.NewEvent(models.NotificationTopic(me), name, payload)
	require.NoError(t, err)
	return ev
}

func TestBadgesTrackAuthoritativeCounts(t *testing.T) {
	b := NewBadges(logging.Discard())
	b.Seed([]models.ConversationSummary{
		{ConversationID: 1, Unread: 2, UpdatedAt: base},
		{ConversationID: 2, Unread: 1, UpdatedAt: base},
	})

	note := notificationEvent(t, models.EventNotification, models.NotificationPayload{ConversationID: 1, Unread: 3, At: base.Add(time.Second)})
	require.NoError(t, b.Apply(note))
	require.NoError(t, b.Apply(note))
	assert.Equal(t, 3, b.Unread(1))

	cleared := notificationEvent(t, models.EventUnreadUpdated, models.UnreadUpdatedPayload{ConversationID: 2, At: base.Add(time.Second)})
	require.NoError(t, b.Apply(cleared))
	assert.Equal(t, 0, b.Unread(2))
	assert.Equal(t, 3, b.Total())
}

func TestBadgesIgnoreRedeliveredOlderCounts(t *testing.T) {
	b := NewBadges(logging.Discard())
	sent := base.Add(time.Minute)

	note := notificationEvent(t, models.EventNotification, models.NotificationPayload{ConversationID: 4, Unread: 3, At: sent})
	read := notificationEvent(t, models.EventUnreadUpdated, models.UnreadUpdatedPayload{ConversationID: 4, Unread: 0, At: sent})

	require.NoError(t, b.Apply(note))
	require.NoError(t, b.Apply(read))
	require.NoError(t, b.Apply(note))
	assert.Equal(t, 0, b.Unread(4))

	// a message after the read counts again
	next := notificationEvent(t, models.EventNotification, models.NotificationPayload{ConversationID: 4, Unread: 1, At: sent.Add(time.Second)})
	require.NoError(t, b.Apply(next))
	require.NoError(t, b.Apply(read))
	assert.Equal(t, 1, b.Unread(4))
}

func TestBadgesSeedDoesNotResurrectReadCount(t *testing.T) {
	b := NewBadges(logging.Discard())
	readAt := base.Add(time.Hour)
	b.Seed([]models.ConversationSummary{{ConversationID: 5, Unread: 0, UpdatedAt: base, LastReadAt: &readAt}})

	stale := notificationEvent(t, models.EventNotification, models.NotificationPayload{ConversationID: 5, Unread: 2, At: base})
	require.NoError(t, b.Apply(stale))
	assert.Equal(t, 0, b.Unread(5))
}

func TestAttachLogsUndecodableEvents(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithWriter(&buf, "warn")
	broker := pubsub.NewMemoryBroker(logging.Discard())

	badges := NewBadges(log)
	sub, err := badges.Attach(broker.Topic(models.NotificationTopic(me)))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	set := NewPresenceSet(log)
	psub, err := set.Attach(broker.Topic(models.PresenceTopic))
	require.NoError(t, err)
	defer psub.Unsubscribe()

	ctx := context.Background()
	require.NoError(t, broker.Topic(models.NotificationTopic(me)).Publish(ctx, models.EventUnreadUpdated, "not an object"))
	require.NoError(t, broker.Topic(models.PresenceTopic).Publish(ctx, models.EventPresenceEnter, []int{1}))

	assert.Contains(t, buf.String(), "clientview.badges.apply.fail")
	assert.Contains(t, buf.String(), "clientview.presence.apply.fail")
}
