// Package presence tracks which users hold at least one live connection.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/pubsub"
)

// LastSeenStore persists the last-seen stamp written on the final disconnect.
type LastSeenStore interface {
	UpdateLastSeen(ctx context.Context, userID int, at time.Time) error
	GetLastSeen(ctx context.Context, userID int) (*time.Time, error)
}

// Observer is notified after every online/offline transition.
type Observer func(models.PresenceEntry)

// Tracker is the process-local presence state. A user is online while any of
// their connections is alive; each connection must heartbeat within Timeout
// or the sweeper treats it as an ungraceful disconnect.
type Tracker struct {
	log     *slog.Logger
	topic   pubsub.Topic
	store   LastSeenStore
	timeout time.Duration

	// transMu orders whole enter/leave transitions, including the store
	// write and publish, so subscribers see them in state order. It is
	// taken before mu. Observers must not call Enter or Leave.
	transMu sync.Mutex

	mu        sync.Mutex
	conns     map[int]map[string]time.Time
	lastSeen  map[int]time.Time
	observers map[uint64]Observer
	nextObs   uint64
}

// NewTracker constructs a Tracker. topic and store may be nil.
func NewTracker(log *slog.Logger, topic pubsub.Topic, store LastSeenStore, timeout time.Duration) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:       log,
		topic:     topic,
		store:     store,
		timeout:   timeout,
		conns:     make(map[int]map[string]time.Time),
		lastSeen:  make(map[int]time.Time),
		observers: make(map[uint64]Observer),
	}
}

// Enter registers a connection. It reports whether the user came online.
func (t *Tracker) Enter(ctx context.Context, userID int, connID string, now time.Time) bool {
	t.transMu.Lock()
	defer t.transMu.Unlock()

	t.mu.Lock()
	userConns, ok := t.conns[userID]
	if !ok {
		userConns = make(map[string]time.Time)
		t.conns[userID] = userConns
	}
	userConns[connID] = now
	cameOnline := !ok
	online := len(t.conns)
	t.mu.Unlock()

	if !cameOnline {
		return false
	}
	observability.SetPresenceOnline(online)
	t.log.Debug("presence.enter", "user_id", userID, "conn_id", connID)
	t.transition(ctx, models.EventPresenceEnter, models.PresenceEntry{UserID: userID, Online: true})
	return true
}

// Leave removes a connection. It reports whether the user went offline.
func (t *Tracker) Leave(ctx context.Context, userID int, connID string, now time.Time) bool {
	t.transMu.Lock()
	defer t.transMu.Unlock()

	t.mu.Lock()
	userConns, ok := t.conns[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if _, ok := userConns[connID]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(userConns, connID)
	if len(userConns) > 0 {
		t.mu.Unlock()
		return false
	}
	delete(t.conns, userID)
	t.lastSeen[userID] = now
	online := len(t.conns)
	t.mu.Unlock()

	observability.SetPresenceOnline(online)
	if t.store != nil {
		if err := t.store.UpdateLastSeen(ctx, userID, now); err != nil {
			t.log.Warn("presence.last_seen.fail", "user_id", userID, "err", err)
		}
	}
	seen := now
	t.log.Debug("presence.leave", "user_id", userID, "conn_id", connID)
	t.transition(ctx, models.EventPresenceLeave, models.PresenceEntry{UserID: userID, Online: false, LastSeen: &seen})
	return true
}

// Heartbeat renews a connection. It reports whether the connection is known.
func (t *Tracker) Heartbeat(userID int, connID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	userConns, ok := t.conns[userID]
	if !ok {
		return false
	}
	if _, ok := userConns[connID]; !ok {
		return false
	}
	userConns[connID] = now
	return true
}

// Sweep drops connections whose last heartbeat is older than the timeout and
// returns how many users went offline as a result.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) int {
	type stale struct {
		userID int
		connID string
	}
	var expired []stale

	t.mu.Lock()
	for userID, userConns := range t.conns {
		for connID, beat := range userConns {
			if now.Sub(beat) > t.timeout {
				expired = append(expired, stale{userID: userID, connID: connID})
			}
		}
	}
	t.mu.Unlock()

	offline := 0
	for _, s := range expired {
		t.log.Info("presence.sweep.expired", "user_id", s.userID, "conn_id", s.connID)
		if t.Leave(ctx, s.userID, s.connID, now) {
			offline++
		}
	}
	return offline
}

// IsOnline reports whether userID holds a live connection.
func (t *Tracker) IsOnline(userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[userID]
	return ok
}

// LastSeen returns when userID last went offline, or nil when unknown or
// currently online.
func (t *Tracker) LastSeen(ctx context.Context, userID int) (*time.Time, error) {
	t.mu.Lock()
	_, online := t.conns[userID]
	seen, known := t.lastSeen[userID]
	t.mu.Unlock()

	if online {
		return nil, nil
	}
	if known {
		return &seen, nil
	}
	if t.store == nil {
		return nil, nil
	}
	return t.store.GetLastSeen(ctx, userID)
}

// Snapshot lists every user this tracker knows about, ordered by id.
func (t *Tracker) Snapshot() []models.PresenceEntry {
	t.mu.Lock()
	out := make([]models.PresenceEntry, 0, len(t.conns)+len(t.lastSeen))
	for userID := range t.conns {
		out = append(out, models.PresenceEntry{UserID: userID, Online: true})
	}
	for userID, seen := range t.lastSeen {
		if _, online := t.conns[userID]; online {
			continue
		}
		seen := seen
		out = append(out, models.PresenceEntry{UserID: userID, LastSeen: &seen})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Observe registers fn for transitions and returns a cancel func.
func (t *Tracker) Observe(fn Observer) func() {
	t.mu.Lock()
	t.nextObs++
	id := t.nextObs
	t.observers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) transition(ctx context.Context, event string, entry models.PresenceEntry) {
	t.mu.Lock()
	ids := make([]uint64, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, t.observers[id])
	}
	t.mu.Unlock()

	for _, fn := range observers {
		fn(entry)
	}

	if t.topic == nil {
		return
	}
	if err := t.topic.Publish(ctx, event, entry); err != nil {
		observability.IncFanoutFailure(event)
		t.log.Warn("presence.publish.fail", "event", event, "user_id", entry.UserID, "err", err)
	}
}

// StartSweeper runs Sweep on a cron schedule until the returned stop func is
// called.
func (t *Tracker) StartSweeper(every time.Duration) (func(), error) {
	if every <= 0 {
		return nil, fmt.Errorf("presence sweep interval must be positive, got %s", every)
	}
	c := cron.New()
	_, err := c.AddFunc("@every "+every.String(), func() {
		if n := t.Sweep(context.Background(), time.Now().UTC()); n > 0 {
			t.log.Info("presence.sweep", "offline", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
