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

// PresenceSet is the client's derived view of who is online: a snapshot
// replayed at subscribe time plus enter/leave deltas.
type PresenceSet struct {
	log *slog.Logger

	mu        sync.Mutex
	entries   map[int]models.PresenceEntry
	observers map[int]func(models.PresenceEntry)
	nextObs   int
}

// NewPresenceSet creates an empty set. log may be nil.
func NewPresenceSet(log *slog.Logger) *PresenceSet {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceSet{
		log:       log,
		entries:   make(map[int]models.PresenceEntry),
		observers: make(map[int]func(models.PresenceEntry)),
	}
}

// Replay resets state to snapshot. Users missing from the snapshot go offline.
func (p *PresenceSet) Replay(snapshot []models.PresenceEntry) {
	p.mu.Lock()
	next := make(map[int]models.PresenceEntry, len(snapshot))
	for _, e := range snapshot {
		next[e.UserID] = e
	}
	var changed []models.PresenceEntry
	for id, old := range p.entries {
		if _, ok := next[id]; !ok && old.Online {
			off := models.PresenceEntry{UserID: id, LastSeen: old.LastSeen}
			next[id] = off
			changed = append(changed, off)
		}
	}
	for id, e := range next {
		if old, ok := p.entries[id]; !ok || old.Online != e.Online {
			changed = append(changed, e)
		}
	}
	p.entries = next
	observers := p.observersLocked()
	p.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].UserID < changed[j].UserID })
	for _, e := range changed {
		for _, fn := range observers {
			fn(e)
		}
	}
}

// Apply handles one presence topic event.
func (p *PresenceSet) Apply(ev pubsub.Event) error {
	switch ev.Name {
	case models.EventPresenceSnapshot:
		var snap []models.PresenceEntry
		if err := ev.Decode(&snap); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		p.Replay(snap)
		return nil
	case models.EventPresenceEnter, models.EventPresenceLeave:
		var e models.PresenceEntry
		if err := ev.Decode(&e); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Name, err)
		}
		e.Online = ev.Name == models.EventPresenceEnter
		p.set(e)
	}
	return nil
}

// Attach subscribes the set to a presence topic.
func (p *PresenceSet) Attach(topic pubsub.Topic) (pubsub.Subscription, error) {
	return topic.Subscribe(func(ev pubsub.Event) {
		if err := p.Apply(ev); err != nil {
			p.log.Warn("clientview.presence.apply.fail", "topic", ev.Topic, "event", ev.Name, "err", err)
		}
	})
}

func (p *PresenceSet) set(e models.PresenceEntry) {
	p.mu.Lock()
	old, ok := p.entries[e.UserID]
	if e.Online && e.LastSeen == nil && ok {
		e.LastSeen = old.LastSeen
	}
	p.entries[e.UserID] = e
	if ok && old.Online == e.Online {
		p.mu.Unlock()
		return
	}
	observers := p.observersLocked()
	p.mu.Unlock()

	for _, fn := range observers {
		fn(e)
	}
}

func (p *PresenceSet) IsOnline(userID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[userID].Online
}

func (p *PresenceSet) LastSeen(userID int) *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok || e.Online {
		return nil
	}
	return e.LastSeen
}

// Online lists online user ids in ascending order.
func (p *PresenceSet) Online() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.entries))
	for id, e := range p.entries {
		if e.Online {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Observe registers fn for online/offline changes and returns a cancel func.
func (p *PresenceSet) Observe(fn func(models.PresenceEntry)) func() {
	p.mu.Lock()
	p.nextObs++
	id := p.nextObs
	p.observers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

func (p *PresenceSet) observersLocked() []func(models.PresenceEntry) {
	ids := make([]int, 0, len(p.observers))
	for id := range p.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(models.PresenceEntry), 0, len(ids))
	for _, id := range ids {
		out = append(out, p.observers[id])
	}
	return out
}
