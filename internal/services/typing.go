package services

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// typingThrottle allows one "is typing" signal per interval for each
// (conversation, sender) pair.
type typingThrottle struct {
	mu        sync.Mutex
	interval  time.Duration
	limiters  map[string]*typingEntry
	lastPrune time.Time
}

type typingEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// pruneEvery bounds how often allow walks the map. An entry idle for a
// full interval has a refilled bucket, so dropping it changes nothing.
const pruneEvery = time.Minute

func newTypingThrottle(interval time.Duration) *typingThrottle {
	return &typingThrottle{
		interval: interval,
		limiters: make(map[string]*typingEntry),
	}
}

func typingKey(conversationID, senderID int) string {
	return strconv.Itoa(conversationID) + ":" + strconv.Itoa(senderID)
}

func (t *typingThrottle) allow(conversationID, senderID int, now time.Time) bool {
	if t.interval <= 0 {
		return true
	}
	key := typingKey(conversationID, senderID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastPrune) >= pruneEvery {
		t.pruneLocked(now)
		t.lastPrune = now
	}
	e, ok := t.limiters[key]
	if !ok {
		e = &typingEntry{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.limiters[key] = e
	}
	e.lastUsed = now
	return e.limiter.AllowN(now, 1)
}

// pruneLocked drops pairs that have been quiet for at least one interval.
func (t *typingThrottle) pruneLocked(now time.Time) int {
	n := 0
	for key, e := range t.limiters {
		if now.Sub(e.lastUsed) >= t.interval {
			delete(t.limiters, key)
			n++
		}
	}
	return n
}

// size reports how many pairs are tracked.
func (t *typingThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// reset forgets the pair so the next start signal passes immediately.
func (t *typingThrottle) reset(conversationID, senderID int) {
	t.mu.Lock()
	delete(t.limiters, typingKey(conversationID, senderID))
	t.mu.Unlock()
}
