package clientview

import (
	"context"
	"errors"
	"sync"

	"dm-service/internal/models"
)

var ErrFetchInFlight = errors.New("history fetch already in flight")

// PageFetcher loads one history page counted back from the newest message.
// A non-zero anchorID pins the window.
type PageFetcher func(ctx context.Context, page, pageSize, anchorID int) ([]models.Message, error)

// HistoryLoader drives backward pagination for a ConversationView. At most
// one fetch runs at a time.
type HistoryLoader struct {
	view     *ConversationView
	fetch    PageFetcher
	pageSize int

	mu       sync.Mutex
	anchorID int
	nextPage int
	hasMore  bool
	inFlight bool
}

func NewHistoryLoader(view *ConversationView, fetch PageFetcher, pageSize int) *HistoryLoader {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &HistoryLoader{view: view, fetch: fetch, pageSize: pageSize, nextPage: 1, hasMore: true}
}

// Open loads the newest page and pins the anchor to its newest message.
func (l *HistoryLoader) Open(ctx context.Context) error {
	if err := l.acquire(); err != nil {
		return err
	}
	defer l.release()

	msgs, err := l.fetch(ctx, 1, l.pageSize, 0)
	if err != nil {
		return err
	}
	l.view.Load(msgs)

	l.mu.Lock()
	l.anchorID = l.view.NewestID()
	l.nextPage = 2
	l.hasMore = len(msgs) == l.pageSize
	l.mu.Unlock()
	return nil
}

// LoadOlder prepends the next older page and returns how many messages were
// added. It returns ErrFetchInFlight while another fetch runs.
func (l *HistoryLoader) LoadOlder(ctx context.Context) (int, error) {
	if err := l.acquire(); err != nil {
		return 0, err
	}
	defer l.release()

	l.mu.Lock()
	page, anchor, more := l.nextPage, l.anchorID, l.hasMore
	l.mu.Unlock()
	if !more {
		return 0, nil
	}

	msgs, err := l.fetch(ctx, page, l.pageSize, anchor)
	if err != nil {
		return 0, err
	}
	added := l.view.Prepend(msgs)

	l.mu.Lock()
	l.nextPage = page + 1
	l.hasMore = len(msgs) == l.pageSize
	l.mu.Unlock()
	return added, nil
}

// HasMore is false once a short page came back.
func (l *HistoryLoader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

func (l *HistoryLoader) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight {
		return ErrFetchInFlight
	}
	l.inFlight = true
	return nil
}

func (l *HistoryLoader) release() {
	l.mu.Lock()
	l.inFlight = false
	l.mu.Unlock()
}

// ScrollAnchor returns the scroll offset that keeps the same content in view
// after older messages grew the content from prevHeight to newHeight.
func ScrollAnchor(prevOffset, prevHeight, newHeight float64) float64 {
	return prevOffset + (newHeight - prevHeight)
}
