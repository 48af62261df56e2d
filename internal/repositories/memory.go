package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"dm-service/internal/models"
)

// MemoryStore is a dev-only fallback used when no database is configured.
// It implements ConversationRepository, MessageRepository and UserRepository.
// Unknown users resolve as active unless deactivated.
type MemoryStore struct {
	mu sync.Mutex

	now func() time.Time

	nextConvID int
	nextMsgID  int
	convs      map[int]*models.Conversation
	pairs      map[[2]int]int
	msgs       map[int]*models.Message
	byConv     map[int][]int

	inactive map[int]bool
	lastSeen map[int]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		convs:    make(map[int]*models.Conversation),
		pairs:    make(map[[2]int]int),
		msgs:     make(map[int]*models.Message),
		byConv:   make(map[int][]int),
		inactive: make(map[int]bool),
		lastSeen: make(map[int]time.Time),
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// DeactivateUser makes userID stop resolving as an active account.
func (s *MemoryStore) DeactivateUser(userID int) {
	s.mu.Lock()
	s.inactive[userID] = true
	s.mu.Unlock()
}

func (s *MemoryStore) CreateOrGetConversation(ctx context.Context, userID int, peerID int) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	if userID == peerID {
		return models.Conversation{}, ErrSelfConversation
	}
	user1, user2 := models.SortedPair(userID, peerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[[2]int{user1, user2}]; ok {
		return *s.convs[id], nil
	}
	s.nextConvID++
	now := s.now()
	conv := &models.Conversation{ID: s.nextConvID, User1ID: user1, User2ID: user2, UpdatedAt: now, CreatedAt: now}
	s.convs[conv.ID] = conv
	s.pairs[[2]int{user1, user2}] = conv.ID
	return *conv, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return *conv, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conv := range s.convs {
		if conv.HasParticipant(userID) {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID int, readerID int, at time.Time) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	readAt := at
	switch readerID {
	case conv.User1ID:
		conv.User1Unread = 0
		conv.User1LastReadAt = &readAt
	case conv.User2ID:
		conv.User2Unread = 0
		conv.User2LastReadAt = &readAt
	default:
		return models.Conversation{}, ErrConversationNotFound
	}
	return *conv, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (models.Message, models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[in.ConversationID]
	if !ok || !conv.HasParticipant(in.RecipientID) {
		return models.Message{}, models.Conversation{}, ErrConversationNotFound
	}

	s.nextMsgID++
	msg := &models.Message{
		ID:             s.nextMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Reactions:      models.Reactions{},
		ReadBy:         models.ReadReceipts{},
		CreatedAt:      s.now(),
	}
	if in.Attachment != nil {
		att := *in.Attachment
		msg.Attachment = &att
	}
	if in.ReplyTo != nil {
		reply := *in.ReplyTo
		msg.ReplyTo = &reply
	}
	s.msgs[msg.ID] = msg
	s.byConv[in.ConversationID] = append(s.byConv[in.ConversationID], msg.ID)

	if in.RecipientID == conv.User1ID {
		conv.User1Unread++
	} else {
		conv.User2Unread++
	}
	conv.LastMessagePreview = models.Preview(in.Content, in.Attachment)
	conv.UpdatedAt = msg.CreatedAt
	return cloneMessage(msg), *conv, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) UpdateContent(ctx context.Context, messageID int, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.DeletedForEveryone {
		return ErrMessageDeleted
	}
	msg.Content = content
	msg.Edited = true
	return nil
}

func (s *MemoryStore) MarkDeletedForEveryone(ctx context.Context, messageID int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	if msg.DeletedForEveryone {
		return false, nil
	}
	msg.DeletedForEveryone = true
	return true, nil
}

func (s *MemoryStore) ToggleReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if msg.DeletedForEveryone {
		return nil, ErrMessageDeleted
	}
	msg.Reactions = msg.Reactions.Toggle(userID, emoji)
	return append(models.Reactions{}, msg.Reactions...), nil
}

func (s *MemoryStore) AddReader(ctx context.Context, conversationID int, readerID int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, id := range s.byConv[conversationID] {
		msg := s.msgs[id]
		if msg.SenderID == readerID || msg.ReadBy.Contains(readerID) {
			continue
		}
		msg.ReadBy = msg.ReadBy.Add(readerID)
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) ListPage(ctx context.Context, q HistoryQuery) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]models.Message, 0, len(s.byConv[q.ConversationID]))
	for _, id := range s.byConv[q.ConversationID] {
		all = append(all, cloneMessage(s.msgs[id]))
	}
	models.SortMessages(all)

	end := len(all)
	if q.AnchorID > 0 {
		anchor, ok := s.msgs[q.AnchorID]
		if !ok || anchor.ConversationID != q.ConversationID {
			return []models.Message{}, nil
		}
		end = sort.Search(len(all), func(i int) bool { return anchor.Before(all[i]) })
	}

	end -= q.Offset()
	if end <= 0 {
		return []models.Message{}, nil
	}
	start := end - q.PageSize
	if start < 0 {
		start = 0
	}
	return append([]models.Message(nil), all[start:end]...), nil
}

func (s *MemoryStore) AreActive(ctx context.Context, ids ...int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id <= 0 || s.inactive[id] {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) UpdateLastSeen(ctx context.Context, userID int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSeen[userID] = at
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetLastSeen(ctx context.Context, userID int) (*time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.lastSeen[userID]
	if !ok {
		return nil, nil
	}
	return &seen, nil
}

func cloneMessage(m *models.Message) models.Message {
	out := *m
	out.Reactions = append(models.Reactions{}, m.Reactions...)
	out.ReadBy = append(models.ReadReceipts{}, m.ReadBy...)
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	if m.ReplyTo != nil {
		reply := *m.ReplyTo
		out.ReplyTo = &reply
	}
	return out
}

var (
	_ ConversationRepository = (*MemoryStore)(nil)
	_ MessageRepository      = (*MemoryStore)(nil)
	_ UserRepository         = (*MemoryStore)(nil)
	_ ConversationRepository = (*ConversationRepo)(nil)
	_ MessageRepository      = (*MessageRepo)(nil)
	_ UserRepository         = (*UserRepo)(nil)
)
