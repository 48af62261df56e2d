package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot create conversation with self")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGetConversation(ctx context.Context, userID int, peerID int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]models.Conversation, error)
	MarkRead(ctx context.Context, conversationID int, readerID int, at time.Time) (models.Conversation, error)
}

const conversationColumns = `id, user1_id, user2_id, user1_last_read_at, user2_last_read_at,
        user1_unread, user2_unread, last_message_preview, updated_at, created_at`

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateOrGetConversation returns the conversation of the pair, creating it
// on first use. Concurrent callers converge on the same row.
func (r *ConversationRepo) CreateOrGetConversation(ctx context.Context, userID int, peerID int) (models.Conversation, error) {
	if userID == peerID {
		return models.Conversation{}, ErrSelfConversation
	}
	user1, user2 := models.SortedPair(userID, peerID)

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2)
        ON CONFLICT (user1_id, user2_id) DO NOTHING
        RETURNING `+conversationColumns, user1, user2)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	err = r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE user1_id=$1 AND user2_id=$2`, user1, user2)
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations
        WHERE user1_id=$1 OR user2_id=$1
        ORDER BY updated_at DESC, id DESC`, userID)
	return convs, err
}

// MarkRead zeroes the reader's unread counter and stamps the read time.
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID int, readerID int, at time.Time) (models.Conversation, error) {
	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	unreadCol, readCol, ok := participantColumns(conv, readerID)
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}

	err = r.db.GetContext(ctx, &conv, `UPDATE conversations SET `+unreadCol+` = 0, `+readCol+` = $2
        WHERE id=$1 RETURNING `+conversationColumns, conversationID, at)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// participantColumns picks the per-participant column names. Only constant
// identifiers are returned so they are safe to splice into SQL.
func participantColumns(conv models.Conversation, userID int) (unread string, lastRead string, ok bool) {
	switch userID {
	case conv.User1ID:
		return "user1_unread", "user1_last_read_at", true
	case conv.User2ID:
		return "user2_unread", "user2_last_read_at", true
	}
	return "", "", false
}
