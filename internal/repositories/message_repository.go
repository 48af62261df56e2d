package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageDeleted  = errors.New("message deleted for everyone")
)

// CreateMessageInput describes a message to persist.
type CreateMessageInput struct {
	ConversationID int
	SenderID       int
	RecipientID    int
	Content        string
	Attachment     *models.Attachment
	ReplyTo        *models.ReplyTo
}

// HistoryQuery selects one page counted backwards from the newest message.
// A non-zero AnchorID pins the window to messages sorting at or before the
// anchor so concurrent sends do not shift page boundaries.
type HistoryQuery struct {
	ConversationID int
	Page           int
	PageSize       int
	AnchorID       int
}

// Offset returns the number of newer messages skipped by the page.
func (q HistoryQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (models.Message, models.Conversation, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	UpdateContent(ctx context.Context, messageID int, content string) error
	MarkDeletedForEveryone(ctx context.Context, messageID int) (bool, error)
	ToggleReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error)
	AddReader(ctx context.Context, conversationID int, readerID int) (int, error)
	ListPage(ctx context.Context, q HistoryQuery) ([]models.Message, error)
}

const messageColumns = `id, conversation_id, sender_id, content, attachment_kind, attachment_url,
        attachment_name, reply_to_id, reply_to_sender_id, reply_to_content, reactions, read_by,
        edited, deleted_for_everyone, created_at`

type messageRow struct {
	ID                 int                 `db:"id"`
	ConversationID     int                 `db:"conversation_id"`
	SenderID           int                 `db:"sender_id"`
	Content            string              `db:"content"`
	AttachmentKind     sql.NullString      `db:"attachment_kind"`
	AttachmentURL      sql.NullString      `db:"attachment_url"`
	AttachmentName     sql.NullString      `db:"attachment_name"`
	ReplyToID          sql.NullInt64       `db:"reply_to_id"`
	ReplyToSenderID    sql.NullInt64       `db:"reply_to_sender_id"`
	ReplyToContent     sql.NullString      `db:"reply_to_content"`
	Reactions          models.Reactions    `db:"reactions"`
	ReadBy             models.ReadReceipts `db:"read_by"`
	Edited             bool                `db:"edited"`
	DeletedForEveryone bool                `db:"deleted_for_everyone"`
	CreatedAt          sql.NullTime        `db:"created_at"`
}

func (row messageRow) toModel() models.Message {
	msg := models.Message{
		ID:                 row.ID,
		ConversationID:     row.ConversationID,
		SenderID:           row.SenderID,
		Content:            row.Content,
		Reactions:          row.Reactions,
		ReadBy:             row.ReadBy,
		Edited:             row.Edited,
		DeletedForEveryone: row.DeletedForEveryone,
		CreatedAt:          row.CreatedAt.Time,
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	if msg.ReadBy == nil {
		msg.ReadBy = models.ReadReceipts{}
	}
	if row.AttachmentKind.Valid {
		msg.Attachment = &models.Attachment{
			Kind:     row.AttachmentKind.String,
			URL:      row.AttachmentURL.String,
			FileName: row.AttachmentName.String,
		}
	}
	if row.ReplyToID.Valid {
		msg.ReplyTo = &models.ReplyTo{
			MessageID: int(row.ReplyToID.Int64),
			SenderID:  int(row.ReplyToSenderID.Int64),
			Content:   row.ReplyToContent.String,
		}
	}
	return msg
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message and updates the conversation aggregates in
// one transaction. The conversation row lock serializes sends per
// conversation so created_at and id grow together.
func (r *MessageRepo) CreateMessage(ctx context.Context, in CreateMessageInput) (msg models.Message, conv models.Conversation, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1 FOR UPDATE`, in.ConversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return models.Message{}, models.Conversation{}, err
	}
	unreadCol, _, ok := participantColumns(conv, in.RecipientID)
	if !ok {
		err = ErrConversationNotFound
		return models.Message{}, models.Conversation{}, err
	}

	var kind, url, name sql.NullString
	if in.Attachment != nil {
		kind = sql.NullString{String: in.Attachment.Kind, Valid: true}
		url = sql.NullString{String: in.Attachment.URL, Valid: true}
		name = sql.NullString{String: in.Attachment.FileName, Valid: in.Attachment.FileName != ""}
	}
	var replyID, replySender sql.NullInt64
	var replyContent sql.NullString
	if in.ReplyTo != nil {
		replyID = sql.NullInt64{Int64: int64(in.ReplyTo.MessageID), Valid: true}
		replySender = sql.NullInt64{Int64: int64(in.ReplyTo.SenderID), Valid: true}
		replyContent = sql.NullString{String: in.ReplyTo.Content, Valid: true}
	}

	var row messageRow
	if err = tx.GetContext(ctx, &row, `INSERT INTO messages
        (conversation_id, sender_id, content, attachment_kind, attachment_url, attachment_name,
         reply_to_id, reply_to_sender_id, reply_to_content)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING `+messageColumns,
		in.ConversationID, in.SenderID, in.Content, kind, url, name, replyID, replySender, replyContent); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	msg = row.toModel()

	if err = tx.GetContext(ctx, &conv, `UPDATE conversations
        SET `+unreadCol+` = `+unreadCol+` + 1, last_message_preview = $2, updated_at = $3
        WHERE id=$1 RETURNING `+conversationColumns,
		in.ConversationID, models.Preview(in.Content, in.Attachment), msg.CreatedAt); err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	return msg, conv, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// UpdateContent overwrites the content and flags the message edited. It
// never touches a message that is deleted for everyone.
func (r *MessageRepo) UpdateContent(ctx context.Context, messageID int, content string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET content = $2, edited = TRUE
        WHERE id=$1 AND deleted_for_everyone = FALSE`, messageID, content)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return r.missingOrDeleted(ctx, messageID)
	}
	return nil
}

// MarkDeletedForEveryone tombstones a message. It reports false when the
// message was already deleted.
func (r *MessageRepo) MarkDeletedForEveryone(ctx context.Context, messageID int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted_for_everyone = TRUE
        WHERE id=$1 AND deleted_for_everyone = FALSE`, messageID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := r.missingOrDeleted(ctx, messageID); !errors.Is(err, ErrMessageDeleted) {
		return false, err
	}
	return false, nil
}

// ToggleReaction flips the (user, emoji) pair as one read-modify-write under
// the message row lock, so concurrent toggles never lose an update.
func (r *MessageRepo) ToggleReaction(ctx context.Context, messageID int, userID int, emoji string) (reactions models.Reactions, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var current struct {
		Reactions models.Reactions `db:"reactions"`
		Deleted   bool             `db:"deleted_for_everyone"`
	}
	if err = tx.GetContext(ctx, &current, `SELECT reactions, deleted_for_everyone FROM messages WHERE id=$1 FOR UPDATE`, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrMessageNotFound
		}
		return nil, err
	}
	if current.Deleted {
		err = ErrMessageDeleted
		return nil, err
	}

	reactions = current.Reactions.Toggle(userID, emoji)
	if _, err = tx.ExecContext(ctx, `UPDATE messages SET reactions = $2 WHERE id=$1`, messageID, reactions); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return reactions, nil
}

// AddReader adds readerID to read_by of every message the peer sent in the
// conversation. Entries are only ever appended.
func (r *MessageRepo) AddReader(ctx context.Context, conversationID int, readerID int) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read_by = array_append(read_by, $2)
        WHERE conversation_id=$1 AND sender_id <> $2 AND NOT ($2 = ANY(read_by))`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	return int(count), err
}

// ListPage returns one history page ordered oldest to newest.
func (r *MessageRepo) ListPage(ctx context.Context, q HistoryQuery) ([]models.Message, error) {
	var rows []messageRow
	var err error
	if q.AnchorID > 0 {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            AND (created_at, id) <= (SELECT created_at, id FROM messages WHERE id=$4 AND conversation_id=$1)
            ORDER BY created_at DESC, id DESC
            LIMIT $2 OFFSET $3`, q.ConversationID, q.PageSize, q.Offset(), q.AnchorID)
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at DESC, id DESC
            LIMIT $2 OFFSET $3`, q.ConversationID, q.PageSize, q.Offset())
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = row.toModel()
	}
	return msgs, nil
}

func (r *MessageRepo) missingOrDeleted(ctx context.Context, messageID int) error {
	var deleted bool
	err := r.db.GetContext(ctx, &deleted, `SELECT deleted_for_everyone FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if deleted {
		return ErrMessageDeleted
	}
	return nil
}
