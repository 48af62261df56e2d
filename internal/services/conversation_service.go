// Package services holds the conversation operations. Each call is an
// independent request against the store followed by best-effort fan-out.
package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/pubsub"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxContentRunes = 4000
)

// Auditor receives moderation records for committed mutations.
type Auditor interface {
	Emit(ctx context.Context, actorID int, payload telemetry.AuditPayload)
}

// Options tunes a ConversationService. Zero values pick defaults.
type Options struct {
	TypingInterval  time.Duration
	DefaultPageSize int
	Auditor         Auditor
	Now             func() time.Time
}

// ConversationService implements the direct-messaging operations.
type ConversationService struct {
	log           *slog.Logger
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         repositories.UserRepository
	broker        pubsub.Broker
	auditor       Auditor
	typing        *typingThrottle
	validate      *validator.Validate
	tracer        trace.Tracer
	pageSize      int
	now           func() time.Time
}

// NewConversationService wires a ConversationService.
func NewConversationService(
	log *slog.Logger,
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	users repositories.UserRepository,
	broker pubsub.Broker,
	opts Options,
) *ConversationService {
	if log == nil {
		log = slog.Default()
	}
	if opts.DefaultPageSize <= 0 || opts.DefaultPageSize > MaxPageSize {
		opts.DefaultPageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ConversationService{
		log:           log,
		conversations: conversations,
		messages:      messages,
		users:         users,
		broker:        broker,
		auditor:       opts.Auditor,
		typing:        newTypingThrottle(opts.TypingInterval),
		validate:      validator.New(),
		tracer:        otel.Tracer("dm-service/services"),
		pageSize:      opts.DefaultPageSize,
		now:           opts.Now,
	}
}

// AttachmentInput references a blob uploaded through an upload slot.
type AttachmentInput struct {
	Kind     string `json:"kind" validate:"required,oneof=image file"`
	URL      string `json:"url" validate:"required,url"`
	FileName string `json:"file_name" validate:"required_if=Kind file,max=255"`
}

// SendMessageInput is the payload of SendMessage.
type SendMessageInput struct {
	ConversationID int              `validate:"gt=0"`
	SenderID       int              `validate:"gt=0"`
	Content        string           `validate:"max=4000"`
	Attachment     *AttachmentInput `validate:"omitempty"`
	ReplyToID      int              `validate:"gte=0"`
	ClientKey      string           `validate:"max=64"`
}

// EditMessageInput is the payload of EditMessage.
type EditMessageInput struct {
	MessageID int    `validate:"gt=0"`
	EditorID  int    `validate:"gt=0"`
	Content   string `validate:"required,max=4000"`
}

// HistoryRequest selects one page of older messages.
type HistoryRequest struct {
	ConversationID int `validate:"gt=0"`
	ViewerID       int `validate:"gt=0"`
	Page           int `validate:"gte=0"`
	PageSize       int `validate:"gte=0,max=100"`
	AnchorID       int `validate:"gte=0"`
}

// StartConversation returns the conversation between userID and peerID,
// creating it on first use.
func (s *ConversationService) StartConversation(ctx context.Context, userID, peerID int) (models.Conversation, error) {
	ctx, span := s.startSpan(ctx, "StartConversation", attribute.Int("user.id", userID), attribute.Int("peer.id", peerID))
	defer span.End()

	if peerID <= 0 {
		return models.Conversation{}, s.fail(span, validationErr("peer id is required"))
	}
	if userID == peerID {
		return models.Conversation{}, s.fail(span, validationErr("cannot start a conversation with yourself"))
	}
	if err := s.requireActive(ctx, userID, peerID); err != nil {
		return models.Conversation{}, s.fail(span, err)
	}

	conv, err := s.conversations.CreateOrGetConversation(ctx, userID, peerID)
	if err != nil {
		return models.Conversation{}, s.fail(span, storeErr("create conversation", err))
	}
	return conv, nil
}

// ListConversations returns the caller's conversations, most recent first.
func (s *ConversationService) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	convs, err := s.conversations.ListConversations(ctx, userID)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	out := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, conv.SummaryFor(userID))
	}
	return out, nil
}

// Conversation loads a conversation the caller participates in.
func (s *ConversationService) Conversation(ctx context.Context, conversationID, userID int) (models.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, storeErr("load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, unauthorizedErr("user %d is not a participant of conversation %d", userID, conversationID)
	}
	return conv, nil
}

// SendMessage persists a message, bumps the recipient's unread counter and
// fans the message out. The returned message carries the server id and
// timestamp so the caller can reconcile its optimistic copy.
func (s *ConversationService) SendMessage(ctx context.Context, in SendMessageInput) (models.Message, error) {
	ctx, span := s.startSpan(ctx, "SendMessage", attribute.Int("conversation.id", in.ConversationID), attribute.Int("user.id", in.SenderID))
	defer span.End()

	if err := s.validate.StructCtx(ctx, in); err != nil {
		return models.Message{}, s.fail(span, fieldErrors(err))
	}
	if strings.TrimSpace(in.Content) == "" && in.Attachment == nil {
		return models.Message{}, s.fail(span, validationErr("message needs content or an attachment"))
	}

	conv, err := s.Conversation(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return models.Message{}, s.fail(span, err)
	}
	if err := s.requireActive(ctx, conv.User1ID, conv.User2ID); err != nil {
		return models.Message{}, s.fail(span, err)
	}

	var reply *models.ReplyTo
	if in.ReplyToID > 0 {
		reply, err = s.replySnapshot(ctx, conv.ID, in.ReplyToID)
		if err != nil {
			return models.Message{}, s.fail(span, err)
		}
	}

	var att *models.Attachment
	if in.Attachment != nil {
		att = &models.Attachment{Kind: in.Attachment.Kind, URL: in.Attachment.URL, FileName: in.Attachment.FileName}
	}

	recipientID := conv.Peer(in.SenderID)
	msg, updated, err := s.messages.CreateMessage(ctx, repositories.CreateMessageInput{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		RecipientID:    recipientID,
		Content:        in.Content,
		Attachment:     att,
		ReplyTo:        reply,
	})
	if err != nil {
		return models.Message{}, s.fail(span, storeErr("create message", err))
	}
	observability.IncMessageMutation("send")
	msg.ClientKey = in.ClientKey
	span.SetAttributes(attribute.Int("message.id", msg.ID))

	s.publish(ctx, models.ConversationTopic(conv.ID), models.EventMessage, msg)
	s.publish(ctx, models.NotificationTopic(recipientID), models.EventNotification, models.NotificationPayload{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Preview:        updated.LastMessagePreview,
		Unread:         updated.UnreadFor(recipientID),
		At:             updated.UpdatedAt,
	})
	s.audit(ctx, in.SenderID, "message.send", conv.ID, msg.ID, updated.LastMessagePreview)
	return msg, nil
}

func (s *ConversationService) replySnapshot(ctx context.Context, conversationID, replyToID int) (*models.ReplyTo, error) {
	target, err := s.messages.GetMessage(ctx, replyToID)
	if err != nil {
		return nil, storeErr("load reply target", err)
	}
	if target.ConversationID != conversationID {
		return nil, validationErr("reply target %d belongs to another conversation", replyToID)
	}
	if target.DeletedForEveryone {
		return nil, validationErr("cannot reply to a deleted message")
	}
	return &models.ReplyTo{
		MessageID: target.ID,
		SenderID:  target.SenderID,
		Content:   models.Preview(target.Content, target.Attachment),
	}, nil
}

// EditMessage overwrites the content of the editor's own message. Sending the
// current content again changes nothing and publishes nothing.
func (s *ConversationService) EditMessage(ctx context.Context, in EditMessageInput) (models.Message, error) {
	ctx, span := s.startSpan(ctx, "EditMessage", attribute.Int("message.id", in.MessageID), attribute.Int("user.id", in.EditorID))
	defer span.End()

	if err := s.validate.StructCtx(ctx, in); err != nil {
		return models.Message{}, s.fail(span, fieldErrors(err))
	}
	if strings.TrimSpace(in.Content) == "" {
		return models.Message{}, s.fail(span, validationErr("content must not be empty"))
	}

	msg, err := s.messages.GetMessage(ctx, in.MessageID)
	if err != nil {
		return models.Message{}, s.fail(span, storeErr("load message", err))
	}
	if msg.SenderID != in.EditorID {
		return models.Message{}, s.fail(span, unauthorizedErr("only the sender may edit message %d", msg.ID))
	}
	if msg.DeletedForEveryone {
		return models.Message{}, s.fail(span, validationErr("message %d was deleted", msg.ID))
	}
	if msg.Attachment != nil {
		return models.Message{}, s.fail(span, validationErr("messages with attachments cannot be edited"))
	}
	if msg.Content == in.Content {
		return msg, nil
	}

	if err := s.messages.UpdateContent(ctx, msg.ID, in.Content); err != nil {
		return models.Message{}, s.fail(span, storeErr("update message", err))
	}
	observability.IncMessageMutation("edit")
	msg.Content = in.Content
	msg.Edited = true

	s.publish(ctx, models.ConversationTopic(msg.ConversationID), models.EventMessageEdited, models.MessageEditedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
	})
	s.audit(ctx, in.EditorID, "message.edit", msg.ConversationID, msg.ID, "")
	return msg, nil
}

// DeleteMessageForEveryone tombstones the requester's own message. Deleting
// an already deleted message succeeds without writing or publishing.
func (s *ConversationService) DeleteMessageForEveryone(ctx context.Context, messageID, requesterID int) error {
	ctx, span := s.startSpan(ctx, "DeleteMessageForEveryone", attribute.Int("message.id", messageID), attribute.Int("user.id", requesterID))
	defer span.End()

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return s.fail(span, storeErr("load message", err))
	}
	if msg.SenderID != requesterID {
		return s.fail(span, unauthorizedErr("only the sender may delete message %d", msg.ID))
	}
	if msg.DeletedForEveryone {
		return nil
	}

	changed, err := s.messages.MarkDeletedForEveryone(ctx, msg.ID)
	if err != nil {
		return s.fail(span, storeErr("delete message", err))
	}
	if !changed {
		return nil
	}
	observability.IncMessageMutation("delete")

	s.publish(ctx, models.ConversationTopic(msg.ConversationID), models.EventMessageDeleted, models.MessageDeletedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	s.audit(ctx, requesterID, "message.delete_for_everyone", msg.ConversationID, msg.ID, "")
	return nil
}

// ToggleReaction adds the (user, emoji) pair when absent and removes it when
// present. The full list is returned and published as a snapshot.
func (s *ConversationService) ToggleReaction(ctx context.Context, messageID, userID int, emoji string) (models.Reactions, error) {
	ctx, span := s.startSpan(ctx, "ToggleReaction", attribute.Int("message.id", messageID), attribute.Int("user.id", userID))
	defer span.End()

	if err := s.validate.VarCtx(ctx, emoji, "required,max=32"); err != nil {
		return nil, s.fail(span, validationErr("emoji must be 1 to 32 characters"))
	}

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, s.fail(span, storeErr("load message", err))
	}
	if _, err := s.Conversation(ctx, msg.ConversationID, userID); err != nil {
		return nil, s.fail(span, err)
	}
	if msg.DeletedForEveryone {
		return nil, s.fail(span, validationErr("cannot react to a deleted message"))
	}

	reactions, err := s.messages.ToggleReaction(ctx, msg.ID, userID, emoji)
	if err != nil {
		return nil, s.fail(span, storeErr("toggle reaction", err))
	}
	observability.IncMessageMutation("reaction")

	s.publish(ctx, models.ConversationTopic(msg.ConversationID), models.EventReactionUpdated, models.ReactionUpdatedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Reactions:      reactions,
	})
	s.audit(ctx, userID, "message.reaction_toggle", msg.ConversationID, msg.ID, emoji)
	return reactions, nil
}

// MarkConversationRead zeroes the reader's unread counter and stamps the read
// time. Per-message receipts are left to AcknowledgeMessages.
func (s *ConversationService) MarkConversationRead(ctx context.Context, conversationID, readerID int) (models.ConversationSummary, error) {
	ctx, span := s.startSpan(ctx, "MarkConversationRead", attribute.Int("conversation.id", conversationID), attribute.Int("user.id", readerID))
	defer span.End()

	if _, err := s.Conversation(ctx, conversationID, readerID); err != nil {
		return models.ConversationSummary{}, s.fail(span, err)
	}
	conv, err := s.conversations.MarkRead(ctx, conversationID, readerID, s.now())
	if err != nil {
		return models.ConversationSummary{}, s.fail(span, storeErr("mark read", err))
	}

	at := conv.UpdatedAt
	if read := conv.LastReadFor(readerID); read != nil && read.After(at) {
		at = *read
	}
	s.publish(ctx, models.NotificationTopic(readerID), models.EventUnreadUpdated, models.UnreadUpdatedPayload{
		ConversationID: conversationID,
		Unread:         conv.UnreadFor(readerID),
		At:             at,
	})
	return conv.SummaryFor(readerID), nil
}

// AcknowledgeMessages adds readerID to the receipts of every message the peer
// sent and tells the peer everything up to now has been read.
func (s *ConversationService) AcknowledgeMessages(ctx context.Context, conversationID, readerID int) (int, error) {
	ctx, span := s.startSpan(ctx, "AcknowledgeMessages", attribute.Int("conversation.id", conversationID), attribute.Int("user.id", readerID))
	defer span.End()

	if _, err := s.Conversation(ctx, conversationID, readerID); err != nil {
		return 0, s.fail(span, err)
	}
	updated, err := s.messages.AddReader(ctx, conversationID, readerID)
	if err != nil {
		return 0, s.fail(span, storeErr("add read receipts", err))
	}

	s.publish(ctx, models.ConversationTopic(conversationID), models.EventMessagesRead, models.MessagesReadPayload{
		ConversationID: conversationID,
		ReaderID:       readerID,
		ReadAt:         s.now(),
	})
	return updated, nil
}

// PublishTyping relays an ephemeral typing signal. Start signals are
// throttled per sender; stop signals always go through. It reports whether
// the signal was published.
func (s *ConversationService) PublishTyping(ctx context.Context, conversationID, senderID int, isTyping bool) (bool, error) {
	if _, err := s.Conversation(ctx, conversationID, senderID); err != nil {
		return false, err
	}

	if isTyping {
		if !s.typing.allow(conversationID, senderID, s.now()) {
			observability.IncTypingThrottled()
			return false, nil
		}
	} else {
		s.typing.reset(conversationID, senderID)
	}

	s.publish(ctx, models.ConversationTopic(conversationID), models.EventTyping, models.TypingSignal{
		ConversationID: conversationID,
		SenderID:       senderID,
		IsTyping:       isTyping,
	})
	return true, nil
}

// GetOlderMessages returns one history page, oldest to newest. Page 1 is the
// newest page; a page shorter than the page size is the last one.
func (s *ConversationService) GetOlderMessages(ctx context.Context, req HistoryRequest) ([]models.Message, error) {
	ctx, span := s.startSpan(ctx, "GetOlderMessages", attribute.Int("conversation.id", req.ConversationID), attribute.Int("page", req.Page))
	defer span.End()

	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, s.fail(span, fieldErrors(err))
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = s.pageSize
	}

	if _, err := s.Conversation(ctx, req.ConversationID, req.ViewerID); err != nil {
		return nil, s.fail(span, err)
	}
	if req.AnchorID > 0 {
		anchor, err := s.messages.GetMessage(ctx, req.AnchorID)
		if err != nil {
			return nil, s.fail(span, storeErr("load anchor", err))
		}
		if anchor.ConversationID != req.ConversationID {
			return nil, s.fail(span, validationErr("anchor %d belongs to another conversation", req.AnchorID))
		}
	}

	page, err := s.messages.ListPage(ctx, repositories.HistoryQuery{
		ConversationID: req.ConversationID,
		Page:           req.Page,
		PageSize:       req.PageSize,
		AnchorID:       req.AnchorID,
	})
	if err != nil {
		return nil, s.fail(span, storeErr("list messages", err))
	}
	for i := range page {
		page[i] = page[i].Rendered()
	}
	return page, nil
}

func (s *ConversationService) requireActive(ctx context.Context, ids ...int) error {
	ok, err := s.users.AreActive(ctx, ids...)
	if err != nil {
		return storeErr("resolve participants", err)
	}
	if !ok {
		return notFoundErr("participants %v do not resolve to active accounts", ids)
	}
	return nil
}

func (s *ConversationService) publish(ctx context.Context, topic, event string, payload any) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Topic(topic).Publish(ctx, event, payload); err != nil {
		observability.IncFanoutFailure(event)
		s.log.Warn("fanout.publish.fail", "topic", topic, "event", event, "err", err)
	}
}

func (s *ConversationService) audit(ctx context.Context, actorID int, action string, conversationID, messageID int, text string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Emit(ctx, actorID, telemetry.AuditPayload{
		Action:         action,
		Text:           text,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

func (s *ConversationService) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "services."+op, trace.WithAttributes(attrs...))
}

func (s *ConversationService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
