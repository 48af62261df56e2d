package clientview

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"dm-service/internal/models"
)

var (
	ErrActionSettled = errors.New("action already settled")
	ErrNotLoaded     = errors.New("message not loaded")
	ErrForeignAction = errors.New("action belongs to another view")
)

// ActionState is the lifecycle of an optimistic action.
type ActionState int

const (
	Pending ActionState = iota
	Confirmed
	Failed
)

func (s ActionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ActionKind names the user action behind a PendingAction.
type ActionKind string

const (
	ActionSend     ActionKind = "send"
	ActionEdit     ActionKind = "edit"
	ActionDelete   ActionKind = "delete"
	ActionReaction ActionKind = "reaction"
)

// PendingAction tracks one optimistic change from Pending to Confirmed or
// Failed. A failed action has its local change rolled back.
type PendingAction struct {
	Kind      ActionKind
	ClientKey string
	MessageID int

	view       *ConversationView
	state      ActionState
	err        error
	rolledBack bool

	// before is the message as it was prior to the optimistic change,
	// after is what the optimistic change wrote.
	before models.Message
	after  models.Message
}

func (a *PendingAction) State() ActionState { return a.state }
func (a *PendingAction) Err() error         { return a.err }
func (a *PendingAction) RolledBack() bool   { return a.rolledBack }

// BeginSend shows an echo of an outgoing message until the server confirms.
// The returned action's ClientKey must be sent along with the message. Keys
// are unique across views, so other tabs of the same user never match it.
func (v *ConversationView) BeginSend(content string, att *models.Attachment) *PendingAction {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextTemp++
	key := ulid.Make().String()
	echo := models.Message{
		ID:             -v.nextTemp,
		ConversationID: v.conversationID,
		SenderID:       v.localUserID,
		Content:        content,
		Reactions:      models.Reactions{},
		ReadBy:         models.ReadReceipts{},
		CreatedAt:      v.now(),
		ClientKey:      key,
	}
	if att != nil {
		cp := *att
		echo.Attachment = &cp
	}
	v.echoes = append(v.echoes, echo)
	return &PendingAction{Kind: ActionSend, ClientKey: key, MessageID: echo.ID, view: v, after: echo}
}

// ConfirmSend swaps the echo for the stored message.
func (v *ConversationView) ConfirmSend(a *PendingAction, msg models.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.settleLocked(a, ActionSend); err != nil {
		return err
	}
	v.dropEchoLocked(a.ClientKey)
	v.insertLocked(msg)
	a.MessageID = msg.ID
	a.state = Confirmed
	return nil
}

// BeginEdit applies new content locally.
func (v *ConversationView) BeginEdit(messageID int, content string) (*PendingAction, error) {
	return v.begin(ActionEdit, messageID, func(m *models.Message) {
		m.Content = content
		m.Edited = true
	})
}

// BeginDelete tombstones a message locally.
func (v *ConversationView) BeginDelete(messageID int) (*PendingAction, error) {
	return v.begin(ActionDelete, messageID, func(m *models.Message) {
		m.DeletedForEveryone = true
		*m = m.Rendered()
	})
}

// BeginReaction toggles the local user's emoji locally.
func (v *ConversationView) BeginReaction(messageID int, emoji string) (*PendingAction, error) {
	return v.begin(ActionReaction, messageID, func(m *models.Message) {
		m.Reactions = m.Reactions.Toggle(v.localUserID, emoji)
	})
}

func (v *ConversationView) begin(kind ActionKind, messageID int, change func(*models.Message)) (*PendingAction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexLocked(messageID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotLoaded, messageID)
	}
	before := cloneMessage(v.messages[i])
	change(&v.messages[i])
	return &PendingAction{
		Kind:      kind,
		MessageID: messageID,
		view:      v,
		before:    before,
		after:     cloneMessage(v.messages[i]),
	}, nil
}

// Confirm marks an edit, delete or reaction as accepted by the server.
func (v *ConversationView) Confirm(a *PendingAction) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if a.Kind == ActionSend {
		return fmt.Errorf("use ConfirmSend for %s actions", a.Kind)
	}
	if err := v.settleLocked(a, a.Kind); err != nil {
		return err
	}
	a.state = Confirmed
	return nil
}

// ConfirmReaction accepts a toggle and installs the authoritative list.
func (v *ConversationView) ConfirmReaction(a *PendingAction, reactions models.Reactions) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.settleLocked(a, ActionReaction); err != nil {
		return err
	}
	if i := v.indexLocked(a.MessageID); i >= 0 && !v.messages[i].DeletedForEveryone {
		v.messages[i].Reactions = append(models.Reactions{}, reactions...)
	}
	a.state = Confirmed
	return nil
}

// Fail rolls the optimistic change back and records cause. A change that a
// newer server event already overwrote is left alone.
func (v *ConversationView) Fail(a *PendingAction, cause error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.settleLocked(a, a.Kind); err != nil {
		return err
	}
	a.state = Failed
	a.err = cause

	if a.Kind == ActionSend {
		a.rolledBack = v.dropEchoLocked(a.ClientKey)
		return nil
	}
	i := v.indexLocked(a.MessageID)
	if i < 0 {
		return nil
	}
	cur := &v.messages[i]
	switch a.Kind {
	case ActionEdit:
		if cur.Content == a.after.Content && !cur.DeletedForEveryone {
			cur.Content = a.before.Content
			cur.Edited = a.before.Edited
			a.rolledBack = true
		}
	case ActionDelete:
		if !a.before.DeletedForEveryone {
			v.messages[i] = cloneMessage(a.before)
			a.rolledBack = true
		}
	case ActionReaction:
		if sameReactions(cur.Reactions, a.after.Reactions) {
			cur.Reactions = append(models.Reactions{}, a.before.Reactions...)
			a.rolledBack = true
		}
	}
	return nil
}

func (v *ConversationView) settleLocked(a *PendingAction, kind ActionKind) error {
	if a == nil || a.view != v {
		return ErrForeignAction
	}
	if a.Kind != kind {
		return fmt.Errorf("action is %s, not %s", a.Kind, kind)
	}
	if a.state != Pending {
		return fmt.Errorf("%w: %s", ErrActionSettled, a.state)
	}
	return nil
}

func cloneMessage(m models.Message) models.Message {
	m.Reactions = append(models.Reactions{}, m.Reactions...)
	m.ReadBy = append(models.ReadReceipts{}, m.ReadBy...)
	if m.Attachment != nil {
		att := *m.Attachment
		m.Attachment = &att
	}
	if m.ReplyTo != nil {
		reply := *m.ReplyTo
		m.ReplyTo = &reply
	}
	return m
}

func sameReactions(a, b models.Reactions) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
