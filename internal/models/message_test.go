package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactionsToggleParity(t *testing.T) {
	for calls := 0; calls < 6; calls++ {
		var r Reactions
		for i := 0; i < calls; i++ {
			r = r.Toggle(1, "👍")
		}
		assert.Equal(t, calls%2 == 1, r.Has(1, "👍"), "calls=%d", calls)
		assert.LessOrEqual(t, len(r), 1)
	}
}

func TestReactionsToggleKeepsInsertionOrder(t *testing.T) {
	r := Reactions{}.Toggle(1, "a").Toggle(2, "b").Toggle(1, "c")
	r = r.Toggle(2, "b")
	assert.Equal(t, Reactions{{UserID: 1, Emoji: "a"}, {UserID: 1, Emoji: "c"}}, r)

	r = r.Toggle(2, "b")
	assert.Equal(t, Reaction{UserID: 2, Emoji: "b"}, r[len(r)-1])
}

func TestReactionsToggleDoesNotMutateReceiver(t *testing.T) {
	orig := Reactions{{UserID: 1, Emoji: "a"}}
	_ = orig.Toggle(1, "a")
	assert.Len(t, orig, 1)
}

func TestReactionsScanValue(t *testing.T) {
	in := Reactions{{UserID: 3, Emoji: "🔥"}}
	v, err := in.Value()
	require.NoError(t, err)

	var out Reactions
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	require.NoError(t, out.Scan(nil))
	assert.Empty(t, out)
	assert.Error(t, out.Scan(42))
}

func TestReadReceiptsAddIsIdempotent(t *testing.T) {
	r := ReadReceipts{}.Add(2).Add(2).Add(3)
	assert.Equal(t, ReadReceipts{2, 3}, r)
	assert.True(t, r.Contains(3))
	assert.False(t, r.Contains(1))
}

func TestReadReceiptsScan(t *testing.T) {
	var r ReadReceipts
	require.NoError(t, r.Scan([]byte("{4,7}")))
	assert.Equal(t, ReadReceipts{4, 7}, r)
}

func TestMessageOrderingBreaksTiesByID(t *testing.T) {
	now := time.Now()
	msgs := []Message{
		{ID: 3, CreatedAt: now},
		{ID: 1, CreatedAt: now.Add(time.Second)},
		{ID: 2, CreatedAt: now},
	}
	SortMessages(msgs)
	assert.Equal(t, []int{2, 3, 1}, []int{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestRenderedTombstone(t *testing.T) {
	m := Message{
		ID:                 1,
		Content:            "secret",
		Attachment:         &Attachment{Kind: AttachmentImage, URL: "https://x/y.png"},
		Reactions:          Reactions{{UserID: 1, Emoji: "a"}},
		ReplyTo:            &ReplyTo{MessageID: 9, Content: "quoted"},
		DeletedForEveryone: true,
	}
	r := m.Rendered()
	assert.Empty(t, r.Content)
	assert.Nil(t, r.Attachment)
	assert.Nil(t, r.ReplyTo)
	assert.Empty(t, r.Reactions)
	assert.Equal(t, "secret", m.Content)

	live := Message{ID: 2, Content: "hi"}
	assert.Equal(t, live, live.Rendered())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello", Preview("hello", nil))
	assert.Equal(t, "[image]", Preview("", &Attachment{Kind: AttachmentImage}))
	assert.Equal(t, "[file] notes.pdf", Preview("", &Attachment{Kind: AttachmentFile, FileName: "notes.pdf"}))

	long := strings.Repeat("é", 150)
	p := Preview(long, nil)
	assert.Equal(t, previewMaxRunes, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "…"))
}

func TestConversationHelpers(t *testing.T) {
	c := Conversation{ID: 5, User1ID: 1, User2ID: 2, User2Unread: 3}
	assert.True(t, c.HasParticipant(2))
	assert.False(t, c.HasParticipant(9))
	assert.Equal(t, 1, c.Peer(2))
	assert.Equal(t, 0, c.Peer(9))
	assert.Equal(t, 3, c.UnreadFor(2))

	s := c.SummaryFor(2)
	assert.Equal(t, 5, s.ConversationID)
	assert.Equal(t, 1, s.PeerID)
	assert.Equal(t, 3, s.Unread)

	a, b := SortedPair(9, 4)
	assert.Equal(t, 4, a)
	assert.Equal(t, 9, b)
}
