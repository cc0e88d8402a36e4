package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/wire"
)

func create(t *testing.T, s *Store, users ...string) {
	t.Helper()
	for _, u := range users {
		resp, err := s.Apply(wire.Op{Kind: wire.KindCreate, UserID: u})
		require.NoError(t, err)
		require.True(t, resp.Success, "create %s", u)
	}
}

func send(t *testing.T, s *Store, from, to, text string) wire.Response {
	t.Helper()
	resp, err := s.Apply(wire.Op{Kind: wire.KindSend, UserID: from, Recipient: to, Text: text})
	require.NoError(t, err)
	return resp
}

func TestCreateRejectsDuplicates(t *testing.T) {
	s := NewStore()
	create(t, s, "ream")

	resp, err := s.Apply(wire.Op{Kind: wire.KindCreate, UserID: "ream"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "User already exists", resp.Error)
	assert.Equal(t, 1, s.Stats().Users)
}

func TestLoginRequiresAccount(t *testing.T) {
	s := NewStore()
	create(t, s, "ream")

	resp, err := s.Apply(wire.Op{Kind: wire.KindLogin, UserID: "ream"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = s.Apply(wire.Op{Kind: wire.KindLogin, UserID: "faker"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "does not exist")
}

func TestDeleteRemovesAccountAndQueue(t *testing.T) {
	s := NewStore()
	create(t, s, "ream", "mark")
	require.True(t, send(t, s, "ream", "mark", "hi").Success)

	resp, err := s.Apply(wire.Op{Kind: wire.KindDelete, UserID: "mark"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Nil(t, s.Queue("mark"))
	assert.False(t, s.Exists("mark"))

	resp, err = s.Apply(wire.Op{Kind: wire.KindDelete, UserID: "mark"})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	// list no longer includes the deleted account.
	resp, err = s.Apply(wire.Op{Kind: wire.KindList, UserID: "ream", Wildcard: "", Page: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"ream"}, resp.Accounts)
}

func TestListPagingAndFiltering(t *testing.T) {
	s := NewStore()
	create(t, s, "ream", "mark", "achele", "joe", "bob")

	page0, err := s.Apply(wire.Op{Kind: wire.KindList, UserID: "ream", Wildcard: "", Page: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"ream", "mark", "achele", "joe"}, page0.Accounts)

	page1, err := s.Apply(wire.Op{Kind: wire.KindList, UserID: "ream", Wildcard: "", Page: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, page1.Accounts)

	filtered, err := s.Apply(wire.Op{Kind: wire.KindList, UserID: "ream", Wildcard: "e", Page: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"ream", "achele", "joe"}, filtered.Accounts)

	none, err := s.Apply(wire.Op{Kind: wire.KindList, UserID: "ream", Wildcard: "z", Page: 0})
	require.NoError(t, err)
	assert.Empty(t, none.Accounts)
	assert.True(t, none.Success)

	// Out-of-range and negative pages are empty, not errors.
	far, err := s.Apply(wire.Op{Kind: wire.KindList, UserID: "ream", Wildcard: "", Page: 7})
	require.NoError(t, err)
	assert.True(t, far.Success)
	assert.Empty(t, far.Accounts)
	neg, err := s.Apply(wire.Op{Kind: wire.KindList, UserID: "ream", Wildcard: "", Page: -1})
	require.NoError(t, err)
	assert.Empty(t, neg.Accounts)
}

func TestSendPrependsHistoryAndEnqueues(t *testing.T) {
	s := NewStore()
	create(t, s, "ream", "mark")

	require.True(t, send(t, s, "ream", "mark", "first").Success)
	require.True(t, send(t, s, "ream", "mark", "second").Success)

	logsResp, err := s.Apply(wire.Op{Kind: wire.KindLogs, UserID: "mark", Wildcard: "", Page: 0})
	require.NoError(t, err)
	require.Len(t, logsResp.Chats, 2)
	assert.Equal(t, "second", logsResp.Chats[0].Text, "history is newest first")
	assert.Equal(t, "first", logsResp.Chats[1].Text)

	q := s.Queue("mark")
	require.NotNil(t, q)
	assert.Equal(t, 2, q.Len())

	// Sending to a missing recipient fails and enqueues nothing.
	resp := send(t, s, "ream", "ghost", "boo")
	assert.False(t, resp.Success)
	assert.Equal(t, "User does not exist", resp.Error)
}

func TestLogsFiltersByAuthor(t *testing.T) {
	s := NewStore()
	create(t, s, "ream", "mark", "bob")
	require.True(t, send(t, s, "mark", "ream", "from mark").Success)
	require.True(t, send(t, s, "bob", "ream", "from bob").Success)

	resp, err := s.Apply(wire.Op{Kind: wire.KindLogs, UserID: "ream", Wildcard: "bo", Page: 0})
	require.NoError(t, err)
	require.Len(t, resp.Chats, 1)
	assert.Equal(t, "bob", resp.Chats[0].Author)

	unknown, err := s.Apply(wire.Op{Kind: wire.KindLogs, UserID: "ghost", Wildcard: "", Page: 0})
	require.NoError(t, err)
	assert.False(t, unknown.Success)
}

func TestNotifDequeuesOldestFirst(t *testing.T) {
	s := NewStore()
	create(t, s, "ream", "mark")
	require.True(t, send(t, s, "ream", "mark", "one").Success)
	require.True(t, send(t, s, "ream", "mark", "two").Success)

	first, err := s.Apply(wire.Op{Kind: wire.KindNotif, UserID: "mark"})
	require.NoError(t, err)
	require.True(t, first.Success)
	require.NotNil(t, first.Chat)
	assert.Equal(t, "one", first.Chat.Text)

	second, err := s.Apply(wire.Op{Kind: wire.KindNotif, UserID: "mark"})
	require.NoError(t, err)
	assert.Equal(t, "two", second.Chat.Text)

	empty, err := s.Apply(wire.Op{Kind: wire.KindNotif, UserID: "mark"})
	require.NoError(t, err)
	assert.False(t, empty.Success)
	assert.Nil(t, empty.Chat)

	ghost, err := s.Apply(wire.Op{Kind: wire.KindNotif, UserID: "ghost"})
	require.NoError(t, err)
	assert.False(t, ghost.Success)
}

func TestApplyRejectsControlRecords(t *testing.T) {
	s := NewStore()
	_, err := s.Apply(wire.Op{Kind: wire.KindTakeover})
	assert.ErrorIs(t, err, ErrNotApplicable)
	_, err = s.Apply(wire.Op{Kind: wire.KindFallover})
	assert.ErrorIs(t, err, ErrNotApplicable)
}

// Replaying a log that interleaves sends and notifs rebuilds exactly the
// undelivered chats, which is what keeps backup queues aligned with the
// primary.
func TestReplayRebuildsQueues(t *testing.T) {
	ops := []wire.Op{
		{Kind: wire.KindCreate, UserID: "ream"},
		{Kind: wire.KindCreate, UserID: "mark"},
		{Kind: wire.KindSend, UserID: "ream", Recipient: "mark", Text: "delivered"},
		{Kind: wire.KindNotif, UserID: "mark"},
		{Kind: wire.KindSend, UserID: "ream", Recipient: "mark", Text: "pending"},
	}
	s := NewStore()
	for _, op := range ops {
		resp, err := s.Apply(op)
		require.NoError(t, err)
		require.True(t, resp.Success)
	}

	q := s.Queue("mark")
	require.NotNil(t, q)
	require.Equal(t, 1, q.Len())
	chat, got := q.Dequeue()
	require.True(t, got)
	assert.Equal(t, "pending", chat.Text)
}

func TestQueueWaitNonEmpty(t *testing.T) {
	q := NewQueue()

	start := time.Now()
	assert.False(t, q.WaitNonEmpty(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(wire.Chat{Author: "a", Recipient: "b", Text: "x"})
	}()
	assert.True(t, q.WaitNonEmpty(time.Second))
	assert.True(t, q.WaitNonEmpty(time.Millisecond), "non-empty queue returns immediately")
}
