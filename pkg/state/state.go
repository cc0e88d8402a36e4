// Package state implements the replicated chat state machine: accounts,
// per-account message history, and per-recipient undelivered queues. Given
// the same sequence of operations every replica reaches the same state; all
// mutation goes through Apply, which the dispatcher calls one op at a time.
package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chatmesh/chatmesh/pkg/wire"
)

// PageSize is the fixed page length of list and logs responses.
const PageSize = 4

// ErrNotApplicable is returned when a control record (takeover, fallover)
// reaches Apply. Semantic refusals are not errors; they travel inside the
// response envelope with Success=false.
var ErrNotApplicable = errors.New("state: op not applicable")

// Messages carried in failure responses. The wording is part of the client
// contract; tests match on these strings.
const (
	msgUserExists    = "User already exists"
	msgUserNotExists = "User does not exist"
	msgNoUndelivered = "No undelivered messages"
)

type account struct {
	userID  string
	history []wire.Chat // newest first
}

// Store is the in-memory state of one replica. It is rebuilt at boot by
// replaying the durable log through Apply.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account
	order    []string // live accounts in insertion order, drives list
	queues   map[string]*Queue
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*account),
		queues:   make(map[string]*Queue),
	}
}

// Apply applies one operation and returns the response to route back to the
// caller. Semantic refusals (duplicate user, unknown user, empty queue) are
// reported inside the response with Success=false, not as errors; the error
// return fires only for ops that must never reach the state machine.
func (s *Store) Apply(op wire.Op) (wire.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Kind {
	case wire.KindCreate:
		return s.applyCreate(op), nil
	case wire.KindLogin:
		return s.applyLogin(op), nil
	case wire.KindDelete:
		return s.applyDelete(op), nil
	case wire.KindSend:
		return s.applySend(op), nil
	case wire.KindNotif:
		return s.applyNotif(op), nil
	case wire.KindList:
		return s.applyList(op), nil
	case wire.KindLogs:
		return s.applyLogs(op), nil
	}
	return wire.Response{}, fmt.Errorf("%w: %s", ErrNotApplicable, op.Kind)
}

func (s *Store) applyCreate(op wire.Op) wire.Response {
	if _, ok := s.accounts[op.UserID]; ok {
		return fail(op.UserID, msgUserExists)
	}
	s.accounts[op.UserID] = &account{userID: op.UserID}
	s.order = append(s.order, op.UserID)
	s.queues[op.UserID] = NewQueue()
	return ok(op.UserID)
}

func (s *Store) applyLogin(op wire.Op) wire.Response {
	if _, present := s.accounts[op.UserID]; !present {
		return fail(op.UserID, msgUserNotExists)
	}
	// Login is advisory: the record is replicated but carries no state.
	// Session exclusivity is enforced on the notification channel.
	return ok(op.UserID)
}

func (s *Store) applyDelete(op wire.Op) wire.Response {
	if _, present := s.accounts[op.UserID]; !present {
		return fail(op.UserID, msgUserNotExists)
	}
	delete(s.accounts, op.UserID)
	delete(s.queues, op.UserID)
	for i, name := range s.order {
		if name == op.UserID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return ok(op.UserID)
}

func (s *Store) applySend(op wire.Op) wire.Response {
	recipient, present := s.accounts[op.Recipient]
	if !present {
		return fail(op.UserID, msgUserNotExists)
	}
	chat := wire.Chat{Author: op.UserID, Recipient: op.Recipient, Text: op.Text}
	recipient.history = append([]wire.Chat{chat}, recipient.history...)
	s.queues[op.Recipient].Enqueue(chat)
	return ok(op.UserID)
}

func (s *Store) applyNotif(op wire.Op) wire.Response {
	q, present := s.queues[op.UserID]
	if !present {
		return wire.Response{UserID: op.UserID, Kind: wire.RespNotif, Error: msgUserNotExists}
	}
	chat, got := q.Dequeue()
	if !got {
		return wire.Response{UserID: op.UserID, Kind: wire.RespNotif, Error: msgNoUndelivered}
	}
	return wire.Response{UserID: op.UserID, Kind: wire.RespNotif, Success: true, Chat: &chat}
}

func (s *Store) applyList(op wire.Op) wire.Response {
	var matched []string
	for _, name := range s.order {
		if strings.Contains(name, op.Wildcard) {
			matched = append(matched, name)
		}
	}
	return wire.Response{
		UserID:   op.UserID,
		Kind:     wire.RespList,
		Success:  true,
		Accounts: pageOf(matched, op.Page),
	}
}

func (s *Store) applyLogs(op wire.Op) wire.Response {
	acct, present := s.accounts[op.UserID]
	if !present {
		return wire.Response{UserID: op.UserID, Kind: wire.RespLogs, Error: msgUserNotExists}
	}
	var matched []wire.Chat
	for _, chat := range acct.history {
		if strings.Contains(chat.Author, op.Wildcard) {
			matched = append(matched, chat)
		}
	}
	return wire.Response{
		UserID:  op.UserID,
		Kind:    wire.RespLogs,
		Success: true,
		Chats:   pageOf(matched, op.Page),
	}
}

// Queue returns the undelivered queue for a user, or nil when the account
// does not exist. Subscriber loops look the queue up on every iteration so
// a deleted account ends the loop.
func (s *Store) Queue(user string) *Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues[user]
}

// Exists reports whether an account is live.
func (s *Store) Exists(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, present := s.accounts[user]
	return present
}

// Stats is a point-in-time summary for status reporting.
type Stats struct {
	Users       int `json:"users"`
	QueuedChats int `json:"queued_chats"`
}

// Stats returns current account and queue totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Users: len(s.accounts)}
	for _, q := range s.queues {
		st.QueuedChats += q.Len()
	}
	return st
}

func ok(user string) wire.Response {
	return wire.Response{UserID: user, Kind: wire.RespBasic, Success: true}
}

func fail(user, msg string) wire.Response {
	return wire.Response{UserID: user, Kind: wire.RespBasic, Error: msg}
}

// pageOf returns the fixed-size page at index page, or nil when the page is
// out of range. Negative pages are out of range, not an error.
func pageOf[T any](items []T, page int) []T {
	lo := page * PageSize
	if page < 0 || lo >= len(items) {
		return nil
	}
	hi := lo + PageSize
	if hi > len(items) {
		hi = len(items)
	}
	return items[lo:hi]
}
