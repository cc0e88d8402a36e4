// Package wire implements the line-framed text protocol spoken on every
// chatmesh socket: operations sent by clients and replicated between peers,
// the response envelopes sent back, and the control records used on peer
// channels (handshake and slice requests).
//
// Records are single UTF-8 lines. Fields are separated by "@@" at the top
// level and by "##" inside list payloads. The codec validates framing and
// field counts only; semantic checks (unknown users, empty queues) belong to
// the state machine.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	fieldSep = "@@"
	listSep  = "##"
)

// ErrMalformed reports a record that does not match any operation or
// response schema: wrong field count, unknown kind, a non-integer page, or a
// separator inside a payload field. Servers close the offending socket.
var ErrMalformed = errors.New("wire: malformed record")

// Kind identifies an operation variant. The wire representation is the kind
// name itself, so values double as protocol tokens.
type Kind string

const (
	KindCreate Kind = "create"
	KindLogin  Kind = "login"
	KindDelete Kind = "delete"
	KindSend   Kind = "send"
	KindNotif  Kind = "notif"
	KindList   Kind = "list"
	KindLogs   Kind = "logs"

	// KindTakeover is the dispatcher sentinel that flips a backup into
	// primary mode. It is queued in memory, never logged and never sent.
	KindTakeover Kind = "takeover"

	// KindFallover is the out-of-band control record that asks the primary
	// to shut itself down. Accepted on client sockets only, never logged.
	KindFallover Kind = "fallover"
)

// Op is a single operation, the tagged unit the dispatcher applies and the
// durable log stores. Only the fields relevant to Kind are set.
type Op struct {
	Kind      Kind
	UserID    string
	Recipient string // send
	Text      string // send
	Wildcard  string // list, logs
	Page      int    // list, logs
}

// Chat is one message. Chats are immutable once created.
type Chat struct {
	Author    string
	Recipient string
	Text      string
}

// Replicated reports whether the op mutates state and therefore must be
// durably appended and broadcast to backups.
func (o Op) Replicated() bool {
	switch o.Kind {
	case KindCreate, KindLogin, KindDelete, KindSend, KindNotif:
		return true
	}
	return false
}

// ReadOnly reports whether the op is a pure query, applied to local state
// without ever touching the log.
func (o Op) ReadOnly() bool {
	return o.Kind == KindList || o.Kind == KindLogs
}

// Marshal renders the op as one wire line (without the trailing newline).
func (o Op) Marshal() (string, error) {
	switch o.Kind {
	case KindCreate, KindLogin, KindDelete, KindNotif, KindTakeover, KindFallover:
		if err := checkFields(o.UserID); err != nil {
			return "", err
		}
		return o.UserID + fieldSep + string(o.Kind), nil
	case KindSend:
		if err := checkFields(o.UserID, o.Recipient, o.Text); err != nil {
			return "", err
		}
		return strings.Join([]string{o.UserID, string(o.Kind), o.Recipient, o.Text}, fieldSep), nil
	case KindList, KindLogs:
		if err := checkFields(o.UserID, o.Wildcard); err != nil {
			return "", err
		}
		return strings.Join([]string{o.UserID, string(o.Kind), o.Wildcard, strconv.Itoa(o.Page)}, fieldSep), nil
	}
	return "", fmt.Errorf("%w: unknown op kind %q", ErrMalformed, o.Kind)
}

// ParseOp parses one wire line into an Op. The schema is selected by the
// kind token in the second field; a field count that does not match the
// schema fails with ErrMalformed.
func ParseOp(line string) (Op, error) {
	parts := strings.Split(line, fieldSep)
	if len(parts) < 2 {
		return Op{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	kind := Kind(parts[1])
	switch kind {
	case KindCreate, KindLogin, KindDelete, KindNotif, KindTakeover, KindFallover:
		if len(parts) != 2 {
			return Op{}, fmt.Errorf("%w: %s takes 2 fields, got %d", ErrMalformed, kind, len(parts))
		}
		if err := checkFields(parts[0]); err != nil {
			return Op{}, err
		}
		return Op{Kind: kind, UserID: parts[0]}, nil
	case KindSend:
		if len(parts) != 4 {
			return Op{}, fmt.Errorf("%w: send takes 4 fields, got %d", ErrMalformed, len(parts))
		}
		if err := checkFields(parts[0], parts[2], parts[3]); err != nil {
			return Op{}, err
		}
		return Op{Kind: kind, UserID: parts[0], Recipient: parts[2], Text: parts[3]}, nil
	case KindList, KindLogs:
		if len(parts) != 4 {
			return Op{}, fmt.Errorf("%w: %s takes 4 fields, got %d", ErrMalformed, kind, len(parts))
		}
		page, err := strconv.Atoi(parts[3])
		if err != nil {
			return Op{}, fmt.Errorf("%w: page %q is not an integer", ErrMalformed, parts[3])
		}
		if err := checkFields(parts[0], parts[2]); err != nil {
			return Op{}, err
		}
		return Op{Kind: kind, UserID: parts[0], Wildcard: parts[2], Page: page}, nil
	}
	return Op{}, fmt.Errorf("%w: unknown op kind %q", ErrMalformed, parts[1])
}

// Handshake is the first record exchanged in both directions when a peer
// channel is established: the sender's name and current log progress.
type Handshake struct {
	Name     string
	Progress int
}

// Marshal renders the handshake record.
func (h Handshake) Marshal() string {
	return h.Name + fieldSep + strconv.Itoa(h.Progress)
}

// ParseHandshake parses a peer handshake record.
func ParseHandshake(line string) (Handshake, error) {
	parts := strings.Split(line, fieldSep)
	if len(parts) != 2 {
		return Handshake{}, fmt.Errorf("%w: handshake %q", ErrMalformed, line)
	}
	progress, err := strconv.Atoi(parts[1])
	if err != nil || progress < 0 {
		return Handshake{}, fmt.Errorf("%w: handshake progress %q", ErrMalformed, parts[1])
	}
	return Handshake{Name: parts[0], Progress: progress}, nil
}

// SliceRequest asks a peer for the log slice [Lo, Hi). It only ever appears
// on peer channels, during catch-up.
type SliceRequest struct {
	Lo, Hi int
}

// Marshal renders the slice request record.
func (s SliceRequest) Marshal() string {
	return fieldSep + "slice" + fieldSep + strconv.Itoa(s.Lo) + fieldSep + strconv.Itoa(s.Hi)
}

// ParseSliceRequest reports whether the line is a slice request and, if so,
// decodes it. Lines that are not slice requests return ok=false so callers
// fall through to ParseOp.
func ParseSliceRequest(line string) (SliceRequest, bool) {
	parts := strings.Split(line, fieldSep)
	if len(parts) != 4 || parts[0] != "" || parts[1] != "slice" {
		return SliceRequest{}, false
	}
	lo, err1 := strconv.Atoi(parts[2])
	hi, err2 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || lo < 0 || hi < lo {
		return SliceRequest{}, false
	}
	return SliceRequest{Lo: lo, Hi: hi}, true
}

func marshalChat(c Chat) (string, error) {
	if err := checkFields(c.Author, c.Recipient, c.Text); err != nil {
		return "", err
	}
	return c.Author + fieldSep + c.Recipient + fieldSep + c.Text, nil
}

func parseChat(s string) (Chat, error) {
	parts := strings.Split(s, fieldSep)
	if len(parts) != 3 {
		return Chat{}, fmt.Errorf("%w: chat %q", ErrMalformed, s)
	}
	if err := checkFields(parts[2]); err != nil {
		return Chat{}, err
	}
	return Chat{Author: parts[0], Recipient: parts[1], Text: parts[2]}, nil
}

// checkFields rejects payload values that would corrupt framing. The codec
// does not enforce user-facing limits (lengths, character sets); those are
// the shell's problem.
func checkFields(fields ...string) error {
	for _, f := range fields {
		if strings.Contains(f, fieldSep) || strings.Contains(f, listSep) {
			return fmt.Errorf("%w: separator in payload %q", ErrMalformed, f)
		}
		if strings.ContainsAny(f, "\r\n") {
			return fmt.Errorf("%w: newline in payload", ErrMalformed)
		}
	}
	return nil
}
