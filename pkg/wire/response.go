package wire

import (
	"fmt"
	"strings"
)

// RespKind identifies a response envelope variant.
type RespKind string

const (
	RespBasic RespKind = "basic"
	RespList  RespKind = "list"
	RespLogs  RespKind = "logs"
	RespNotif RespKind = "notif"
	RespPing  RespKind = "ping"
)

// Response is the envelope every server answer travels in. Basic responses
// carry only the success flag and an error message; list responses add
// account ids, logs responses add chats, notif responses add exactly one
// chat. Ping is the bare liveness token.
type Response struct {
	UserID   string
	Kind     RespKind
	Success  bool
	Error    string
	Accounts []string // list
	Chats    []Chat   // logs
	Chat     *Chat    // notif
}

// Ping is the fixed liveness token, answered verbatim on health probes and
// exchanged on notification sockets.
var Ping = Response{Kind: RespPing}

const (
	successTrue  = "True"
	successFalse = "False"
)

// Marshal renders the response as one wire line (without the newline).
func (r Response) Marshal() (string, error) {
	if r.Kind == RespPing {
		return fieldSep + "ping", nil
	}
	if err := checkFields(r.UserID, r.Error); err != nil {
		return "", err
	}
	success := successFalse
	if r.Success {
		success = successTrue
	}
	head := strings.Join([]string{r.UserID, string(r.Kind), success, r.Error}, fieldSep)
	switch r.Kind {
	case RespBasic:
		return head, nil
	case RespList:
		if err := checkFields(r.Accounts...); err != nil {
			return "", err
		}
		return head + fieldSep + strings.Join(r.Accounts, listSep), nil
	case RespLogs:
		encoded := make([]string, len(r.Chats))
		for i, c := range r.Chats {
			s, err := marshalChat(c)
			if err != nil {
				return "", err
			}
			encoded[i] = s
		}
		return head + fieldSep + strings.Join(encoded, listSep), nil
	case RespNotif:
		if r.Chat == nil {
			return head + fieldSep, nil
		}
		s, err := marshalChat(*r.Chat)
		if err != nil {
			return "", err
		}
		return head + fieldSep + s, nil
	}
	return "", fmt.Errorf("%w: unknown response kind %q", ErrMalformed, r.Kind)
}

// ParseResponse parses one wire line into a Response. The payload field of
// logs and notif responses embeds the inner chat encoding, so the top-level
// split is bounded at five fields.
func ParseResponse(line string) (Response, error) {
	parts := strings.SplitN(line, fieldSep, 5)
	if len(parts) < 2 {
		return Response{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	if parts[0] == "" && parts[1] == "ping" && len(parts) == 2 {
		return Ping, nil
	}
	if len(parts) < 4 {
		return Response{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	kind := RespKind(parts[1])
	resp := Response{UserID: parts[0], Kind: kind, Error: parts[3]}
	switch parts[2] {
	case successTrue:
		resp.Success = true
	case successFalse:
		resp.Success = false
	default:
		return Response{}, fmt.Errorf("%w: success field %q", ErrMalformed, parts[2])
	}
	if err := checkFields(resp.Error); err != nil {
		return Response{}, err
	}
	switch kind {
	case RespBasic:
		if len(parts) != 4 {
			return Response{}, fmt.Errorf("%w: basic response takes 4 fields", ErrMalformed)
		}
		return resp, nil
	case RespList:
		if len(parts) != 5 {
			return Response{}, fmt.Errorf("%w: list response takes 5 fields", ErrMalformed)
		}
		if parts[4] != "" {
			resp.Accounts = strings.Split(parts[4], listSep)
			if err := checkFields(resp.Accounts...); err != nil {
				return Response{}, err
			}
		}
		return resp, nil
	case RespLogs:
		if len(parts) != 5 {
			return Response{}, fmt.Errorf("%w: logs response takes 5 fields", ErrMalformed)
		}
		if parts[4] != "" {
			for _, enc := range strings.Split(parts[4], listSep) {
				chat, err := parseChat(enc)
				if err != nil {
					return Response{}, err
				}
				resp.Chats = append(resp.Chats, chat)
			}
		}
		return resp, nil
	case RespNotif:
		if len(parts) != 5 {
			return Response{}, fmt.Errorf("%w: notif response takes 5 fields", ErrMalformed)
		}
		if parts[4] != "" {
			chat, err := parseChat(parts[4])
			if err != nil {
				return Response{}, err
			}
			resp.Chat = &chat
		}
		return resp, nil
	}
	return Response{}, fmt.Errorf("%w: unknown response kind %q", ErrMalformed, parts[1])
}
