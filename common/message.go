package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies one variant of the wire message union.
type Kind int

const (
	ConfirmElection Kind = iota
	ShareCandidates
	ClientRequest
	RequestBroadcast
	ReplyBroadcast
	Response
	Failure
	Ping
	PingReply
	NewLeader
)

// Reserved sender ids for processes outside the replica set.
const (
	ClientID      = -1
	EnvironmentID = -2
	// UnknownLeader marks a leader view that has never been set.
	UnknownLeader = -1
)

var (
	// ErrMalformed is returned by Decode when a line has the right tag but bad fields.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownTag is returned by Decode when the line does not start with a known tag.
	ErrUnknownTag = errors.New("unknown message tag")
)

var kindTags = map[Kind]string{
	ConfirmElection:  "ConfirmElectionMsg",
	ShareCandidates:  "CandidateMsg",
	ClientRequest:    "ClientRequestMsg",
	RequestBroadcast: "RequestBroadcastMsg",
	ReplyBroadcast:   "ReplyBroadcastMsg",
	Response:         "ResponseMsg",
	Failure:          "FailureMsg",
	Ping:             "PingMsg",
	PingReply:        "ReplyPingMsg",
	NewLeader:        "NewLeaderMsg",
}

var tagKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindTags))
	for k, tag := range kindTags {
		m[tag] = k
	}
	return m
}()

func (k Kind) String() string {
	if tag, ok := kindTags[k]; ok {
		return tag
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is the single wire type. Every variant carries Sender, Leader and
// Stamp; the remaining fields are only meaningful for the kinds noted.
type Message struct {
	Kind   Kind
	Sender int
	Leader int
	Stamp  int64

	// Candidates is set for ShareCandidates.
	Candidates []int
	// RequestID is set for ClientRequest, RequestBroadcast, ReplyBroadcast and Response.
	RequestID int
	// Failed is set for Failure.
	Failed bool
}

func (m Message) hasRequestID() bool {
	switch m.Kind {
	case ClientRequest, RequestBroadcast, ReplyBroadcast, Response:
		return true
	}
	return false
}

func (m Message) String() string {
	return Encode(m)
}

// Encode renders m as a single space-delimited line without the trailing newline.
func Encode(m Message) string {
	var b strings.Builder
	b.WriteString(m.Kind.String())
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(m.Sender))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(m.Leader))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(m.Stamp, 10))
	switch {
	case m.Kind == ShareCandidates:
		b.WriteByte(' ')
		b.WriteString(encodeCandidates(m.Candidates))
	case m.Kind == Failure:
		b.WriteByte(' ')
		if m.Failed {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case m.hasRequestID():
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(m.RequestID))
	}
	return b.String()
}

func encodeCandidates(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Decode parses one line produced by Encode. It never panics: unknown tags
// and bad fields are reported through ErrUnknownTag and ErrMalformed.
func Decode(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	kind, ok := tagKinds[fields[0]]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTag, fields[0])
	}
	msg := Message{Kind: kind}

	want := 4
	if kind == ShareCandidates || kind == Failure || msg.hasRequestID() {
		want = 5
	}
	if len(fields) != want {
		return Message{}, fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformed, fields[0], want, len(fields))
	}

	var err error
	if msg.Sender, err = strconv.Atoi(fields[1]); err != nil {
		return Message{}, fmt.Errorf("%w: sender: %v", ErrMalformed, err)
	}
	if msg.Leader, err = strconv.Atoi(fields[2]); err != nil {
		return Message{}, fmt.Errorf("%w: leader: %v", ErrMalformed, err)
	}
	if msg.Stamp, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
		return Message{}, fmt.Errorf("%w: stamp: %v", ErrMalformed, err)
	}

	switch {
	case kind == ShareCandidates:
		if msg.Candidates, err = decodeCandidates(fields[4]); err != nil {
			return Message{}, err
		}
	case kind == Failure:
		switch fields[4] {
		case "True":
			msg.Failed = true
		case "False":
			msg.Failed = false
		default:
			return Message{}, fmt.Errorf("%w: failure value %q", ErrMalformed, fields[4])
		}
	case msg.hasRequestID():
		if msg.RequestID, err = strconv.Atoi(fields[4]); err != nil {
			return Message{}, fmt.Errorf("%w: request id: %v", ErrMalformed, err)
		}
	}
	return msg, nil
}

func decodeCandidates(s string) ([]int, error) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("%w: candidate list %q", ErrMalformed, s)
	}
	body := s[1 : len(s)-1]
	ids := []int{}
	if body == "" {
		return ids, nil
	}
	for _, part := range strings.Split(body, ",") {
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %q: %v", ErrMalformed, part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
