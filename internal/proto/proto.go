// Package proto defines the wire envelope shared by every payload this
// system exchanges — chat, typing, file offers, signaling, and call control.
//
// Everything on the wire is one tagged record {type, from, ts, payload}.
// Receivers decode once at the boundary (Decode) into a closed set of
// message types and dispatch on the concrete type; unknown type tags are
// ignored, never errors. No code past the boundary branches on JSON shape.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags. Namespaces are disjoint: plain tags for chat/typing/file
// transfer, "signal" for session establishment, "call-*" for 1:1 call
// control, "group-call-*" for mesh call control.
const (
	TypeChat      = "chat"
	TypeTyping    = "typing"
	TypeFileOffer = "file-offer"

	TypeSignal = "signal"

	TypeCallRequest = "call-request"
	TypeCallAccept  = "call-accept"
	TypeCallReject  = "call-reject"
	TypeCallHangup  = "call-hangup"

	TypeGroupCallInvite = "group-call-invite"
	TypeGroupCallJoin   = "group-call-join"
	TypeGroupCallLeave  = "group-call-leave"
	TypeGroupCallEnd    = "group-call-end"
	TypeGroupCallMedia  = "group-call-media"
)

// Signal kinds carried inside a TypeSignal envelope.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Envelope is the wire-level record. Payload stays raw until Decode picks
// the concrete type for it.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Msg is the closed union of decoded wire messages. Only types in this
// package implement it.
type Msg interface{ isMsg() }

// Chat is an application chat message. MessageID is globally unique and is
// the deduplication key at every receiver regardless of delivery path.
type Chat struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// Typing is a typing indicator. Idempotent by nature — exempt from
// deduplication and never retried.
type Typing struct {
	Active bool `json:"active"`
}

// FileOffer announces a file transfer. Chunking itself happens outside the
// core; this is metadata only.
type FileOffer struct {
	MessageID string `json:"message_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Chunks    int    `json:"chunks"`
}

// Candidate mirrors an ICE candidate without pulling the transport library
// into the wire package.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

// Signal carries one piece of session-establishment data. ID makes duplicate
// mailbox delivery (possible before delete-after-read completes) idempotent.
// Scope is empty for the plain chat session, or a call ID for per-call
// sessions — the two session sets are independent.
type Signal struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"` // offer|answer|candidate
	Scope     string     `json:"scope,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// CallControl is 1:1 call control (call-request/accept/reject/hangup).
type CallControl struct {
	Kind   string `json:"kind"`
	CallID string `json:"call_id"`
	Video  bool   `json:"video,omitempty"`
}

// GroupCall is mesh call control. Invites carry the complete initial
// participant set so an acceptor can open sessions to every member, not just
// the inviter.
type GroupCall struct {
	Kind         string   `json:"kind"`
	CallID       string   `json:"call_id"`
	Participants []string `json:"participants,omitempty"`
	PeerID       string   `json:"peer_id,omitempty"` // joined/left subject
	Video        bool     `json:"video,omitempty"`
	AudioMuted   bool     `json:"audio_muted,omitempty"`
	VideoOff     bool     `json:"video_off,omitempty"`
}

func (Chat) isMsg()        {}
func (Typing) isMsg()      {}
func (FileOffer) isMsg()   {}
func (Signal) isMsg()      {}
func (CallControl) isMsg() {}
func (GroupCall) isMsg()   {}

// NowMillis is the timestamp convention for every envelope.
func NowMillis() int64 { return time.Now().UnixMilli() }

// Encode wraps msg in an Envelope and marshals it.
func Encode(from string, msg Msg) ([]byte, error) {
	typ, err := typeTag(msg)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:    typ,
		From:    from,
		TS:      NowMillis(),
		Payload: payload,
	})
}

func typeTag(msg Msg) (string, error) {
	switch m := msg.(type) {
	case Chat:
		return TypeChat, nil
	case Typing:
		return TypeTyping, nil
	case FileOffer:
		return TypeFileOffer, nil
	case Signal:
		return TypeSignal, nil
	case CallControl:
		return callTag(m.Kind)
	case GroupCall:
		return groupCallTag(m.Kind)
	default:
		return "", fmt.Errorf("proto: unencodable message %T", msg)
	}
}

func callTag(kind string) (string, error) {
	switch kind {
	case "request":
		return TypeCallRequest, nil
	case "accept":
		return TypeCallAccept, nil
	case "reject":
		return TypeCallReject, nil
	case "hangup":
		return TypeCallHangup, nil
	}
	return "", fmt.Errorf("proto: unknown call kind %q", kind)
}

func groupCallTag(kind string) (string, error) {
	switch kind {
	case "invite":
		return TypeGroupCallInvite, nil
	case "join":
		return TypeGroupCallJoin, nil
	case "leave":
		return TypeGroupCallLeave, nil
	case "end":
		return TypeGroupCallEnd, nil
	case "media":
		return TypeGroupCallMedia, nil
	}
	return "", fmt.Errorf("proto: unknown group call kind %q", kind)
}

// Decode parses a wire envelope and its payload. A recognized type with a
// malformed payload is an error; an unrecognized type returns (env, nil, nil)
// and the caller drops it.
func Decode(data []byte) (Envelope, Msg, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("proto: bad envelope: %w", err)
	}
	msg, err := DecodePayload(env)
	if err != nil {
		return env, nil, err
	}
	return env, msg, nil
}

// DecodePayload picks the concrete message for an already-parsed envelope.
func DecodePayload(env Envelope) (Msg, error) {
	switch env.Type {
	case TypeChat:
		var m Chat
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s payload: %w", env.Type, err)
		}
		return m, nil
	case TypeTyping:
		var m Typing
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s payload: %w", env.Type, err)
		}
		return m, nil
	case TypeFileOffer:
		var m FileOffer
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s payload: %w", env.Type, err)
		}
		return m, nil
	case TypeSignal:
		var m Signal
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s payload: %w", env.Type, err)
		}
		return m, nil
	case TypeCallRequest, TypeCallAccept, TypeCallReject, TypeCallHangup:
		var m CallControl
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s payload: %w", env.Type, err)
		}
		m.Kind = env.Type[len("call-"):]
		return m, nil
	case TypeGroupCallInvite, TypeGroupCallJoin, TypeGroupCallLeave,
		TypeGroupCallEnd, TypeGroupCallMedia:
		var m GroupCall
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s payload: %w", env.Type, err)
		}
		m.Kind = env.Type[len("group-call-"):]
		return m, nil
	}
	// Unknown types are ignored, not errors — forward compatibility.
	return nil, nil
}
