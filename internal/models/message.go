package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EventType names a frame on the persistent signaling channel.
type EventType string

const (
	// Client -> server.
	EventJoinRequest EventType = "join-request"
	EventSignal      EventType = "signal"
	EventLeave       EventType = "leave"

	// Server -> client.
	EventSession    EventType = "session"
	EventAck        EventType = "ack"
	EventUserJoined EventType = "userJoined"
	EventRoomUpdate EventType = "roomUpdate"
	EventUserLeft   EventType = "userLeft"
	EventError      EventType = "error"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice-candidate"
)

// Valid reports whether t is one of the relayed negotiation message types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate:
		return true
	default:
		return false
	}
}

// Frame is the envelope of every message on the persistent channel.
type Frame struct {
	Event     EventType       `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type JoinRequest struct {
	Room        string `json:"room"`
	AccessToken string `json:"accessToken"`
	Name        string `json:"name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// SignalPayload is a negotiation message as sent by a client. SDP and
// Candidate are relayed as-is and never interpreted by the server.
type SignalPayload struct {
	Type      SignalType      `json:"type"`
	To        string          `json:"to,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// SignalEvent is a SignalPayload as delivered to peers, stamped with the
// server-assigned sender id.
type SignalEvent struct {
	SignalPayload
	SenderID string `json:"senderId"`
}

type SessionEvent struct {
	ID        string `json:"id"`
	ResumeKey string `json:"resumeKey"`
	Resumed   bool   `json:"resumed"`
	Room      string `json:"room,omitempty"`
}

type AckEvent struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type UserJoinedEvent struct {
	ID     string `json:"id"`
	Room   string `json:"room"`
	Count  int    `json:"count"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type RoomUpdateEvent struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
	Count   int      `json:"count"`
	Version uint64   `json:"version"`
}

type UserLeftEvent struct {
	ID    string `json:"id"`
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type ErrorEvent struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// EncodeFrame marshals data and wraps it in a Frame. HTML escaping is off so
// relayed sdp and candidate text reaches peers as the sender wrote it.
func EncodeFrame(event EventType, requestID string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", event, err)
		}
		raw = b
	}
	return marshal(Frame{Event: event, RequestID: requestID, Data: raw})
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeFrame parses a single frame, rejecting unknown fields and trailing
// data.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := DecodeStrict(b, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("frame missing event")
	}
	return f, nil
}

// DecodeStrict unmarshals exactly one JSON value into v, failing on unknown
// fields.
func DecodeStrict(b []byte, v any) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return fmt.Errorf("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
