package realtime

import (
	"encoding/json"
	"fmt"
)

// Channel event names.
const (
	EventBindIdentity   = "bind-identity"
	EventPresenceRoster = "presence-roster"
	EventCallUser       = "call-user"
	EventIncomingCall   = "incoming-call"
	EventAnswerCall     = "answer-call"
	EventCallAccepted   = "call-accepted"
	EventEndCall        = "end-call"
	EventCallEnded      = "call-ended"
	EventUserOffline    = "user-offline"
	EventNewMessage     = "new-message"
)

// Envelope is the frame exchanged on the channel in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// CallUser rings ReceiverID.
type CallUser struct {
	ReceiverID string `json:"receiverId"`
	Kind       string `json:"kind"`
}

// IncomingCall delivers a ring from SenderID.
type IncomingCall struct {
	SenderID string `json:"senderId"`
	Kind     string `json:"kind"`
}

// AnswerCall accepts the ring placed by SenderID.
type AnswerCall struct {
	SenderID string `json:"senderId"`
}

// EndCall terminates the call with TargetID.
type EndCall struct {
	TargetID string `json:"targetId"`
}

// PeerSignal names the other party of a relay-originated call event
// (call-accepted, call-ended, user-offline).
type PeerSignal struct {
	UserID string `json:"userId"`
}

// Decode unmarshals an event payload into T.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
