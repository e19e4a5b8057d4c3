package coordinator

import (
	"errors"
	"time"

	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/status"
)

var (
	// ErrNoUser means no authenticated identity is loaded.
	ErrNoUser = errors.New("coordinator: no authenticated user")
	// ErrNoActiveConversation means an intent needed a selected conversation.
	ErrNoActiveConversation = errors.New("coordinator: no active conversation")
	// ErrUnknownContact means the peer is not in the contact list.
	ErrUnknownContact = errors.New("coordinator: unknown contact")
	// ErrUnknownMessage means a reply target is not in the conversation.
	ErrUnknownMessage = errors.New("coordinator: unknown message")
	// ErrBlocked means the intent is not allowed towards a blocked contact.
	ErrBlocked = errors.New("coordinator: contact is blocked")
	// ErrEmptyMessage means there was nothing to send.
	ErrEmptyMessage = errors.New("coordinator: empty message")
	// ErrClosed means the session loop has stopped.
	ErrClosed = errors.New("coordinator: session closed")
)

// MessageEvent is the payload of message.* bus events.
type MessageEvent struct {
	Peer    string
	Message chat.Message
	// TempID is set on reconcile and remove events.
	TempID  string
	Blocked bool
}

// HistoryEvent is the payload of message.history_merged.
type HistoryEvent struct {
	Peer  string
	Added int
	Total int
}

// ConversationEvent is the payload of conversation.selected.
type ConversationEvent struct {
	Peer    string
	Draft   string
	ReplyTo string
}

// ContactEvent is the payload of contact.added and contact.updated.
type ContactEvent struct {
	Contact chat.Contact
}

// RosterEvent is the payload of contact.presence_roster.
type RosterEvent struct {
	Online []string
}

// CallEvent is the payload of call.phase_changed.
type CallEvent struct {
	Phase   call.PhaseName
	Peer    string
	Media   call.Media
	Role    call.Role
	Outcome *chat.CallDetails
}

// ContactView is a contact with presence and draft derived at read time.
type ContactView struct {
	chat.Contact
	Online bool
	Draft  string
}

// Conversation is the state restored on selection.
type Conversation struct {
	Peer     string
	Draft    string
	ReplyTo  string
	Messages []chat.Message
}

// Status summarises the session.
type Status struct {
	Identity     string
	Name         string
	ShareID      string
	Channel      status.State
	ChannelSince time.Time
	Active       string
	Call         CallEvent
	Contacts     int
	PendingSends int
}

func callEvent(p call.Phase) CallEvent {
	ev := CallEvent{Phase: p.Name(), Peer: call.PeerOf(p)}
	switch v := p.(type) {
	case call.Ringing:
		ev.Media, ev.Role = v.Media, call.Caller
	case call.Incoming:
		ev.Media, ev.Role = v.Media, call.Callee
	case call.Connected:
		ev.Media, ev.Role = v.Media, v.Role
	case call.Ended:
		ev.Media = v.Media
		outcome := v.Outcome
		ev.Outcome = &outcome
	}
	return ev
}
