// Package chat defines the users, contacts and messages a session exchanges,
// along with the delivery and call-outcome statuses attached to them.
package chat

import (
	"strings"
	"time"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
	KindCall  Kind = "call"
)

// Status is the delivery status of a message. Statuses only move forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Upgrade returns the further along of s and other.
func (s Status) Upgrade(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// CallStatus is the persisted outcome of a call.
type CallStatus string

const (
	CallMissed CallStatus = "missed"
	CallEnded  CallStatus = "ended"
)

// CallDetails is attached to messages of kind call.
type CallDetails struct {
	Status   CallStatus
	Duration string // mm:ss, empty for missed calls
}

// TempPrefix marks client-local message identifiers.
const TempPrefix = "temp-"

// IsTempID reports whether id was issued locally and is not yet confirmed.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// User is a chat identity.
type User struct {
	ID           string
	Name         string
	Avatar       string
	About        string
	ShareID      string
	LastActivity time.Time
}

// Message is a single entry in a two-party conversation.
type Message struct {
	ID        string
	SenderID  string
	Recipient string
	Body      string
	Kind      Kind
	FileURL   string
	FileName  string
	ReplyTo   string
	Call      *CallDetails
	Status    Status
	Timestamp time.Time
}

// Pending reports whether the message still carries a temporary identifier.
func (m Message) Pending() bool {
	return IsTempID(m.ID)
}

// Peer returns the participant of m that is not self.
func (m Message) Peer(self string) string {
	if m.SenderID == self {
		return m.Recipient
	}
	return m.SenderID
}

// Preview is the cached most-recent-message summary shown in contact lists.
type Preview struct {
	Kind Kind
	Text string
	Time time.Time
}

// Flags are local relationship flags of a contact.
type Flags struct {
	Muted    bool
	Blocked  bool
	Favorite bool
}

// Contact is a user in the authenticated user's contact list.
type Contact struct {
	User
	Flags
	Preview *Preview
}

// PreviewOf builds the contact-list preview for m as seen by self.
func PreviewOf(m Message, self string) *Preview {
	text := m.Body
	if m.SenderID == self {
		text = "You: " + text
	}
	return &Preview{Kind: m.Kind, Text: text, Time: m.Timestamp}
}
