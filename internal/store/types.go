package store

import "github.com/matheus3301/nebula/internal/chat"

// Draft is the unsent composer state of one conversation.
type Draft struct {
	Peer    string
	Body    string
	ReplyTo string
}

// Empty reports whether the draft holds nothing worth keeping.
func (d Draft) Empty() bool {
	return d.Body == "" && d.ReplyTo == ""
}

// Prefs are the local relationship flags of one contact.
type Prefs struct {
	Peer string
	chat.Flags
}
