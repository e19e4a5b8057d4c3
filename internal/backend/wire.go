package backend

import (
	"time"

	"github.com/matheus3301/nebula/internal/chat"
)

// WireUser is the user record as served by the API.
type WireUser struct {
	ID          string    `json:"_id"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	ShareID     string    `json:"shareId,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
}

// WireCall is the call outcome attached to call messages.
type WireCall struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
}

// WireMessage is the message record shared by the API and new-message pushes.
type WireMessage struct {
	ID          string    `json:"_id"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	Text        string    `json:"text"`
	Type        string    `json:"type,omitempty"`
	FileURL     string    `json:"fileUrl,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	CallDetails *WireCall `json:"callDetails,omitempty"`
	ReplyTo     string    `json:"replyTo,omitempty"`
	Status      string    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type wireContact struct {
	WireUser
	LastMessageDoc *WireMessage `json:"lastMessageDoc"`
}

type wireCurrentUser struct {
	WireUser
	Contacts []wireContact `json:"contacts"`
}

// ToUser converts a wire user to the domain type.
func (u WireUser) ToUser() chat.User {
	return chat.User{
		ID:           u.ID,
		Name:         u.DisplayName,
		Avatar:       u.Avatar,
		About:        u.Bio,
		ShareID:      u.ShareID,
		LastActivity: u.LastSeen,
	}
}

// UserToWire converts a domain user to its wire form.
func UserToWire(u chat.User) WireUser {
	return WireUser{
		ID:          u.ID,
		DisplayName: u.Name,
		Avatar:      u.Avatar,
		Bio:         u.About,
		ShareID:     u.ShareID,
		LastSeen:    u.LastActivity,
	}
}

// ToMessage converts a wire message to the domain type. Missing kinds
// default to text.
func (m WireMessage) ToMessage() chat.Message {
	out := chat.Message{
		ID:        m.ID,
		SenderID:  m.Sender,
		Recipient: m.Receiver,
		Body:      m.Text,
		Kind:      chat.Kind(m.Type),
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		ReplyTo:   m.ReplyTo,
		Status:    chat.Status(m.Status),
		Timestamp: m.Timestamp,
	}
	if out.Kind == "" {
		out.Kind = chat.KindText
	}
	if m.CallDetails != nil {
		out.Call = &chat.CallDetails{
			Status:   chat.CallStatus(m.CallDetails.Status),
			Duration: m.CallDetails.Duration,
		}
	}
	return out
}

// MessageToWire converts a domain message to its wire form.
func MessageToWire(m chat.Message) WireMessage {
	out := WireMessage{
		ID:        m.ID,
		Sender:    m.SenderID,
		Receiver:  m.Recipient,
		Text:      m.Body,
		Type:      string(m.Kind),
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		ReplyTo:   m.ReplyTo,
		Status:    string(m.Status),
		Timestamp: m.Timestamp,
	}
	if m.Call != nil {
		out.CallDetails = &WireCall{Status: string(m.Call.Status), Duration: m.Call.Duration}
	}
	return out
}
