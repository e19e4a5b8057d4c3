// Package backend is the typed client of the request/response API: identity
// bootstrap, history, sends, contact add, profile update and uploads.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/nebula/internal/chat"
)

var (
	// ErrUnauthenticated is returned when the API reports no logged-in user.
	ErrUnauthenticated = errors.New("backend: unauthenticated")
	// ErrNotFound is returned for unknown resources, such as a share code.
	ErrNotFound = errors.New("backend: not found")
)

// StatusError is any other non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: http %d", e.Code)
	}
	return fmt.Sprintf("backend: http %d: %s", e.Code, e.Message)
}

// Identity is the authenticated user together with their contact list.
type Identity struct {
	User     chat.User
	Contacts []chat.Contact
}

// SendRequest persists one message.
type SendRequest struct {
	ReceiverID string           `validate:"required"`
	Text       string           `validate:"max=65536"`
	Kind       chat.Kind        `validate:"required,oneof=text image video file call"`
	ReplyTo    string           `validate:"omitempty"`
	Call       *chat.CallDetails
	FileURL    string `validate:"required_if=Kind image,required_if=Kind video,required_if=Kind file"`
	FileName   string
}

// ProfileUpdate changes the authenticated user's public fields. Empty
// fields are left untouched.
type ProfileUpdate struct {
	Name   string `validate:"omitempty,max=64"`
	About  string `validate:"omitempty,max=280"`
	Avatar string `validate:"omitempty,url"`
}

// UploadRequest carries one file to the upload endpoint.
type UploadRequest struct {
	FileName    string `validate:"required"`
	ContentType string
	Body        io.Reader `validate:"required"`
	SenderID    string    `validate:"required"`
	ReceiverID  string    `validate:"required"`
}

// API is the request/response surface the engine consumes.
type API interface {
	CurrentUser(ctx context.Context) (Identity, error)
	History(ctx context.Context, contactID string) ([]chat.Message, error)
	Send(ctx context.Context, req SendRequest) (chat.Message, error)
	AddContact(ctx context.Context, shareCode string) (chat.User, error)
	UpdateProfile(ctx context.Context, req ProfileUpdate) (chat.User, error)
	Upload(ctx context.Context, req UploadRequest) (string, error)
}
