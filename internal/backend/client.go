package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/chat"
)

// SessionCookie is the cookie carrying the session credential.
const SessionCookie = "session"

const maxErrorBody = 4 << 10

var _ API = (*Client)(nil)

// Client talks to the API over HTTP.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	validate *validator.Validate
	log      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l.Named("backend") }
}

// NewClient creates an API client rooted at baseURL.
func NewClient(baseURL, token string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: timeout},
		validate: validator.New(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentUser fetches the authenticated identity with its contacts and
// their most recent message.
func (c *Client) CurrentUser(ctx context.Context) (Identity, error) {
	var cur wireCurrentUser
	if err := c.do(ctx, http.MethodGet, "/api/current_user", nil, &cur); err != nil {
		return Identity{}, err
	}
	if cur.ID == "" {
		return Identity{}, ErrUnauthenticated
	}
	id := Identity{User: cur.ToUser(), Contacts: make([]chat.Contact, 0, len(cur.Contacts))}
	for _, wc := range cur.Contacts {
		contact := chat.Contact{User: wc.ToUser()}
		if wc.LastMessageDoc != nil {
			contact.Preview = chat.PreviewOf(wc.LastMessageDoc.ToMessage(), cur.ID)
		}
		id.Contacts = append(id.Contacts, contact)
	}
	return id, nil
}

// History fetches the conversation with contactID, oldest first. Entries
// without a delivery status are reported as read.
func (c *Client) History(ctx context.Context, contactID string) ([]chat.Message, error) {
	if contactID == "" {
		return nil, errors.New("backend: empty contact id")
	}
	var page []WireMessage
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(contactID), nil, &page); err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(page))
	for _, wm := range page {
		m := wm.ToMessage()
		if m.Status == "" {
			m.Status = chat.StatusRead
		}
		out = append(out, m)
	}
	return out, nil
}

type sendBody struct {
	ReceiverID  string    `json:"receiverId"`
	Text        string    `json:"text"`
	Type        string    `json:"type"`
	ReplyTo     string    `json:"replyTo,omitempty"`
	CallDetails *WireCall `json:"callDetails,omitempty"`
	FileURL     string    `json:"fileUrl,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
}

// Send persists a message and returns the server's record of it.
func (c *Client) Send(ctx context.Context, req SendRequest) (chat.Message, error) {
	if err := c.validate.Struct(req); err != nil {
		return chat.Message{}, fmt.Errorf("backend: invalid send: %w", err)
	}
	body := sendBody{
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		Type:       string(req.Kind),
		ReplyTo:    req.ReplyTo,
		FileURL:    req.FileURL,
		FileName:   req.FileName,
	}
	if req.Call != nil {
		body.CallDetails = &WireCall{Status: string(req.Call.Status), Duration: req.Call.Duration}
	}
	var saved WireMessage
	if err := c.do(ctx, http.MethodPost, "/api/messages/send", body, &saved); err != nil {
		return chat.Message{}, err
	}
	if saved.ID == "" {
		return chat.Message{}, errors.New("backend: send response without id")
	}
	return saved.ToMessage(), nil
}

// AddContact adds the user owning shareCode to the contact list.
func (c *Client) AddContact(ctx context.Context, shareCode string) (chat.User, error) {
	shareCode = strings.TrimSpace(shareCode)
	if err := c.validate.Var(shareCode, "required,max=64"); err != nil {
		return chat.User{}, fmt.Errorf("backend: invalid share code: %w", err)
	}
	var u WireUser
	if err := c.do(ctx, http.MethodPost, "/api/contacts/add", map[string]string{"targetShareId": shareCode}, &u); err != nil {
		return chat.User{}, err
	}
	return u.ToUser(), nil
}

// UpdateProfile changes the authenticated user's public fields.
func (c *Client) UpdateProfile(ctx context.Context, req ProfileUpdate) (chat.User, error) {
	if err := c.validate.Struct(req); err != nil {
		return chat.User{}, fmt.Errorf("backend: invalid profile: %w", err)
	}
	body := map[string]string{}
	if req.Name != "" {
		body["displayName"] = req.Name
	}
	if req.About != "" {
		body["bio"] = req.About
	}
	if req.Avatar != "" {
		body["avatar"] = req.Avatar
	}
	if len(body) == 0 {
		return chat.User{}, errors.New("backend: empty profile update")
	}
	var u WireUser
	if err := c.do(ctx, http.MethodPut, "/api/user/update", body, &u); err != nil {
		return chat.User{}, err
	}
	return u.ToUser(), nil
}

type uploadResult struct {
	Success bool   `json:"success"`
	FileURL string `json:"fileUrl"`
	Error   string `json:"error"`
}

// Upload stores a file and returns its reference for use in a message.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (string, error) {
	if err := c.validate.Struct(req); err != nil {
		return "", fmt.Errorf("backend: invalid upload: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("sender", req.SenderID)
	_ = w.WriteField("receiver", req.ReceiverID)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.FileName))
	ct := req.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header.Set("Content-Type", ct)
	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return "", fmt.Errorf("write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	var res uploadResult
	if err := c.send(httpReq, &res); err != nil {
		return "", err
	}
	if !res.Success || res.FileURL == "" {
		return "", &StatusError{Code: http.StatusOK, Message: "upload rejected: " + res.Error}
	}
	return res.FileURL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.token})
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("api call",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrNotFound)
	case resp.StatusCode >= 300:
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: empty response", req.URL.Path)
		}
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
