package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/messages"
	"github.com/matheus3301/nebula/internal/outbox"
	"github.com/matheus3301/nebula/internal/realtime"
	"github.com/matheus3301/nebula/internal/status"
	"github.com/matheus3301/nebula/internal/store"
	hist "github.com/matheus3301/nebula/internal/sync"
)

// Bootstrap loads the authenticated identity and its contacts, then opens
// the realtime channel for it. Without an authenticated user no channel is
// opened and ErrNoUser is returned. A channel failure is returned wrapped but
// leaves the session usable over the request API.
func (s *Session) Bootstrap(ctx context.Context) (chat.User, error) {
	id, err := s.api.CurrentUser(ctx)
	if errors.Is(err, backend.ErrUnauthenticated) {
		if s.status != nil && s.status.Current() != status.AuthRequired {
			_ = s.status.Transition(status.AuthRequired)
		}
		return chat.User{}, ErrNoUser
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("bootstrap: %w", err)
	}
	if err := s.do(ctx, func() error {
		s.adopt(id)
		return nil
	}); err != nil {
		return chat.User{}, err
	}
	if err := s.channel.Connect(ctx, id.User.ID); err != nil {
		s.log.Warn("channel connect failed", zap.String("identity", id.User.ID), zap.Error(err))
		return id.User, fmt.Errorf("connect channel: %w", err)
	}
	return id.User, nil
}

// adopt installs a freshly fetched identity. Switching to another identity
// discards all conversation state of the previous one.
func (s *Session) adopt(id backend.Identity) {
	if s.self != nil && s.self.ID != id.User.ID {
		s.contacts = make(map[string]*chat.Contact)
		s.order = nil
		s.drafts = make(map[string]store.Draft)
		s.active = ""
		s.msgs = nil
		s.resetCall()
	}
	if s.msgs == nil {
		s.msgs = messages.New(id.User.ID, s.now)
	}
	user := id.User
	s.self = &user

	var prefs map[string]store.Prefs
	if s.local != nil {
		var err error
		if prefs, err = s.local.AllPrefs(user.ID); err != nil {
			s.log.Warn("load contact flags failed", zap.Error(err))
		}
		drafts, err := s.local.ListDrafts(user.ID)
		if err != nil {
			s.log.Warn("load drafts failed", zap.Error(err))
		}
		for _, d := range drafts {
			s.drafts[d.Peer] = d
		}
	}

	for _, c := range id.Contacts {
		if existing, ok := s.contacts[c.ID]; ok {
			existing.User = c.User
			if existing.Preview == nil {
				existing.Preview = c.Preview
			}
			continue
		}
		added, _ := s.addContact(c)
		if p, ok := prefs[c.ID]; ok {
			added.Flags = p.Flags
		}
		s.refreshPreview(c.ID)
	}

	if s.active == "" && s.local != nil {
		last, err := s.local.GetState(user.ID, stateActive)
		if err != nil {
			s.log.Warn("load active conversation failed", zap.Error(err))
		}
		if _, ok := s.contacts[last]; ok {
			s.active = last
			s.fetchHistory(last)
		}
	}
	s.emit(bus.KindIdentity, user)
}

// Self returns the authenticated user.
func (s *Session) Self(ctx context.Context) (chat.User, error) {
	return query(ctx, s, func() (chat.User, error) {
		if err := s.requireUser(); err != nil {
			return chat.User{}, err
		}
		return *s.self, nil
	})
}

// Contacts lists contacts with presence derived now. Favorites come first,
// then the most recently active conversations.
func (s *Session) Contacts(ctx context.Context) ([]ContactView, error) {
	return query(ctx, s, func() ([]ContactView, error) {
		if err := s.requireUser(); err != nil {
			return nil, err
		}
		out := make([]ContactView, 0, len(s.order))
		for _, id := range s.order {
			c := s.contacts[id]
			out = append(out, ContactView{
				Contact: *c,
				Online:  s.presence.IsOnline(c.LastActivity),
				Draft:   s.drafts[id].Body,
			})
		}
		slices.SortStableFunc(out, func(a, b ContactView) int {
			if a.Favorite != b.Favorite {
				if a.Favorite {
					return -1
				}
				return 1
			}
			return cmp.Compare(previewTime(b), previewTime(a))
		})
		return out, nil
	})
}

func previewTime(c ContactView) int64 {
	if c.Preview == nil {
		return 0
	}
	return c.Preview.Time.UnixMilli()
}

// Messages returns the conversation with peer, or the active one when peer
// is empty.
func (s *Session) Messages(ctx context.Context, peer string) ([]chat.Message, error) {
	return query(ctx, s, func() ([]chat.Message, error) {
		key, err := s.target(peer)
		if err != nil {
			return nil, err
		}
		return s.msgs.Messages(key), nil
	})
}

// Select makes peer the active conversation. The draft and reply target of
// the conversation being left stay attached to it, the ones of peer are
// restored, and its history is fetched in the background.
func (s *Session) Select(ctx context.Context, peer string) (Conversation, error) {
	return query(ctx, s, func() (Conversation, error) {
		if err := s.requireUser(); err != nil {
			return Conversation{}, err
		}
		if _, ok := s.contacts[peer]; !ok {
			return Conversation{}, fmt.Errorf("%w: %s", ErrUnknownContact, peer)
		}
		if prev := s.active; prev != "" && prev != peer {
			s.persistDraft(s.draftOf(prev))
		}
		s.active = peer
		if s.local != nil {
			if err := s.local.SetState(s.self.ID, stateActive, peer); err != nil {
				s.log.Warn("persist active conversation failed", zap.Error(err))
			}
		}
		s.fetchHistory(peer)

		d := s.drafts[peer]
		s.emit(bus.KindConversationSelected, ConversationEvent{Peer: peer, Draft: d.Body, ReplyTo: d.ReplyTo})
		return Conversation{Peer: peer, Draft: d.Body, ReplyTo: d.ReplyTo, Messages: s.msgs.Messages(peer)}, nil
	})
}

// Active returns the selected conversation, if any.
func (s *Session) Active(ctx context.Context) (Conversation, error) {
	return query(ctx, s, func() (Conversation, error) {
		if err := s.requireUser(); err != nil {
			return Conversation{}, err
		}
		if s.active == "" {
			return Conversation{}, ErrNoActiveConversation
		}
		d := s.drafts[s.active]
		return Conversation{Peer: s.active, Draft: d.Body, ReplyTo: d.ReplyTo, Messages: s.msgs.Messages(s.active)}, nil
	})
}

// Refresh refetches the history of peer, or of the active conversation.
func (s *Session) Refresh(ctx context.Context, peer string) error {
	return s.do(ctx, func() error {
		key, err := s.target(peer)
		if err != nil {
			return err
		}
		s.fetchHistory(key)
		return nil
	})
}

// SetDraft replaces the composer text and reply target of the active
// conversation.
func (s *Session) SetDraft(ctx context.Context, text, replyTo string) error {
	return s.do(ctx, func() error {
		key, err := s.target("")
		if err != nil {
			return err
		}
		if replyTo != "" {
			if _, ok := s.msgs.Get(key, replyTo); !ok {
				return fmt.Errorf("%w: %s", ErrUnknownMessage, replyTo)
			}
		}
		d := store.Draft{Peer: key, Body: text, ReplyTo: replyTo}
		if d.Empty() {
			delete(s.drafts, key)
		} else {
			s.drafts[key] = d
		}
		s.persistDraft(d)
		return nil
	})
}

// SendText sends text to the active conversation, replying to the draft's
// reply target, and clears the draft. It returns the temporary identifier of
// the optimistic entry.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	return query(ctx, s, func() (string, error) {
		key, err := s.target("")
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", ErrEmptyMessage
		}
		replyTo := s.drafts[key].ReplyTo
		m := chat.Message{
			SenderID:  s.self.ID,
			Recipient: key,
			Body:      text,
			Kind:      chat.KindText,
			ReplyTo:   replyTo,
		}
		tempID := s.submit(key, m)

		delete(s.drafts, key)
		s.persistDraft(store.Draft{Peer: key})
		return tempID, nil
	})
}

// SendFile uploads the file at path and sends it to the active
// conversation. Images are sent as image messages, anything else as file.
func (s *Session) SendFile(ctx context.Context, path string) (string, error) {
	type target struct{ self, peer string }
	t, err := query(ctx, s, func() (target, error) {
		key, err := s.target("")
		if err != nil {
			return target{}, err
		}
		return target{self: s.self.ID, peer: key}, nil
	})
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	name := filepath.Base(path)
	contentType, err := detectContentType(f, name)
	if err != nil {
		return "", err
	}

	url, err := s.api.Upload(ctx, backend.UploadRequest{
		FileName:    name,
		ContentType: contentType,
		Body:        f,
		SenderID:    t.self,
		ReceiverID:  t.peer,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	kind := chat.KindFile
	if strings.HasPrefix(contentType, "image") {
		kind = chat.KindImage
	}
	return query(ctx, s, func() (string, error) {
		if s.self == nil || s.self.ID != t.self {
			return "", ErrNoUser
		}
		return s.submit(t.peer, chat.Message{
			SenderID:  t.self,
			Recipient: t.peer,
			Body:      name,
			Kind:      kind,
			FileURL:   url,
			FileName:  name,
		}), nil
	})
}

func detectContentType(f *os.File, name string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct, nil
	}
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}
	return http.DetectContentType(head[:n]), nil
}

// AddContact adds the user behind shareCode.
func (s *Session) AddContact(ctx context.Context, shareCode string) (chat.Contact, error) {
	if _, err := s.Self(ctx); err != nil {
		return chat.Contact{}, err
	}
	user, err := s.api.AddContact(ctx, shareCode)
	if err != nil {
		text := "could not add contact"
		var se *backend.StatusError
		switch {
		case errors.Is(err, backend.ErrNotFound):
			text = "no user with that share code"
		case errors.As(err, &se) && se.Message != "":
			text = se.Message
		}
		s.post(func() { s.notice(bus.KindNoticeContact, "", text, err) })
		return chat.Contact{}, err
	}
	return query(ctx, s, func() (chat.Contact, error) {
		c, added := s.addContact(chat.Contact{User: user})
		if added {
			s.emit(bus.KindContactAdded, ContactEvent{Contact: *c})
		}
		return *c, nil
	})
}

// UpdateProfile changes the authenticated user's public fields.
func (s *Session) UpdateProfile(ctx context.Context, upd backend.ProfileUpdate) (chat.User, error) {
	if _, err := s.Self(ctx); err != nil {
		return chat.User{}, err
	}
	user, err := s.api.UpdateProfile(ctx, upd)
	if err != nil {
		s.post(func() { s.notice(bus.KindNoticeProfile, "", "profile update failed", err) })
		return chat.User{}, err
	}
	return query(ctx, s, func() (chat.User, error) {
		if s.self == nil || s.self.ID != user.ID {
			return chat.User{}, ErrNoUser
		}
		if user.LastActivity.IsZero() {
			user.LastActivity = s.self.LastActivity
		}
		s.self = &user
		s.emit(bus.KindIdentity, user)
		return user, nil
	})
}

// SetFlags replaces the local flags of peer.
func (s *Session) SetFlags(ctx context.Context, peer string, flags chat.Flags) (chat.Contact, error) {
	return query(ctx, s, func() (chat.Contact, error) {
		if err := s.requireUser(); err != nil {
			return chat.Contact{}, err
		}
		c, ok := s.contacts[peer]
		if !ok {
			return chat.Contact{}, fmt.Errorf("%w: %s", ErrUnknownContact, peer)
		}
		c.Flags = flags
		if s.local != nil {
			if err := s.local.SetPrefs(s.self.ID, store.Prefs{Peer: peer, Flags: flags}); err != nil {
				return chat.Contact{}, fmt.Errorf("persist flags: %w", err)
			}
		}
		s.emit(bus.KindContactUpdated, ContactEvent{Contact: *c})
		return *c, nil
	})
}

// StartCall rings peer, or the active conversation when peer is empty.
func (s *Session) StartCall(ctx context.Context, peer string, media call.Media) (CallEvent, error) {
	return query(ctx, s, func() (CallEvent, error) {
		key, err := s.target(peer)
		if err != nil {
			return CallEvent{}, err
		}
		if _, ok := s.contacts[key]; !ok {
			return CallEvent{}, fmt.Errorf("%w: %s", ErrUnknownContact, key)
		}
		if s.isBlocked(key) {
			s.notice(bus.KindNoticeCallBlocked, key, "contact is blocked", nil)
			return CallEvent{}, ErrBlocked
		}
		if s.channel.State() != status.Connected {
			s.notice(bus.KindNoticeCallOffline, key, "channel unavailable", realtime.ErrNotConnected)
			return CallEvent{}, realtime.ErrNotConnected
		}
		if err := s.applyCall(call.StartCall{Peer: key, Media: media}); err != nil {
			return CallEvent{}, err
		}
		return callEvent(s.phase), nil
	})
}

// AnswerCall accepts the ringing incoming call.
func (s *Session) AnswerCall(ctx context.Context) (CallEvent, error) {
	return s.callIntent(ctx, call.Answer{})
}

// EndCall hangs up, declines or cancels the current call.
func (s *Session) EndCall(ctx context.Context) (CallEvent, error) {
	return s.callIntent(ctx, call.Hangup{})
}

func (s *Session) callIntent(ctx context.Context, ev call.Event) (CallEvent, error) {
	return query(ctx, s, func() (CallEvent, error) {
		if err := s.requireUser(); err != nil {
			return CallEvent{}, err
		}
		if err := s.applyCall(ev); err != nil {
			return CallEvent{}, err
		}
		return callEvent(s.phase), nil
	})
}

// Call returns the current call phase.
func (s *Session) Call(ctx context.Context) (CallEvent, error) {
	return query(ctx, s, func() (CallEvent, error) {
		return callEvent(s.phase), nil
	})
}

// Status summarises the session.
func (s *Session) Status(ctx context.Context) (Status, error) {
	return query(ctx, s, func() (Status, error) {
		st := Status{
			Channel:      s.channel.State(),
			Active:       s.active,
			Call:         callEvent(s.phase),
			Contacts:     len(s.contacts),
			PendingSends: s.outbox.Pending(),
		}
		if s.status != nil {
			st.ChannelSince = s.status.Since()
		}
		if s.self != nil {
			st.Identity, st.Name, st.ShareID = s.self.ID, s.self.Name, s.self.ShareID
		}
		return st, nil
	})
}

// target resolves peer, defaulting to the active conversation.
func (s *Session) target(peer string) (string, error) {
	if err := s.requireUser(); err != nil {
		return "", err
	}
	if peer != "" {
		return peer, nil
	}
	if s.active == "" {
		return "", ErrNoActiveConversation
	}
	return s.active, nil
}

func (s *Session) draftOf(peer string) store.Draft {
	d, ok := s.drafts[peer]
	if !ok {
		return store.Draft{Peer: peer}
	}
	return d
}

// submit inserts m optimistically and hands it to the outbox.
func (s *Session) submit(key string, m chat.Message) string {
	tempID := s.msgs.InsertOptimistic(key, m)
	s.appended(key, tempID)
	s.outbox.Submit(outbox.Job{
		Key:    key,
		TempID: tempID,
		Request: backend.SendRequest{
			ReceiverID: key,
			Text:       m.Body,
			Kind:       m.Kind,
			ReplyTo:    m.ReplyTo,
			Call:       m.Call,
			FileURL:    m.FileURL,
			FileName:   m.FileName,
		},
	}, s.onSent)
	return tempID
}

func (s *Session) appended(key, id string) {
	m, ok := s.msgs.Get(key, id)
	if !ok {
		return
	}
	s.refreshPreview(key)
	s.emit(bus.KindMessageAppended, MessageEvent{Peer: key, Message: m, Blocked: s.isBlocked(key)})
}

// onSent applies a send completion. Completions may arrive in any order.
func (s *Session) onSent(res outbox.Result) {
	if s.msgs == nil {
		return
	}
	if res.Err != nil {
		if !s.msgs.ReconcileFailure(res.Key, res.TempID) {
			s.metrics.ReconcileMiss()
			return
		}
		s.refreshPreview(res.Key)
		s.emit(bus.KindMessageRemoved, MessageEvent{Peer: res.Key, TempID: res.TempID})
		s.notice(bus.KindNoticeSendFailed, res.Key, "message not sent", res.Err)
		return
	}
	if !s.msgs.ReconcileConfirmed(res.Key, res.TempID, res.Message) {
		s.metrics.ReconcileMiss()
		return
	}
	m, _ := s.msgs.Get(res.Key, res.Message.ID)
	s.refreshPreview(res.Key)
	s.emit(bus.KindMessageReconciled, MessageEvent{Peer: res.Key, Message: m, TempID: res.TempID})
}

func (s *Session) fetchHistory(key string) {
	s.history.Fetch(key, s.onHistory)
}

func (s *Session) onHistory(page hist.Page) {
	if s.msgs == nil {
		return
	}
	if page.Err != nil {
		s.notice(bus.KindNoticeFetchFailed, page.Key, "could not load history", page.Err)
		return
	}
	if _, ok := s.awaiting[page.Key]; ok {
		for _, m := range slices.Backward(page.Messages) {
			if _, known := s.msgs.Get(page.Key, m.ID); known {
				continue
			}
			if s.adoptOutcome(page.Key, m) {
				break
			}
		}
	}
	added := s.msgs.MergeHistory(page.Key, page.Messages)
	s.refreshPreview(page.Key)
	s.emit(bus.KindHistoryMerged, HistoryEvent{Peer: page.Key, Added: added, Total: s.msgs.Len(page.Key)})
}
