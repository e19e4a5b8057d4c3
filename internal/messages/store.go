// Package messages keeps the per-conversation message sequences of a session
// and reconciles optimistic sends, confirmations, pushes and history pages
// into them.
//
// A Store is owned by a single event loop and is not safe for concurrent use.
package messages

import (
	"slices"
	"strconv"
	"time"

	"github.com/matheus3301/nebula/internal/chat"
)

// Store holds one ordered, duplicate-free sequence per conversation key.
// The conversation key is the identifier of the participant who is not self.
type Store struct {
	self   string
	convs  map[string][]chat.Message
	now    func() time.Time
	lastTS int64
}

// New creates a store for the identity self.
func New(self string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		self:  self,
		convs: make(map[string][]chat.Message),
		now:   now,
	}
}

// Self returns the identity the store keys conversations against.
func (s *Store) Self() string {
	return s.self
}

// KeyOf returns the conversation key of m.
func (s *Store) KeyOf(m chat.Message) string {
	return m.Peer(s.self)
}

// NewTempID issues a temp-<millis> identifier, bumped past any previously
// issued one so two sends in the same millisecond never collide.
func (s *Store) NewTempID() string {
	ts := s.now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return chat.TempPrefix + strconv.FormatInt(ts, 10)
}

// InsertOptimistic appends m with a temporary identifier and status sent,
// and returns that identifier.
func (s *Store) InsertOptimistic(key string, m chat.Message) string {
	if !chat.IsTempID(m.ID) || s.indexOf(key, m.ID) >= 0 {
		m.ID = s.NewTempID()
	}
	m.Status = chat.StatusSent
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	s.convs[key] = append(s.convs[key], m)
	return m.ID
}

// ReconcileConfirmed swaps the entry for tempID in place with the confirmed
// identifier and timestamp of server. If the server identifier already has an
// entry (a push overtook the confirmation) the optimistic entry is dropped
// instead, so exactly one entry remains. Returns false if tempID is unknown.
func (s *Store) ReconcileConfirmed(key, tempID string, server chat.Message) bool {
	i := s.indexOf(key, tempID)
	if i < 0 {
		return false
	}
	msgs := s.convs[key]
	if server.ID != "" && s.indexOf(key, server.ID) >= 0 {
		s.convs[key] = slices.Delete(msgs, i, i+1)
		return true
	}

	m := msgs[i]
	m.ID = server.ID
	if !server.Timestamp.IsZero() {
		m.Timestamp = server.Timestamp
	}
	if server.FileURL != "" {
		m.FileURL = server.FileURL
	}
	if server.Call != nil {
		call := *server.Call
		m.Call = &call
	}
	m.Status = m.Status.Upgrade(server.Status)
	msgs[i] = m
	return true
}

// ReconcileFailure removes the optimistic entry for tempID. Returns false if
// it is not present.
func (s *Store) ReconcileFailure(key, tempID string) bool {
	i := s.indexOf(key, tempID)
	if i < 0 {
		return false
	}
	s.convs[key] = slices.Delete(s.convs[key], i, i+1)
	return true
}

// IngestPush appends a remotely delivered message under its conversation key.
// Delivery of an identifier already present is a no-op.
func (s *Store) IngestPush(m chat.Message) (key string, added bool) {
	key = s.KeyOf(m)
	if m.ID == "" || s.indexOf(key, m.ID) >= 0 {
		return key, false
	}
	if m.Status == "" {
		m.Status = chat.StatusSent
	}
	s.convs[key] = append(s.convs[key], m)
	return key, true
}

// MergeHistory unions a fetched page into the conversation by identifier.
// Entries already present keep their position and only have their status
// upgraded. Unknown page entries are placed, in timestamp order, before the
// first existing entry that is newer than them, or appended. Returns the
// number of entries added.
func (s *Store) MergeHistory(key string, page []chat.Message) int {
	fresh := make([]chat.Message, 0, len(page))
	for _, m := range page {
		if m.ID == "" || chat.IsTempID(m.ID) {
			continue
		}
		if s.UpgradeStatus(key, m.ID, m.Status) {
			continue
		}
		if slices.ContainsFunc(fresh, func(f chat.Message) bool { return f.ID == m.ID }) {
			continue
		}
		fresh = append(fresh, m)
	}
	slices.SortStableFunc(fresh, func(a, b chat.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	msgs := s.convs[key]
	for _, m := range fresh {
		if m.Status == "" {
			m.Status = chat.StatusSent
		}
		i := slices.IndexFunc(msgs, func(c chat.Message) bool { return c.Timestamp.After(m.Timestamp) })
		if i < 0 {
			msgs = append(msgs, m)
			continue
		}
		msgs = slices.Insert(msgs, i, m)
	}
	s.convs[key] = msgs
	return len(fresh)
}

// UpgradeStatus moves the delivery status of id forward. Returns false if id
// is unknown.
func (s *Store) UpgradeStatus(key, id string, status chat.Status) bool {
	i := s.indexOf(key, id)
	if i < 0 {
		return false
	}
	s.convs[key][i].Status = s.convs[key][i].Status.Upgrade(status)
	return true
}

// Messages returns a copy of the conversation in display order.
func (s *Store) Messages(key string) []chat.Message {
	return slices.Clone(s.convs[key])
}

// Get returns the entry for id.
func (s *Store) Get(key, id string) (chat.Message, bool) {
	i := s.indexOf(key, id)
	if i < 0 {
		return chat.Message{}, false
	}
	return s.convs[key][i], true
}

// Last returns the most recent entry of the conversation.
func (s *Store) Last(key string) (chat.Message, bool) {
	msgs := s.convs[key]
	if len(msgs) == 0 {
		return chat.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Len returns the number of entries in the conversation.
func (s *Store) Len(key string) int {
	return len(s.convs[key])
}

// Keys returns the conversation keys that have at least one entry.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.convs))
	for k, msgs := range s.convs {
		if len(msgs) > 0 {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (s *Store) indexOf(key, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.convs[key], func(m chat.Message) bool { return m.ID == id })
}
