package coordinator

import (
	"encoding/json"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/realtime"
)

// bindChannel routes every inbound channel event through the loop. The
// channel reads on one goroutine, so arrival order is kept.
func (s *Session) bindChannel() {
	if s.channel == nil {
		return
	}
	route := func(event string, h func(json.RawMessage)) {
		s.channel.On(event, func(data json.RawMessage) {
			s.post(func() {
				if s.self == nil {
					s.log.Debug("channel event before identity", zap.String("event", event))
					return
				}
				h(data)
			})
		})
	}
	route(realtime.EventPresenceRoster, s.onRoster)
	route(realtime.EventNewMessage, s.onNewMessage)
	route(realtime.EventIncomingCall, s.onIncomingCall)
	route(realtime.EventCallAccepted, func(data json.RawMessage) {
		if s.fromPeer(realtime.EventCallAccepted, data) {
			s.signal(call.AcceptedSignal{})
		}
	})
	route(realtime.EventCallEnded, func(data json.RawMessage) {
		if s.fromPeer(realtime.EventCallEnded, data) {
			s.signal(call.EndedSignal{})
		}
	})
	route(realtime.EventUserOffline, s.onUserOffline)
	s.channel.OnReconnect(func() {
		s.post(s.onReconnect)
	})
}

// onReconnect refetches every loaded conversation, since pushes sent while
// the channel was down are lost.
func (s *Session) onReconnect() {
	if s.self == nil {
		return
	}
	keys := s.msgs.Keys()
	if s.active != "" && !slices.Contains(keys, s.active) {
		keys = append(keys, s.active)
	}
	for _, key := range keys {
		s.fetchHistory(key)
	}
}

// fromPeer reports whether a call signal concerns the current call partner.
// Payloads without a sender are trusted; the phase check still applies.
func (s *Session) fromPeer(event string, data json.RawMessage) bool {
	p, err := realtime.Decode[realtime.PeerSignal](data)
	if err != nil || p.UserID == "" {
		return true
	}
	if peer := call.PeerOf(s.phase); p.UserID != peer {
		s.log.Debug("call signal from another user dropped",
			zap.String("event", event), zap.String("from", p.UserID), zap.String("peer", peer))
		return false
	}
	return true
}

func (s *Session) onRoster(data json.RawMessage) {
	roster, err := realtime.Decode[[]string](data)
	if err != nil {
		s.log.Warn("bad presence roster", zap.Error(err))
		return
	}
	online := make([]string, 0, len(roster))
	for id, at := range s.presence.Touch(roster) {
		if id == s.self.ID {
			continue
		}
		if c, ok := s.contacts[id]; ok {
			c.LastActivity = at
			online = append(online, id)
		}
	}
	s.emit(bus.KindPresenceRoster, RosterEvent{Online: online})
}

func (s *Session) onNewMessage(data json.RawMessage) {
	wire, err := realtime.Decode[backend.WireMessage](data)
	if err != nil {
		s.log.Warn("bad pushed message", zap.Error(err))
		return
	}
	m := wire.ToMessage()
	if m.SenderID != s.self.ID && m.Recipient != s.self.ID {
		s.log.Debug("pushed message for another identity", zap.String("id", m.ID))
		return
	}
	peer := m.Peer(s.self.ID)

	if _, known := s.contacts[peer]; !known {
		c, _ := s.addContact(chat.Contact{User: chat.User{ID: peer, Name: peer}})
		s.emit(bus.KindContactAdded, ContactEvent{Contact: *c})
	}
	if m.SenderID == peer {
		for id, at := range s.presence.Touch([]string{peer}) {
			s.contacts[id].LastActivity = at
		}
	}

	if m.Kind == chat.KindCall && m.SenderID == peer {
		if s.adoptOutcome(peer, m) {
			s.metrics.ObservePush(true)
			return
		}
		if call.PeerOf(s.phase) == peer {
			if _, ended := s.phase.(call.Ended); !ended {
				s.pushed[peer] = m.ID
			}
		}
	}

	key, added := s.msgs.IngestPush(m)
	s.metrics.ObservePush(added)
	if !added {
		return
	}
	s.refreshPreview(key)
	s.emit(bus.KindMessageAppended, MessageEvent{Peer: key, Message: m, Blocked: s.isBlocked(key)})
}

func (s *Session) onIncomingCall(data json.RawMessage) {
	ring, err := realtime.Decode[realtime.IncomingCall](data)
	if err != nil || ring.SenderID == "" {
		s.log.Warn("bad incoming call", zap.Error(err))
		return
	}
	if s.isBlocked(ring.SenderID) {
		s.log.Info("ring from blocked contact refused", zap.String("from", ring.SenderID))
		media := call.Media(ring.Kind)
		if !media.Valid() {
			media = call.Audio
		}
		s.publishSignal(realtime.EventEndCall, realtime.EndCall{TargetID: ring.SenderID})
		s.recordOutcome(call.Record{
			Peer:      ring.SenderID,
			Media:     media,
			Outcome:   chat.CallDetails{Status: chat.CallMissed},
			Initiated: true,
		})
		return
	}
	s.signal(call.IncomingSignal{From: ring.SenderID, Media: call.Media(ring.Kind)})
}

func (s *Session) onUserOffline(data json.RawMessage) {
	peer := call.PeerOf(s.phase)
	if _, ringing := s.phase.(call.Ringing); !ringing {
		s.log.Debug("user-offline outside ringing", zap.String("phase", string(s.phase.Name())))
		return
	}
	if !s.fromPeer(realtime.EventUserOffline, data) {
		return
	}
	s.signal(call.OfflineSignal{})
	s.notice(bus.KindNoticeCallOffline, peer, "user is offline", nil)
}

// signal feeds a remote event to the call machine. Signals that do not fit
// the current phase are stale and dropped.
func (s *Session) signal(ev call.Event) {
	if err := s.applyCall(ev); err != nil {
		if errors.Is(err, call.ErrIllegalTransition) {
			s.log.Debug("stale call signal", zap.Error(err))
			return
		}
		s.log.Warn("call signal failed", zap.Error(err))
	}
}
