package coordinator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/outbox"
	"github.com/matheus3301/nebula/internal/realtime"
	hist "github.com/matheus3301/nebula/internal/sync"
)

// applyCall advances the call machine and applies its effects in order.
func (s *Session) applyCall(ev call.Event) error {
	prev := s.phase
	next, effects, err := call.Next(prev, ev, s.now())
	if err != nil {
		return err
	}
	s.phase = next
	switch next.(type) {
	case call.Ringing, call.Incoming:
		if prev.Name() == call.NameIdle {
			delete(s.pushed, call.PeerOf(next))
		}
	}
	for _, eff := range effects {
		if err := s.applyEffect(eff); err != nil {
			return err
		}
	}
	if s.phase != prev {
		s.emit(bus.KindCallPhase, callEvent(s.phase))
	}
	return nil
}

func (s *Session) applyEffect(eff call.Effect) error {
	switch e := eff.(type) {
	case call.Emit:
		return s.emitSignal(e)
	case call.Record:
		s.recordOutcome(e)
	case call.ScheduleCooldown:
		s.scheduleCooldown()
	case call.Reject:
		s.log.Info("ring while busy refused", zap.String("from", e.From))
		s.publishSignal(realtime.EventEndCall, realtime.EndCall{TargetID: e.From})
		s.recordOutcome(call.Record{
			Peer:      e.From,
			Media:     e.Media,
			Outcome:   chat.CallDetails{Status: chat.CallMissed},
			Initiated: true,
		})
	}
	return nil
}

func (s *Session) emitSignal(e call.Emit) error {
	switch e.Signal {
	case call.SignalCallUser:
		if err := s.publishSignal(realtime.EventCallUser, realtime.CallUser{ReceiverID: e.Target, Kind: string(e.Media)}); err != nil {
			// Nothing rang, so drop straight back to idle.
			s.phase = call.Idle{}
			s.notice(bus.KindNoticeCallOffline, e.Target, "channel unavailable", err)
			return fmt.Errorf("ring %s: %w", e.Target, err)
		}
	case call.SignalAnswer:
		s.publishSignal(realtime.EventAnswerCall, realtime.AnswerCall{SenderID: e.Target})
	case call.SignalEnd:
		s.publishSignal(realtime.EventEndCall, realtime.EndCall{TargetID: e.Target})
	}
	return nil
}

// publishSignal writes one call signal. Signal writes are short and stay on
// the loop so they leave in the order the machine produced them.
func (s *Session) publishSignal(event string, payload any) error {
	ctx, cancel := s.requestCtx()
	defer cancel()
	err := s.channel.Publish(ctx, event, payload)
	if err != nil {
		s.log.Warn("publish signal failed", zap.String("event", event), zap.Error(err))
	}
	return err
}

// recordOutcome appends the call outcome to the conversation. The side that
// ended the call persists it; the other side shows a pending entry that the
// pushed copy later confirms.
func (s *Session) recordOutcome(r call.Record) {
	s.metrics.ObserveCall(string(r.Outcome.Status), string(r.Media))
	outcome := r.Outcome
	m := chat.Message{
		SenderID:  s.self.ID,
		Recipient: r.Peer,
		Body:      r.Media.Label(),
		Kind:      chat.KindCall,
		Call:      &outcome,
	}

	if !r.Initiated {
		m.SenderID, m.Recipient = r.Peer, s.self.ID
		if id, ok := s.pushed[r.Peer]; ok {
			delete(s.pushed, r.Peer)
			s.log.Debug("call outcome already delivered", zap.String("id", id))
			return
		}
		tempID := s.msgs.InsertOptimistic(r.Peer, m)
		s.appended(r.Peer, tempID)
		s.awaitOutcome(r.Peer, tempID)
		return
	}

	tempID := s.msgs.InsertOptimistic(r.Peer, m)
	s.appended(r.Peer, tempID)
	s.outbox.Submit(outbox.Job{
		Key:    r.Peer,
		TempID: tempID,
		Request: backend.SendRequest{
			ReceiverID: r.Peer,
			Text:       m.Body,
			Kind:       chat.KindCall,
			Call:       &outcome,
		},
	}, s.onSent)
}

// awaitOutcome marks tempID as waiting for the peer's persisted copy. If no
// copy has arrived after outcomeWait the conversation is refetched once and
// an entry still unmatched is dropped.
func (s *Session) awaitOutcome(peer, tempID string) {
	s.awaiting[peer] = tempID
	msgs := s.msgs
	time.AfterFunc(s.outcomeWait, func() {
		s.post(func() {
			if s.msgs != msgs || s.awaiting[peer] != tempID {
				return
			}
			s.history.Fetch(peer, func(page hist.Page) {
				s.onHistory(page)
				s.dropOutcome(peer, tempID)
			})
		})
	})
}

// adoptOutcome confirms the pending outcome for peer with m, the copy the
// peer persisted. It reports false when m does not match.
func (s *Session) adoptOutcome(peer string, m chat.Message) bool {
	tempID, ok := s.awaiting[peer]
	if !ok || m.Kind != chat.KindCall || m.SenderID != peer || m.Call == nil {
		return false
	}
	pending, ok := s.msgs.Get(peer, tempID)
	if !ok {
		delete(s.awaiting, peer)
		return false
	}
	if pending.Call == nil || pending.Call.Status != m.Call.Status {
		return false
	}
	if m.Timestamp.Before(pending.Timestamp.Add(-s.outcomeWait)) {
		return false
	}
	delete(s.awaiting, peer)
	if !s.msgs.ReconcileConfirmed(peer, tempID, m) {
		return false
	}
	confirmed, _ := s.msgs.Get(peer, m.ID)
	s.refreshPreview(peer)
	s.emit(bus.KindMessageReconciled, MessageEvent{Peer: peer, Message: confirmed, TempID: tempID, Blocked: s.isBlocked(peer)})
	return true
}

// dropOutcome removes a pending outcome the peer never persisted.
func (s *Session) dropOutcome(peer, tempID string) {
	if s.msgs == nil || s.awaiting[peer] != tempID {
		return
	}
	delete(s.awaiting, peer)
	if !s.msgs.ReconcileFailure(peer, tempID) {
		return
	}
	s.log.Info("call outcome never confirmed, dropped", zap.String("peer", peer))
	s.metrics.ReconcileMiss()
	s.refreshPreview(peer)
	s.emit(bus.KindMessageRemoved, MessageEvent{Peer: peer, TempID: tempID})
}

// resetCall abandons the call state of a previous identity.
func (s *Session) resetCall() {
	s.callSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.phase = call.Idle{}
	clear(s.awaiting)
	clear(s.pushed)
}

func (s *Session) scheduleCooldown() {
	s.callSeq++
	seq := s.callSeq
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cooldown, func() {
		s.post(func() {
			if seq != s.callSeq {
				return
			}
			s.signal(call.CooldownElapsed{})
		})
	})
}
