package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/nebula/internal/chat"
)

// ErrIllegalTransition is returned when an event does not apply to the
// current phase.
var ErrIllegalTransition = errors.New("illegal call transition")

// Event is an input to the machine: a local intent or a received signal.
type Event interface {
	eventName() string
}

// StartCall is the local intent to call Peer.
type StartCall struct {
	Peer  string
	Media Media
}

// IncomingSignal is a ring delivered by the channel.
type IncomingSignal struct {
	From  string
	Media Media
}

// Answer is the local intent to accept an incoming call.
type Answer struct{}

// AcceptedSignal tells the caller the callee answered.
type AcceptedSignal struct{}

// Hangup is the local intent to end, decline or cancel the call.
type Hangup struct{}

// EndedSignal tells this client the peer terminated.
type EndedSignal struct{}

// OfflineSignal tells the caller the callee has no open channel.
type OfflineSignal struct{}

// CooldownElapsed returns an ended call to idle.
type CooldownElapsed struct{}

func (StartCall) eventName() string       { return "start" }
func (IncomingSignal) eventName() string  { return "incoming" }
func (Answer) eventName() string          { return "answer" }
func (AcceptedSignal) eventName() string  { return "accepted" }
func (Hangup) eventName() string          { return "hangup" }
func (EndedSignal) eventName() string     { return "ended" }
func (OfflineSignal) eventName() string   { return "offline" }
func (CooldownElapsed) eventName() string { return "cooldown" }

// Signal names emitted to the channel.
const (
	SignalCallUser = "call-user"
	SignalAnswer   = "answer-call"
	SignalEnd      = "end-call"
)

// Effect is a side effect the owner of the machine must apply.
type Effect interface {
	isEffect()
}

// Emit asks the owner to publish a signal addressed to Target.
type Emit struct {
	Signal string
	Target string
	Media  Media
}

// Record asks the owner to append the call outcome to the conversation with
// Peer. Initiated is true when this client terminated the call.
type Record struct {
	Peer      string
	Media     Media
	Outcome   chat.CallDetails
	Initiated bool
}

// ScheduleCooldown asks the owner to deliver CooldownElapsed after the
// configured delay.
type ScheduleCooldown struct{}

// Reject asks the owner to turn away a ring that arrived while busy.
type Reject struct {
	From  string
	Media Media
}

func (Emit) isEffect()             {}
func (Record) isEffect()           {}
func (ScheduleCooldown) isEffect() {}
func (Reject) isEffect()           {}

// Next applies e to p at time now and returns the next phase and the effects
// to apply. On error the phase is returned unchanged with no effects.
func Next(p Phase, e Event, now time.Time) (Phase, []Effect, error) {
	if p == nil {
		p = Idle{}
	}

	// A ring while busy never disturbs the current call.
	if in, ok := e.(IncomingSignal); ok && p.Name() != NameIdle {
		media := in.Media
		if !media.Valid() {
			media = Audio
		}
		return p, []Effect{Reject{From: in.From, Media: media}}, nil
	}

	switch cur := p.(type) {
	case Idle:
		switch ev := e.(type) {
		case StartCall:
			if ev.Peer == "" || !ev.Media.Valid() {
				return p, nil, fmt.Errorf("%w: start needs a peer and audio|video", ErrIllegalTransition)
			}
			return Ringing{Peer: ev.Peer, Media: ev.Media},
				[]Effect{Emit{Signal: SignalCallUser, Target: ev.Peer, Media: ev.Media}}, nil
		case IncomingSignal:
			media := ev.Media
			if !media.Valid() {
				media = Audio
			}
			return Incoming{From: ev.From, Media: media}, nil, nil
		}

	case Ringing:
		switch e.(type) {
		case AcceptedSignal:
			return Connected{Peer: cur.Peer, Media: cur.Media, Role: Caller, Since: now}, nil, nil
		case OfflineSignal:
			// The callee never rang, so there is nothing to record.
			return Idle{}, nil, nil
		case Hangup:
			return end(cur.Peer, cur.Media, time.Time{}, now, true)
		case EndedSignal:
			return end(cur.Peer, cur.Media, time.Time{}, now, false)
		}

	case Incoming:
		switch e.(type) {
		case Answer:
			return Connected{Peer: cur.From, Media: cur.Media, Role: Callee, Since: now},
				[]Effect{Emit{Signal: SignalAnswer, Target: cur.From}}, nil
		case Hangup:
			return end(cur.From, cur.Media, time.Time{}, now, true)
		case EndedSignal:
			return end(cur.From, cur.Media, time.Time{}, now, false)
		}

	case Connected:
		switch e.(type) {
		case Hangup:
			return end(cur.Peer, cur.Media, cur.Since, now, true)
		case EndedSignal:
			return end(cur.Peer, cur.Media, cur.Since, now, false)
		}

	case Ended:
		switch e.(type) {
		case CooldownElapsed:
			return Idle{}, nil, nil
		case EndedSignal:
			// The peer hung up at the same moment; the outcome is already recorded.
			return p, nil, nil
		}
	}

	return p, nil, fmt.Errorf("%w: %s while %s", ErrIllegalTransition, e.eventName(), p.Name())
}

func end(peer string, media Media, since, now time.Time, initiated bool) (Phase, []Effect, error) {
	outcome := chat.CallDetails{Status: chat.CallMissed}
	if !since.IsZero() {
		outcome = chat.CallDetails{Status: chat.CallEnded, Duration: FormatDuration(now.Sub(since))}
	}

	effects := make([]Effect, 0, 3)
	if initiated {
		effects = append(effects, Emit{Signal: SignalEnd, Target: peer})
	}
	effects = append(effects,
		Record{Peer: peer, Media: media, Outcome: outcome, Initiated: initiated},
		ScheduleCooldown{},
	)
	return Ended{Peer: peer, Media: media, Outcome: outcome}, effects, nil
}
