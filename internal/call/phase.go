// Package call models the caller/callee signaling handshake as a set of phase
// variants and a pure transition function. Side effects (signals to emit,
// outcomes to record, the cooldown timer) are returned as values for the
// owner to apply.
package call

import (
	"fmt"
	"time"

	"github.com/matheus3301/nebula/internal/chat"
)

// Media is the media kind of a call.
type Media string

const (
	Audio Media = "audio"
	Video Media = "video"
)

// Valid reports whether m is a known media kind.
func (m Media) Valid() bool {
	return m == Audio || m == Video
}

// Label is the text used for call outcome messages.
func (m Media) Label() string {
	if m == Video {
		return "Video Call"
	}
	return "Audio Call"
}

// Role is the side of the handshake this client plays.
type Role string

const (
	Caller Role = "caller"
	Callee Role = "callee"
)

// PhaseName is the flat name of a phase, for display and logging.
type PhaseName string

const (
	NameIdle      PhaseName = "idle"
	NameRinging   PhaseName = "ringing"
	NameIncoming  PhaseName = "incoming"
	NameConnected PhaseName = "connected"
	NameEnded     PhaseName = "ended"
)

// Phase is one of Idle, Ringing, Incoming, Connected or Ended.
type Phase interface {
	Name() PhaseName
	isPhase()
}

// Idle means no call is in progress.
type Idle struct{}

// Ringing means this client called Peer and awaits an answer.
type Ringing struct {
	Peer  string
	Media Media
}

// Incoming means From is calling this client and awaits a local answer.
type Incoming struct {
	From  string
	Media Media
}

// Connected means both sides answered. Since is the local connect time.
type Connected struct {
	Peer  string
	Media Media
	Role  Role
	Since time.Time
}

// Ended is the terminal display phase before the cooldown returns to Idle.
type Ended struct {
	Peer    string
	Media   Media
	Outcome chat.CallDetails
}

func (Idle) Name() PhaseName      { return NameIdle }
func (Ringing) Name() PhaseName   { return NameRinging }
func (Incoming) Name() PhaseName  { return NameIncoming }
func (Connected) Name() PhaseName { return NameConnected }
func (Ended) Name() PhaseName     { return NameEnded }

func (Idle) isPhase()      {}
func (Ringing) isPhase()   {}
func (Incoming) isPhase()  {}
func (Connected) isPhase() {}
func (Ended) isPhase()     {}

// PeerOf returns the other party of p, or "" when idle.
func PeerOf(p Phase) string {
	switch v := p.(type) {
	case Ringing:
		return v.Peer
	case Incoming:
		return v.From
	case Connected:
		return v.Peer
	case Ended:
		return v.Peer
	default:
		return ""
	}
}

// FormatDuration renders d as mm:ss, rounding down to whole seconds.
// Minutes are not wrapped at 60.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
