package link

import (
	"time"

	"github.com/danmuck/capturectl/internal/protocol"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventLost         EventKind = "lost"
	EventRestored     EventKind = "restored"
	EventFailed       EventKind = "failed"
	EventStateChanged EventKind = "state_changed"
)

// Event is one manager notification. Rejoin is set on restored events when a
// session_rejoin was exchanged.
type Event struct {
	Kind    EventKind
	From    State
	To      State
	Attempt int
	Err     error
	Rejoin  *protocol.RejoinDecision
	At      time.Time
}

// Observer receives manager events. Implementations must not block for long
// and must not expect to influence the transition being reported.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
