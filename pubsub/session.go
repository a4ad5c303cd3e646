package pubsub

import (
	"github.com/pushline/pushline/internal"
)

// The channel which carries session payloads from the background session manager to views.
const ChanSession = "sessionch"

type SessionListener interface {
	OnPushesUpdated(p *PushesUpdated)
	OnSessionDataUpdated(p *SessionDataUpdated)
}

// PushesUpdated is sent whenever the recent push list changes.
type PushesUpdated struct {
	Pushes []internal.Push `json:"pushes"`
}

func (p PushesUpdated) Type() string { return "pushesUpdated" }

// SessionDataUpdated is sent when something other than the push list changes, e.g the device
// list after a rename.
type SessionDataUpdated struct {
	Data internal.SessionData
}

func (p SessionDataUpdated) Type() string { return "sessionDataUpdated" }

type SessionSub struct {
	listener Listener
	receiver SessionListener
}

func NewSessionSub(l Listener, recv SessionListener) *SessionSub {
	return &SessionSub{
		listener: l,
		receiver: recv,
	}
}

func (s *SessionSub) Teardown() {
	s.listener.Close()
}

func (s *SessionSub) onMessage(p Payload) {
	switch p.Type() {
	case PushesUpdated{}.Type():
		s.receiver.OnPushesUpdated(p.(*PushesUpdated))
	case SessionDataUpdated{}.Type():
		s.receiver.OnSessionDataUpdated(p.(*SessionDataUpdated))
	}
}

// Listen blocks, delivering payloads to the receiver until the listener is closed.
func (s *SessionSub) Listen() error {
	return s.listener.Listen(ChanSession, s.onMessage)
}
