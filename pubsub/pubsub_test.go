package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/pushline/pushline/internal"
)

type recordingListener struct {
	mu      sync.Mutex
	pushes  []*PushesUpdated
	session []*SessionDataUpdated
}

func (r *recordingListener) OnPushesUpdated(p *PushesUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, p)
}

func (r *recordingListener) OnSessionDataUpdated(p *SessionDataUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = append(r.session, p)
}

func TestSessionSubDeliversPayloads(t *testing.T) {
	ps := NewPubSub(10)
	recv := &recordingListener{}
	sub := NewSessionSub(ps, recv)
	done := make(chan struct{})
	go func() {
		sub.Listen()
		close(done)
	}()

	if err := ps.Notify(ChanSession, &PushesUpdated{Pushes: []internal.Push{{ID: "a"}}}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	if err := ps.Notify(ChanSession, &SessionDataUpdated{Data: internal.SessionData{IsAuthenticated: true}}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	sub.Teardown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Listen did not return after Teardown")
	}
	if len(recv.pushes) != 1 || recv.pushes[0].Pushes[0].ID != "a" {
		t.Fatalf("unexpected pushes payloads %+v", recv.pushes)
	}
	if len(recv.session) != 1 || !recv.session[0].Data.IsAuthenticated {
		t.Fatalf("unexpected session payloads %+v", recv.session)
	}
}

func TestNotifyWithoutListenerIsBestEffort(t *testing.T) {
	ps := NewPubSub(1)
	ps.NotifyTimeout = 0
	if err := ps.Notify(ChanSession, &PushesUpdated{}); err != nil {
		t.Fatalf("first Notify should fit in the buffer: %s", err)
	}
	start := time.Now()
	if err := ps.Notify(ChanSession, &PushesUpdated{}); err == nil {
		t.Fatalf("Notify on a full buffer should fail")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("Notify with no timeout blocked for %v", time.Since(start))
	}
	ps.Close()
	if err := ps.Notify(ChanSession, &PushesUpdated{}); err == nil {
		t.Fatalf("Notify after Close should fail")
	}
}
