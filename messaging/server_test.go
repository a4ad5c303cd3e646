package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/pubsub"
)

type fakeBackend struct {
	mu         sync.Mutex
	snap       internal.SessionData
	snapErr    error
	creds      []string
	logins     []string
	autoOpen   []bool
	nicknames  []string
	sent       []internal.PushDraft
	clickedIDs []string
}

func (b *fakeBackend) GetSnapshot(ctx context.Context, maxAge time.Duration) (internal.SessionData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap, b.snapErr
}

func (b *fakeBackend) OnCredentialChanged(ctx context.Context, cred string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = append(b.creds, cred)
	return nil
}

func (b *fakeBackend) OnLogin(ctx context.Context, cred, nickname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logins = append(b.logins, cred+"/"+nickname)
	return nil
}

func (b *fakeBackend) SetAutoOpenLinks(ctx context.Context, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoOpen = append(b.autoOpen, enabled)
	return nil
}

func (b *fakeBackend) SetDeviceNickname(ctx context.Context, nickname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nicknames = append(b.nicknames, nickname)
	return nil
}

func (b *fakeBackend) SendPush(ctx context.Context, draft internal.PushDraft) (*internal.Push, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, draft)
	return &internal.Push{ID: "sent", Type: draft.Type, Title: draft.Title}, nil
}

func (b *fakeBackend) OnNotificationClicked(ctx context.Context, notificationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clickedIDs = append(b.clickedIDs, notificationID)
	return nil
}

func (b *fakeBackend) locked(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

func newTestServer(t *testing.T, backend Backend, store kvstore.Store) (*Server, *Client) {
	t.Helper()
	srv := NewServer(backend, store, ServerOptions{})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	c := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	return srv, c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGetSessionData(t *testing.T) {
	backend := &fakeBackend{
		snap: internal.SessionData{
			IsAuthenticated: true,
			UserInfo:        &internal.UserProfile{Name: "Alice"},
			Devices:         []internal.Device{{ID: "d1", Nickname: "Phone", Active: true}},
			RecentPushes:    []internal.Push{{ID: "p1", Type: "note", Title: "hi"}},
			AutoOpenLinks:   true,
			DeviceNickname:  "Chrome",
		},
	}
	_, c := newTestServer(t, backend, kvstore.NewMemoryStore())
	snap, err := c.Query(context.Background(), Request{Action: ActionGetSessionData})
	if err != nil {
		t.Fatalf("Query: %s", err)
	}
	if !snap.IsAuthenticated || snap.UserInfo.DisplayName() != "Alice" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.RecentPushes) != 1 || snap.RecentPushes[0].Title != "hi" {
		t.Fatalf("unexpected pushes %+v", snap.RecentPushes)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].Label() != "Phone" {
		t.Fatalf("unexpected devices %+v", snap.Devices)
	}
}

func TestGetSessionDataFailedRefreshIsUnauthenticated(t *testing.T) {
	backend := &fakeBackend{
		snap:    internal.SessionData{IsAuthenticated: false, AutoOpenLinks: true},
		snapErr: errors.New("network down"),
	}
	_, c := newTestServer(t, backend, kvstore.NewMemoryStore())
	snap, err := c.Query(context.Background(), Request{Action: ActionGetSessionData})
	if err != nil {
		t.Fatalf("a failed refresh should still answer: %s", err)
	}
	if snap.IsAuthenticated {
		t.Fatalf("snapshot should be unauthenticated")
	}
}

func TestUpdatesAreAppliedInOrder(t *testing.T) {
	backend := &fakeBackend{}
	store := kvstore.NewMemoryStore()
	_, c := newTestServer(t, backend, store)
	ctx := context.Background()

	store.Set(ctx, kvstore.KeyAPIKey, "o.stored")
	explicit := "o.explicit"
	enabled := false
	reqs := []Request{
		{Action: ActionAPIKeyChanged},
		{Action: ActionAPIKeyChanged, APIKey: &explicit},
		{Action: ActionAutoOpenLinksChanged, AutoOpenLinks: &enabled},
		{Action: ActionDeviceNicknameChanged, DeviceNickname: "A"},
		{Action: ActionDeviceNicknameChanged, DeviceNickname: "B"},
		{Action: ActionNotificationClicked, NotificationID: "push_p1"},
	}
	for _, r := range reqs {
		snap, err := c.Query(ctx, r)
		if err != nil {
			t.Fatalf("Query %s: %s", r.Action, err)
		}
		if snap != nil {
			t.Fatalf("Query %s returned a snapshot", r.Action)
		}
	}
	waitFor(t, "updates", func() bool {
		done := false
		backend.locked(func() { done = len(backend.clickedIDs) == 1 })
		return done
	})
	backend.locked(func() {
		if len(backend.creds) != 2 || backend.creds[0] != "o.stored" || backend.creds[1] != "o.explicit" {
			t.Errorf("creds got %v", backend.creds)
		}
		if len(backend.autoOpen) != 1 || backend.autoOpen[0] {
			t.Errorf("autoOpen got %v", backend.autoOpen)
		}
		if len(backend.nicknames) != 2 || backend.nicknames[1] != "B" {
			t.Errorf("nicknames got %v", backend.nicknames)
		}
		if backend.clickedIDs[0] != "push_p1" {
			t.Errorf("clicked got %v", backend.clickedIDs)
		}
	})
}

func TestAPIKeyChangedWithNicknameIsALogin(t *testing.T) {
	backend := &fakeBackend{}
	_, c := newTestServer(t, backend, kvstore.NewMemoryStore())
	ctx := context.Background()

	tok := "o.new"
	empty := ""
	reqs := []Request{
		{Action: ActionAPIKeyChanged, APIKey: &tok, DeviceNickname: "Laptop"},
		// logging out never carries a nickname through to the login path
		{Action: ActionAPIKeyChanged, APIKey: &empty, DeviceNickname: "Laptop"},
	}
	for _, r := range reqs {
		if _, err := c.Query(ctx, r); err != nil {
			t.Fatalf("Query: %s", err)
		}
	}
	waitFor(t, "updates", func() bool {
		n := 0
		backend.locked(func() { n = len(backend.logins) + len(backend.creds) })
		return n == 2
	})
	backend.locked(func() {
		if len(backend.logins) != 1 || backend.logins[0] != "o.new/Laptop" {
			t.Errorf("logins got %v", backend.logins)
		}
		if len(backend.creds) != 1 || backend.creds[0] != "" {
			t.Errorf("creds got %v", backend.creds)
		}
	})
}

func TestSendPush(t *testing.T) {
	backend := &fakeBackend{}
	_, c := newTestServer(t, backend, kvstore.NewMemoryStore())
	ctx := context.Background()

	_, err := c.Query(ctx, Request{Action: ActionSendPush, Push: &internal.PushDraft{Type: "link", URL: "https://example.com"}})
	if err != nil {
		t.Fatalf("Query: %s", err)
	}
	waitFor(t, "push to be sent", func() bool {
		n := 0
		backend.locked(func() { n = len(backend.sent) })
		return n == 1
	})

	_, err = c.Query(ctx, Request{Action: ActionSendPush, Push: &internal.PushDraft{Type: "link", URL: "not a url"}})
	var herr *internal.HandlerError
	if !errors.As(err, &herr) || herr.StatusCode != 400 {
		t.Fatalf("invalid draft: got %v want HTTP 400", err)
	}
}

func TestBadRequests(t *testing.T) {
	_, c := newTestServer(t, &fakeBackend{}, kvstore.NewMemoryStore())
	testCases := []Request{
		{Action: "selfDestruct"},
		{Action: ActionAutoOpenLinksChanged},
		{Action: ActionSendPush},
		{Action: ActionNotificationClicked},
	}
	for _, tc := range testCases {
		_, err := c.Query(context.Background(), tc)
		var herr *internal.HandlerError
		if !errors.As(err, &herr) || herr.StatusCode != 400 {
			t.Errorf("%+v: got %v want HTTP 400", tc, err)
		}
	}
}

func TestBrowserOriginsAreRejected(t *testing.T) {
	srv := NewServer(&fakeBackend{}, kvstore.NewMemoryStore(), ServerOptions{})
	defer srv.Close()
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"action":"getSessionData"}`))
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got HTTP %d want 403", w.Code)
	}
}

func TestSubscribeReceivesBroadcasts(t *testing.T) {
	srv, c := newTestServer(t, &fakeBackend{}, kvstore.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Notification, 10)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(ctx, func(n Notification) { got <- n })
	}()
	waitFor(t, "subscriber", func() bool { return srv.hub.size() == 1 })

	srv.OnPushesUpdated(&pubsub.PushesUpdated{Pushes: []internal.Push{{ID: "p1", Type: "note"}}})
	srv.OnSessionDataUpdated(&pubsub.SessionDataUpdated{Data: internal.SessionData{IsAuthenticated: true, DeviceNickname: "Desk"}})

	for _, want := range []string{ActionPushesUpdated, ActionSessionDataUpdated} {
		select {
		case n := <-got:
			if n.Action != want {
				t.Fatalf("got action %s want %s", n.Action, want)
			}
			switch want {
			case ActionPushesUpdated:
				if len(n.Pushes) != 1 || n.Pushes[0].ID != "p1" {
					t.Fatalf("unexpected pushes %+v", n.Pushes)
				}
			case ActionSessionDataUpdated:
				if n.SessionData == nil || !n.IsAuthenticated || n.DeviceNickname != "Desk" {
					t.Fatalf("unexpected session data %+v", n.SessionData)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Subscribe: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Subscribe did not return after cancel")
	}
	waitFor(t, "subscriber to go", func() bool { return srv.hub.size() == 0 })
}

func TestNoBackground(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(ts.URL, "http://")
	ts.Close()

	c := NewClient(addr)
	if _, err := c.Query(context.Background(), Request{Action: ActionGetSessionData}); !errors.Is(err, ErrNoBackground) {
		t.Fatalf("Query: got %v want ErrNoBackground", err)
	}
	if err := c.Subscribe(context.Background(), func(Notification) {}); !errors.Is(err, ErrNoBackground) {
		t.Fatalf("Subscribe: got %v want ErrNoBackground", err)
	}
}
