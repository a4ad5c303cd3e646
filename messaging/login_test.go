package messaging_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/messaging"
	"github.com/pushline/pushline/popup"
	"github.com/pushline/pushline/pubsub"
	"github.com/pushline/pushline/pushapi"
	"github.com/pushline/pushline/session"
	"github.com/pushline/pushline/stream"
	"github.com/pushline/pushline/testutils"
	"github.com/tidwall/gjson"
)

const loginToken = "o.login-token"

type quietView struct{}

func (quietView) ShowLoading()                        {}
func (quietView) ShowLogin()                          {}
func (quietView) ShowMain(data internal.SessionData)  {}
func (quietView) ShowPushes(pushes []internal.Push)   {}
func (quietView) ShowStatus(msg string, isError bool) {}
func (quietView) ScrollToRecentPushes()               {}

type noReconnect struct{}

func (noReconnect) Stop() bool { return true }

func noRetry(d time.Duration, f func()) stream.Timer {
	return noReconnect{}
}

// The daemon and the popup each open their own FileStore on the same settings file, so the daemon
// never sees the popup's writes as changes and must learn the nickname from the request.
func TestLoginRegistersDeviceWithChosenNickname(t *testing.T) {
	ctx := context.Background()
	svc := testutils.NewFakeService(t, loginToken)
	path := filepath.Join(t.TempDir(), "settings.cbor")

	daemonStore, err := kvstore.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %s", err)
	}
	ps := pubsub.NewPubSub(100)
	ps.NotifyTimeout = 0
	mgr := session.NewManager(session.Config{
		API:             pushapi.NewHTTPClient(svc.URL(), 5*time.Second),
		Store:           daemonStore,
		Notifier:        ps,
		StreamURL:       svc.StreamURL(),
		StreamAfterFunc: noRetry,
	})
	cancel := daemonStore.Subscribe(func(c kvstore.Change) {
		mgr.OnStoreChange(ctx, c)
	})
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %s", err)
	}
	srv := messaging.NewServer(mgr, daemonStore, messaging.ServerOptions{})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		cancel()
		mgr.Teardown()
		ps.Close()
	})

	popupStore, err := kvstore.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %s", err)
	}
	c := popup.NewController(popup.Config{
		API:             pushapi.NewHTTPClient(svc.URL(), 5*time.Second),
		Store:           popupStore,
		Background:      messaging.NewClient(strings.TrimPrefix(ts.URL, "http://")),
		View:            quietView{},
		StreamURL:       svc.StreamURL(),
		StreamAfterFunc: noRetry,
	})
	t.Cleanup(c.Close)

	if err := c.SubmitCredential(ctx, loginToken, "Laptop"); err != nil {
		t.Fatalf("SubmitCredential: %s", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for mgr.DeviceID() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("daemon never registered a device")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bodies := svc.Bodies("POST /devices")
	if len(bodies) != 1 {
		t.Fatalf("want 1 registration, got %d", len(bodies))
	}
	if got := gjson.Get(bodies[0], "nickname").Str; got != "Laptop" {
		t.Fatalf("device registered as %q, want Laptop", got)
	}
	if got := mgr.Snapshot().DeviceNickname; got != "Laptop" {
		t.Fatalf("daemon nickname is %q, want Laptop", got)
	}
	nickname, err := kvstore.GetString(ctx, daemonStore, kvstore.KeyDeviceNickname)
	if err != nil || nickname != "Laptop" {
		t.Fatalf("stored nickname %q err=%v", nickname, err)
	}
}
