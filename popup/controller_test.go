package popup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/messaging"
	"github.com/pushline/pushline/pushapi"
	"github.com/pushline/pushline/stream"
	"github.com/pushline/pushline/testutils"
	"github.com/tidwall/gjson"
)

const token = "o.popup-token"

type fakeView struct {
	mu       sync.Mutex
	calls    []string
	main     *internal.SessionData
	pushes   [][]internal.Push
	statuses []string
	errors   []string
}

func (v *fakeView) record(call string) {
	v.calls = append(v.calls, call)
}

func (v *fakeView) ShowLoading() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("loading")
}

func (v *fakeView) ShowLogin() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("login")
}

func (v *fakeView) ShowMain(data internal.SessionData) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("main")
	v.main = &data
}

func (v *fakeView) ShowPushes(pushes []internal.Push) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("pushes")
	v.pushes = append(v.pushes, pushes)
}

func (v *fakeView) ShowStatus(msg string, isError bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("status")
	if isError {
		v.errors = append(v.errors, msg)
	} else {
		v.statuses = append(v.statuses, msg)
	}
}

func (v *fakeView) ScrollToRecentPushes() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("scroll")
}

func (v *fakeView) has(call string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (v *fakeView) numPushes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pushes)
}

type fakeBackground struct {
	mu       sync.Mutex
	snap     *internal.SessionData
	err      error
	requests []messaging.Request
}

func (b *fakeBackground) Query(ctx context.Context, r messaging.Request) (*internal.SessionData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r)
	if b.err != nil {
		return nil, b.err
	}
	if r.Action == messaging.ActionGetSessionData {
		return b.snap, nil
	}
	return nil, nil
}

func (b *fakeBackground) last() messaging.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

type noReconnect struct{}

func (noReconnect) Stop() bool { return true }

type harness struct {
	svc   *testutils.FakeService
	store *kvstore.MemoryStore
	view  *fakeView
	bg    *fakeBackground
	c     *Controller
}

func newHarness(t *testing.T, storedToken string, bg *fakeBackground) *harness {
	t.Helper()
	h := &harness{
		svc:   testutils.NewFakeService(t, token),
		store: kvstore.NewMemoryStore(),
		view:  &fakeView{},
		bg:    bg,
	}
	if storedToken != "" {
		h.store.Set(context.Background(), kvstore.KeyAPIKey, storedToken)
	}
	cfg := Config{
		API:       pushapi.NewHTTPClient(h.svc.URL(), 5*time.Second),
		Store:     h.store,
		View:      h.view,
		StreamURL: h.svc.StreamURL(),
		StreamAfterFunc: func(d time.Duration, f func()) stream.Timer {
			return noReconnect{}
		},
	}
	if bg != nil {
		cfg.Background = bg
	}
	h.c = NewController(cfg)
	t.Cleanup(h.c.Close)
	return h
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

func manyPushes(n int) []internal.Push {
	pushes := make([]internal.Push, n)
	for i := range pushes {
		pushes[i] = testutils.NewNote("", "body", "phone")
	}
	return pushes
}

func TestActivateRendersBackgroundSnapshot(t *testing.T) {
	bg := &fakeBackground{snap: &internal.SessionData{
		IsAuthenticated: true,
		UserInfo:        &internal.UserProfile{Name: "Alice"},
		RecentPushes:    manyPushes(12),
		AutoOpenLinks:   true,
		DeviceNickname:  "Chrome",
	}}
	h := newHarness(t, token, bg)
	if err := h.c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	if !h.view.has("loading") || !h.view.has("main") {
		t.Fatalf("unexpected view calls %v", h.view.calls)
	}
	h.view.mu.Lock()
	shown := len(h.view.pushes[0])
	h.view.mu.Unlock()
	if shown != internal.MaxShownPushes {
		t.Fatalf("showed %d pushes want %d", shown, internal.MaxShownPushes)
	}
	if h.svc.CallCount("GET /users/me") != 0 {
		t.Fatalf("fetched directly although the background answered")
	}
	h.svc.WaitForStreams(t, 1)
}

func TestActivateShowsLoginWhenUnauthenticated(t *testing.T) {
	bg := &fakeBackground{snap: &internal.SessionData{IsAuthenticated: false}}
	h := newHarness(t, "", bg)
	if err := h.c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	if !h.view.has("login") || h.view.has("main") {
		t.Fatalf("unexpected view calls %v", h.view.calls)
	}
	if h.c.StreamState() != stream.Disconnected {
		t.Fatalf("opened a stream without a credential")
	}
}

func TestActivateWithoutBackgroundLoadsDirectly(t *testing.T) {
	h := newHarness(t, token, &fakeBackground{err: messaging.ErrNoBackground})
	h.svc.AddPush(testutils.NewLink("Docs", "https://example.com", "phone"))
	if err := h.c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	if h.svc.CallCount("GET /users/me") != 1 {
		t.Fatalf("did not fetch the profile directly")
	}
	data := h.c.Data()
	if !data.IsAuthenticated || data.UserInfo.DisplayName() != "Alice" || len(data.RecentPushes) != 1 {
		t.Fatalf("unexpected data %+v", data)
	}
	if data.DeviceNickname != internal.DefaultNickname || !data.AutoOpenLinks {
		t.Fatalf("settings not defaulted: %+v", data)
	}
}

func TestActivateWithoutBackgroundOrCredential(t *testing.T) {
	h := newHarness(t, "", nil)
	if err := h.c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	if !h.view.has("login") {
		t.Fatalf("login view not shown: %v", h.view.calls)
	}
	if h.svc.CallCount("GET /users/me") != 0 {
		t.Fatalf("made remote calls without a credential")
	}
}

func TestActivateWithRejectedStoredCredential(t *testing.T) {
	h := newHarness(t, "o.revoked", nil)
	err := h.c.Activate(context.Background())
	var authErr *pushapi.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v want *AuthError", err)
	}
	if !h.view.has("login") || len(h.view.errors) != 1 || h.view.errors[0] != "Invalid access token" {
		t.Fatalf("unexpected view state calls=%v errors=%v", h.view.calls, h.view.errors)
	}
}

func TestActivateHonoursScrollFlag(t *testing.T) {
	h := newHarness(t, token, nil)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.KeyScrollToRecentPushes, true)
	if err := h.c.Activate(ctx); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	if !h.view.has("scroll") {
		t.Fatalf("did not scroll to recent pushes")
	}
	if ok, _ := h.store.Get(ctx, kvstore.KeyScrollToRecentPushes, new(bool)); ok {
		t.Fatalf("scroll flag not cleared")
	}
}

func TestSubmitInvalidCredentialIsNotStored(t *testing.T) {
	bg := &fakeBackground{}
	h := newHarness(t, "", bg)
	if err := h.c.SubmitCredential(context.Background(), "o.wrong", ""); err == nil {
		t.Fatalf("SubmitCredential should fail")
	}
	if ok, _ := h.store.Get(context.Background(), kvstore.KeyAPIKey, new(string)); ok {
		t.Fatalf("rejected credential was stored")
	}
	if len(bg.requests) != 0 {
		t.Fatalf("told the background about a rejected credential")
	}
	if err := h.c.SubmitCredential(context.Background(), "   ", ""); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("empty token: got %v", err)
	}
}

func TestSubmitValidCredential(t *testing.T) {
	bg := &fakeBackground{}
	h := newHarness(t, "", bg)
	ctx := context.Background()
	if err := h.c.SubmitCredential(ctx, " "+token+" ", ""); err != nil {
		t.Fatalf("SubmitCredential: %s", err)
	}
	stored, _ := kvstore.GetString(ctx, h.store, kvstore.KeyAPIKey)
	nickname, _ := kvstore.GetString(ctx, h.store, kvstore.KeyDeviceNickname)
	if stored != token || nickname != internal.DefaultNickname {
		t.Fatalf("stored token=%q nickname=%q", stored, nickname)
	}
	req := bg.last()
	if req.Action != messaging.ActionAPIKeyChanged || req.APIKey == nil || *req.APIKey != token {
		t.Fatalf("unexpected background request %+v", req)
	}
	if req.DeviceNickname != internal.DefaultNickname {
		t.Fatalf("background was not told the nickname, got %q", req.DeviceNickname)
	}
	if !h.view.has("main") {
		t.Fatalf("main view not shown")
	}
	h.svc.WaitForStreams(t, 1)
}

func TestPopupStreamOnlyReloadsPushes(t *testing.T) {
	h := newHarness(t, token, nil)
	if err := h.c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	h.svc.WaitForStreams(t, 1)
	waitFor(t, "stream open", func() bool { return h.c.StreamState() == stream.Open })
	before := h.view.numPushes()

	note := testutils.NewNote("hello", "", "phone")
	h.svc.AddPush(note)
	h.svc.SendFrame(t, map[string]interface{}{"type": "push", "push": note})
	waitFor(t, "push list reload", func() bool { return h.view.numPushes() > before })
	if got := h.c.Data().RecentPushes; len(got) != 1 || got[0].ID != note.ID {
		t.Fatalf("unexpected pushes %+v", got)
	}

	h.svc.SendFrame(t, map[string]interface{}{"type": "tickle", "subtype": "push"})
	waitFor(t, "second reload", func() bool { return h.view.numPushes() > before+1 })
}

func TestSendPush(t *testing.T) {
	h := newHarness(t, token, nil)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.KeyDeviceIden, "ujthisdevice")
	if err := h.c.Activate(ctx); err != nil {
		t.Fatalf("Activate: %s", err)
	}

	if err := h.c.SendPush(ctx, internal.PushDraft{Type: "note"}); err == nil {
		t.Fatalf("empty note should be rejected")
	}
	if h.svc.CallCount("POST /pushes") != 0 {
		t.Fatalf("sent an invalid push")
	}

	if err := h.c.SendPush(ctx, internal.PushDraft{Type: "link", Title: "T", URL: "https://example.com"}); err != nil {
		t.Fatalf("SendPush: %s", err)
	}
	body := gjson.Parse(h.svc.Bodies("POST /pushes")[0])
	if body.Get("source_device_iden").Str != "ujthisdevice" || body.Get("url").Str != "https://example.com" {
		t.Fatalf("unexpected push body %s", body.Raw)
	}
	if len(h.view.statuses) != 1 || h.view.statuses[0] != "Pushed successfully" {
		t.Fatalf("unexpected statuses %v", h.view.statuses)
	}
	if got := h.c.Data().RecentPushes; len(got) != 1 || got[0].Title != "T" {
		t.Fatalf("push list not reloaded: %+v", got)
	}
}

func TestSendPushSignedOut(t *testing.T) {
	h := newHarness(t, "", nil)
	if err := h.c.SendPush(context.Background(), internal.PushDraft{Type: "note", Body: "x"}); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("got %v want ErrNotSignedIn", err)
	}
}

func TestSettingsAreStoredAndForwarded(t *testing.T) {
	bg := &fakeBackground{}
	h := newHarness(t, token, bg)
	ctx := context.Background()

	if err := h.c.SetAutoOpenLinks(ctx, false); err != nil {
		t.Fatalf("SetAutoOpenLinks: %s", err)
	}
	if v, _ := kvstore.GetBool(ctx, h.store, kvstore.KeyAutoOpenLinks, true); v {
		t.Fatalf("autoOpenLinks not stored")
	}
	req := bg.last()
	if req.Action != messaging.ActionAutoOpenLinksChanged || req.AutoOpenLinks == nil || *req.AutoOpenLinks {
		t.Fatalf("unexpected request %+v", req)
	}

	if err := h.c.SetDeviceNickname(ctx, "Desk"); err != nil {
		t.Fatalf("SetDeviceNickname: %s", err)
	}
	if v, _ := kvstore.GetString(ctx, h.store, kvstore.KeyDeviceNickname); v != "Desk" {
		t.Fatalf("nickname not stored: %q", v)
	}
	req = bg.last()
	if req.Action != messaging.ActionDeviceNicknameChanged || req.DeviceNickname != "Desk" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestSettingsWithoutBackground(t *testing.T) {
	h := newHarness(t, token, &fakeBackground{err: messaging.ErrNoBackground})
	if err := h.c.SetDeviceNickname(context.Background(), "Desk"); err != nil {
		t.Fatalf("an unreachable background should not fail the update: %s", err)
	}
}

func TestLogout(t *testing.T) {
	bg := &fakeBackground{snap: &internal.SessionData{IsAuthenticated: true}}
	h := newHarness(t, token, bg)
	ctx := context.Background()
	h.store.Set(ctx, kvstore.KeyDeviceIden, "ujthisdevice")
	if err := h.c.Activate(ctx); err != nil {
		t.Fatalf("Activate: %s", err)
	}
	h.svc.WaitForStreams(t, 1)

	if err := h.c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %s", err)
	}
	for _, key := range []string{kvstore.KeyAPIKey, kvstore.KeyDeviceIden} {
		if ok, _ := h.store.Get(ctx, key, new(string)); ok {
			t.Fatalf("%s not removed", key)
		}
	}
	req := bg.last()
	if req.Action != messaging.ActionAPIKeyChanged || req.APIKey == nil || *req.APIKey != "" {
		t.Fatalf("unexpected request %+v", req)
	}
	if !h.view.has("login") {
		t.Fatalf("login view not shown")
	}
	waitFor(t, "stream to close", func() bool { return h.svc.NumStreams() == 0 })
}

func TestOnBackgroundNotification(t *testing.T) {
	h := newHarness(t, token, nil)
	pushes := manyPushes(15)
	h.c.OnBackgroundNotification(messaging.Notification{Action: messaging.ActionPushesUpdated, Pushes: pushes})
	h.view.mu.Lock()
	if len(h.view.pushes) != 1 || len(h.view.pushes[0]) != internal.MaxShownPushes {
		t.Fatalf("unexpected pushes shown: %d", len(h.view.pushes))
	}
	h.view.mu.Unlock()
	if len(h.c.Data().RecentPushes) != 15 {
		t.Fatalf("data not updated")
	}

	h.c.OnBackgroundNotification(messaging.Notification{
		Action:      messaging.ActionSessionDataUpdated,
		SessionData: &internal.SessionData{IsAuthenticated: true, DeviceNickname: "Desk"},
	})
	if !h.view.has("main") || h.c.Data().DeviceNickname != "Desk" {
		t.Fatalf("session update not rendered")
	}

	h.c.OnBackgroundNotification(messaging.Notification{
		Action:      messaging.ActionSessionDataUpdated,
		SessionData: &internal.SessionData{IsAuthenticated: false},
	})
	if !h.view.has("login") {
		t.Fatalf("signed out session did not show the login view")
	}
}
