package internal

import (
	"testing"
	"time"
)

func TestPushDisplayable(t *testing.T) {
	testCases := []struct {
		name string
		push Push
		want bool
	}{
		{name: "empty", push: Push{ID: "a", Type: PushTypeNote}, want: false},
		{name: "title only", push: Push{ID: "a", Title: "T"}, want: true},
		{name: "body only", push: Push{ID: "a", Body: "B"}, want: true},
		{name: "url only", push: Push{ID: "a", URL: "https://example.com"}, want: true},
		{name: "dismissed", push: Push{ID: "a", Title: "T", Dismissed: true}, want: false},
	}
	for _, tc := range testCases {
		if got := tc.push.Displayable(); got != tc.want {
			t.Errorf("%s: Displayable() got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestPushIsEcho(t *testing.T) {
	p := Push{ID: "a", SourceDeviceID: "dev1"}
	if !p.IsEcho("dev1") {
		t.Fatalf("push from the local device was not an echo")
	}
	if p.IsEcho("dev2") {
		t.Fatalf("push from another device was an echo")
	}
	anon := Push{ID: "b"}
	if anon.IsEcho("") {
		t.Fatalf("push without a source device was an echo")
	}
}

func TestPushNotificationContent(t *testing.T) {
	testCases := []struct {
		push        Push
		wantTitle   string
		wantMessage string
		wantOK      bool
	}{
		{Push{Type: PushTypeNote, Body: "hello"}, "Note", "hello", true},
		{Push{Type: PushTypeNote, Title: "Hi", Body: "hello"}, "Hi", "hello", true},
		{Push{Type: PushTypeLink, URL: "https://x"}, "Link", "https://x", true},
		{Push{Type: PushTypeLink, Title: "X", URL: "https://x", Body: "look"}, "X", "https://x\nlook", true},
		{Push{Type: PushTypeFile, FileType: "image/png"}, "File", "image/png", true},
		{Push{Type: "address"}, "", "", false},
	}
	for _, tc := range testCases {
		title, msg, ok := tc.push.NotificationContent()
		if title != tc.wantTitle || msg != tc.wantMessage || ok != tc.wantOK {
			t.Errorf("NotificationContent(%+v) got (%q,%q,%v) want (%q,%q,%v)", tc.push, title, msg, ok, tc.wantTitle, tc.wantMessage, tc.wantOK)
		}
	}
	p := Push{ID: "abc"}
	if p.NotificationID() != "push_abc" {
		t.Fatalf("NotificationID got %s", p.NotificationID())
	}
}

func TestDeviceLabelAndDisplayName(t *testing.T) {
	if l := (&Device{Nickname: "Laptop", Model: "Chrome"}).Label(); l != "Laptop" {
		t.Errorf("got %s", l)
	}
	if l := (&Device{Model: "Pixel"}).Label(); l != "Pixel" {
		t.Errorf("got %s", l)
	}
	if l := (&Device{}).Label(); l != "Unknown Device" {
		t.Errorf("got %s", l)
	}
	if n := (&UserProfile{Email: "a@b.c"}).DisplayName(); n != "a@b.c" {
		t.Errorf("got %s", n)
	}
	var nilProfile *UserProfile
	if n := nilProfile.DisplayName(); n != "" {
		t.Errorf("got %s", n)
	}
}

func TestRelativeTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	testCases := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3*time.Hour + 20*time.Minute, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tc := range testCases {
		if got := RelativeTime(now.Add(-tc.ago), now); got != tc.want {
			t.Errorf("RelativeTime(-%v) got %s want %s", tc.ago, got, tc.want)
		}
	}
	p := Push{Created: 1700000000.5}
	if got := p.CreatedAt(); got.Unix() != 1700000000 || got.Nanosecond() != 500000000 {
		t.Fatalf("CreatedAt got %v", got)
	}
}

func TestSessionDataCloneDoesNotAlias(t *testing.T) {
	orig := SessionData{
		IsAuthenticated: true,
		UserInfo:        &UserProfile{Name: "alice"},
		RecentPushes:    []Push{{ID: "1"}},
	}
	c := orig.Clone()
	c.RecentPushes[0].ID = "changed"
	c.UserInfo.Name = "bob"
	if orig.RecentPushes[0].ID != "1" || orig.UserInfo.Name != "alice" {
		t.Fatalf("Clone aliased the original: %+v", orig)
	}
	if c.Devices == nil {
		t.Fatalf("Clone left Devices nil")
	}
}
