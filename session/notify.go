package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pushline/pushline/desktop"
	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/pushapi"
)

// backgroundStream is the authoritative stream handler. It is the only place desktop
// notifications are raised and links are auto-opened.
type backgroundStream struct {
	m *Manager
}

func (b *backgroundStream) OnOpen() {
	logger.Debug().Msg("background stream open")
}

func (b *backgroundStream) OnKeepalive() {
	logger.Trace().Msg("stream keepalive")
}

func (b *backgroundStream) OnPushListChanged() {
	m := b.m
	if !m.workers.Queue(func() { m.reloadPushes(m.ctx) }) {
		logger.Debug().Msg("push list changed after teardown, ignoring")
	}
}

// OnPushDelivered shares the worker with list reloads so a reload fetched before this push
// arrived cannot overwrite it.
func (b *backgroundStream) OnPushDelivered(p internal.Push) {
	m := b.m
	if !m.workers.Queue(func() { m.onPushDelivered(m.ctx, p) }) {
		logger.Debug().Str("push", p.ID).Msg("push delivered after teardown, ignoring")
	}
}

// reloadPushes fetches the recent push list, publishes it and applies the newest push rules.
func (m *Manager) reloadPushes(ctx context.Context) {
	m.mu.Lock()
	cred := m.credential
	gen := m.credGen
	m.mu.Unlock()
	if cred == "" {
		return
	}
	pushes, err := m.api.FetchRecentPushes(ctx, cred, internal.MaxRecentPushes)
	if err != nil {
		var authErr *pushapi.AuthError
		if errors.As(err, &authErr) {
			m.refreshFailed(ctx, gen, err)
			return
		}
		logger.Warn().Err(err).Msg("failed to reload pushes")
		return
	}
	pushes = trimPushes(pushes)
	m.mu.Lock()
	if m.credGen != gen {
		m.mu.Unlock()
		return
	}
	prev := m.touchLocked()
	m.cache.RecentPushes = pushes
	m.checkLocked(prev)
	out := m.cache.Clone().RecentPushes
	m.mu.Unlock()

	m.publishPushes(out)
	if len(out) > 0 {
		m.handleNewest(ctx, out[0])
	}
}

func (m *Manager) onPushDelivered(ctx context.Context, p internal.Push) {
	if !p.Displayable() {
		logger.Trace().Str("push", p.ID).Msg("ignoring push with nothing to show")
		return
	}
	m.mu.Lock()
	pushes := make([]internal.Push, 0, len(m.cache.RecentPushes)+1)
	pushes = append(pushes, p)
	for _, existing := range m.cache.RecentPushes {
		if existing.ID != p.ID {
			pushes = append(pushes, existing)
		}
	}
	m.cache.RecentPushes = trimPushes(pushes)
	m.checkLocked(m.cache.LastUpdated)
	out := m.cache.Clone().RecentPushes
	m.mu.Unlock()

	m.publishPushes(out)
	m.handleNewest(ctx, p)
}

// handleNewest raises a notification for p, and opens it if it is a link, unless p came from
// this device or has already been handled.
func (m *Manager) handleNewest(ctx context.Context, p internal.Push) {
	m.mu.Lock()
	deviceID := m.deviceID
	autoOpen := m.cache.AutoOpenLinks
	if p.IsEcho(deviceID) {
		m.mu.Unlock()
		logger.Trace().Str("push", p.ID).Msg("push came from this device, not notifying")
		return
	}
	if m.notified.Has(p.ID) {
		m.mu.Unlock()
		return
	}
	m.notified.Set(p.ID, struct{}{}, ttlcache.DefaultTTL)
	m.mu.Unlock()

	m.showPushNotification(ctx, p)
	if autoOpen && p.Type == internal.PushTypeLink && p.URL != "" {
		if err := m.tabs.OpenTab(ctx, p.URL); err != nil {
			logger.Warn().Err(err).Str("url", p.URL).Msg("failed to open link")
		}
	}
}

func (m *Manager) showPushNotification(ctx context.Context, p internal.Push) {
	title, message, ok := p.NotificationContent()
	if !ok {
		logger.Debug().Str("type", p.Type).Msg("no notification for push type")
		return
	}
	id := p.NotificationID()
	if err := m.store.Set(ctx, id, p); err != nil {
		logger.Warn().Err(err).Str("id", id).Msg("failed to store notification payload")
	}
	err := m.desk.Create(ctx, id, desktop.Notification{
		Title:              title,
		Message:            message,
		RequireInteraction: true,
	})
	if err != nil {
		logger.Warn().Err(err).Str("id", id).Msg("failed to show notification")
	}
}

// OnNotificationClicked resolves a push notification: it asks the popup to scroll to recent
// pushes, opens it, opens the link if the push was one, then clears the notification.
func (m *Manager) OnNotificationClicked(ctx context.Context, notificationID string) error {
	var p internal.Push
	found, err := m.store.Get(ctx, notificationID, &p)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, kvstore.KeyScrollToRecentPushes, true); err != nil {
		logger.Warn().Err(err).Msg("failed to set scroll flag")
	}
	if m.cfg.OpenPopup != nil {
		m.cfg.OpenPopup()
	}
	if found && p.Type == internal.PushTypeLink && p.URL != "" {
		if err := m.tabs.OpenTab(ctx, p.URL); err != nil {
			logger.Warn().Err(err).Str("url", p.URL).Msg("failed to open link")
		}
	}
	if err := m.desk.Clear(ctx, notificationID); err != nil {
		logger.Warn().Err(err).Str("id", notificationID).Msg("failed to clear notification")
	}
	return m.store.Remove(ctx, notificationID)
}

// SendPush sends a push from this device, tells the user how it went with a notification and
// reloads the push list.
func (m *Manager) SendPush(ctx context.Context, draft internal.PushDraft) (*internal.Push, error) {
	m.mu.Lock()
	cred := m.credential
	deviceID := m.deviceID
	m.mu.Unlock()
	if cred == "" {
		return nil, ErrNoCredential
	}
	push, err := m.api.SendPush(ctx, cred, deviceID, draft)
	if err != nil {
		m.notifyOutcome(ctx, "Push failed", err.Error())
		return nil, err
	}
	m.notified.Set(push.ID, struct{}{}, ttlcache.DefaultTTL)
	what := draft.Title
	if draft.Type == internal.PushTypeLink {
		what = draft.URL
	}
	m.notifyOutcome(ctx, "Pushed successfully", what)
	m.reloadPushes(ctx)
	return push, nil
}

func (m *Manager) notifyOutcome(ctx context.Context, title, message string) {
	id := "pushline_" + uuid.NewString()
	if err := m.desk.Create(ctx, id, desktop.Notification{Title: title, Message: message}); err != nil {
		logger.Warn().Err(err).Msg("failed to show notification")
	}
}
