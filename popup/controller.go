// Package popup drives the short-lived user-facing view. It keeps no durable state of its own:
// everything comes from the background daemon, or straight from the push service when the
// daemon is not running.
package popup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/messaging"
	"github.com/pushline/pushline/pushapi"
	"github.com/pushline/pushline/stream"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrNotSignedIn is returned when an action needs an access token and there is none.
var ErrNotSignedIn = errors.New("not signed in")

// View renders the popup. Calls come from whichever goroutine triggered them, so implementations
// must be safe for concurrent use.
type View interface {
	ShowLoading()
	ShowLogin()
	ShowMain(data internal.SessionData)
	// ShowPushes is given at most internal.MaxShownPushes pushes, newest first.
	ShowPushes(pushes []internal.Push)
	ShowStatus(msg string, isError bool)
	ScrollToRecentPushes()
}

// Background is the request side of the messaging channel. *messaging.Client implements it.
type Background interface {
	Query(ctx context.Context, r messaging.Request) (*internal.SessionData, error)
}

type Config struct {
	API   pushapi.Client
	Store kvstore.Store
	// Background may be nil, in which case the popup always talks to the service directly.
	Background Background
	View       View

	StreamURL       string
	StreamAfterFunc func(d time.Duration, f func()) stream.Timer
}

type Controller struct {
	api     pushapi.Client
	store   kvstore.Store
	bg      Background
	view    View
	stream  *stream.Manager
	workers *internal.WorkerPool

	mu         sync.Mutex
	credential string
	data       internal.SessionData
	closed     bool
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		api:     cfg.API,
		store:   cfg.Store,
		bg:      cfg.Background,
		view:    cfg.View,
		workers: internal.NewWorkerPool(1),
	}
	c.stream = stream.NewManager(stream.Config{
		URL:        cfg.StreamURL,
		Credential: c.currentCredential,
		Handler:    &popupStream{c: c},
		AfterFunc:  cfg.StreamAfterFunc,
	})
	c.workers.Start()
	return c
}

func (c *Controller) currentCredential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

// Data returns what the popup is currently showing.
func (c *Controller) Data() internal.SessionData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Clone()
}

// StreamState reports the popup's own stream connection.
func (c *Controller) StreamState() stream.State {
	return c.stream.State()
}

func (c *Controller) query(ctx context.Context, r messaging.Request) (*internal.SessionData, error) {
	if c.bg == nil {
		return nil, messaging.ErrNoBackground
	}
	return c.bg.Query(ctx, r)
}

// tell sends an update to the background. Failing to deliver it is never fatal.
func (c *Controller) tell(ctx context.Context, r messaging.Request) {
	if _, err := c.query(ctx, r); err != nil {
		if errors.Is(err, messaging.ErrNoBackground) {
			logger.Debug().Str("action", r.Action).Msg("no background to tell")
			return
		}
		logger.Warn().Err(err).Str("action", r.Action).Msg("failed to tell background")
	}
}

// Activate shows the popup. It asks the background for the session and renders it if the user is
// signed in. Without a background it falls back to the stored credential. Otherwise it shows the
// login view.
func (c *Controller) Activate(ctx context.Context) error {
	c.view.ShowLoading()
	cred, err := kvstore.GetString(ctx, c.store, kvstore.KeyAPIKey)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	snap, err := c.query(ctx, messaging.Request{Action: messaging.ActionGetSessionData})
	switch {
	case err == nil && snap.IsAuthenticated && cred != "":
		c.setCredential(cred)
		c.render(*snap)
		c.stream.Connect()
	case err != nil && cred != "":
		if !errors.Is(err, messaging.ErrNoBackground) {
			logger.Warn().Err(err).Msg("background did not answer, loading directly")
		}
		if ferr := c.loadDirect(ctx, cred); ferr != nil {
			c.view.ShowLogin()
			c.view.ShowStatus(describe(ferr), true)
			return ferr
		}
		c.stream.Connect()
	default:
		c.view.ShowLogin()
		return nil
	}

	scroll, err := kvstore.GetBool(ctx, c.store, kvstore.KeyScrollToRecentPushes, false)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read scroll flag")
	}
	if scroll {
		c.view.ScrollToRecentPushes()
		if err := c.store.Remove(ctx, kvstore.KeyScrollToRecentPushes); err != nil {
			logger.Warn().Err(err).Msg("failed to clear scroll flag")
		}
	}
	return nil
}

// UseStoredCredential loads the stored access token without rendering anything, for one-shot
// actions such as sending a push.
func (c *Controller) UseStoredCredential(ctx context.Context) error {
	cred, err := kvstore.GetString(ctx, c.store, kvstore.KeyAPIKey)
	if err != nil {
		return err
	}
	if cred == "" {
		return ErrNotSignedIn
	}
	c.setCredential(cred)
	return nil
}

func (c *Controller) setCredential(cred string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = cred
}

// loadDirect fetches the session from the service without the background's cache.
func (c *Controller) loadDirect(ctx context.Context, cred string) error {
	profile, err := c.api.FetchProfile(ctx, cred)
	if err != nil {
		return err
	}
	devices, err := c.api.FetchActiveDevices(ctx, cred)
	if err != nil {
		return err
	}
	pushes, err := c.api.FetchRecentPushes(ctx, cred, internal.MaxRecentPushes)
	if err != nil {
		return err
	}
	autoOpen, _ := kvstore.GetBool(ctx, c.store, kvstore.KeyAutoOpenLinks, true)
	nickname, _ := kvstore.GetString(ctx, c.store, kvstore.KeyDeviceNickname)
	if nickname == "" {
		nickname = internal.DefaultNickname
	}
	c.setCredential(cred)
	c.render(internal.SessionData{
		IsAuthenticated: true,
		UserInfo:        profile,
		Devices:         devices,
		RecentPushes:    pushes,
		AutoOpenLinks:   autoOpen,
		DeviceNickname:  nickname,
		LastUpdated:     time.Now(),
	})
	return nil
}

func (c *Controller) render(data internal.SessionData) {
	c.mu.Lock()
	c.data = data.Clone()
	c.mu.Unlock()
	c.view.ShowMain(data)
	c.view.ShowPushes(shownPushes(data.RecentPushes))
}

func shownPushes(pushes []internal.Push) []internal.Push {
	out := pushapi.DisplayablePushes(pushes)
	if len(out) > internal.MaxShownPushes {
		out = out[:internal.MaxShownPushes]
	}
	return out
}

// SubmitCredential checks the token against the service and only stores it if it is accepted.
func (c *Controller) SubmitCredential(ctx context.Context, token, nickname string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		c.view.ShowStatus("Enter your access token", true)
		return ErrNotSignedIn
	}
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		nickname = internal.DefaultNickname
	}
	if _, err := c.api.FetchProfile(ctx, token); err != nil {
		c.view.ShowStatus(describe(err), true)
		return err
	}
	if err := c.store.Set(ctx, kvstore.KeyAPIKey, token); err != nil {
		return err
	}
	if err := c.store.Set(ctx, kvstore.KeyDeviceNickname, nickname); err != nil {
		return err
	}
	c.tell(ctx, messaging.Request{
		Action:         messaging.ActionAPIKeyChanged,
		APIKey:         &token,
		DeviceNickname: nickname,
	})
	if err := c.loadDirect(ctx, token); err != nil {
		c.view.ShowStatus(describe(err), true)
		return err
	}
	c.stream.Teardown()
	c.stream.Connect()
	return nil
}

// SendPush sends the draft straight to the service from this device and reloads the list.
func (c *Controller) SendPush(ctx context.Context, draft internal.PushDraft) error {
	cred := c.currentCredential()
	if cred == "" {
		c.view.ShowStatus("Sign in first", true)
		return ErrNotSignedIn
	}
	if err := pushapi.ValidateDraft(draft); err != nil {
		c.view.ShowStatus(err.Error(), true)
		return err
	}
	deviceID, err := kvstore.GetString(ctx, c.store, kvstore.KeyDeviceIden)
	if err != nil {
		return err
	}
	if _, err := c.api.SendPush(ctx, cred, deviceID, draft); err != nil {
		c.view.ShowStatus(describe(err), true)
		return err
	}
	c.view.ShowStatus("Pushed successfully", false)
	c.reloadPushes(ctx)
	return nil
}

func (c *Controller) SetAutoOpenLinks(ctx context.Context, enabled bool) error {
	if err := c.store.Set(ctx, kvstore.KeyAutoOpenLinks, enabled); err != nil {
		return err
	}
	c.mu.Lock()
	c.data.AutoOpenLinks = enabled
	c.mu.Unlock()
	c.tell(ctx, messaging.Request{Action: messaging.ActionAutoOpenLinksChanged, AutoOpenLinks: &enabled})
	return nil
}

func (c *Controller) SetDeviceNickname(ctx context.Context, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		nickname = internal.DefaultNickname
	}
	if err := c.store.Set(ctx, kvstore.KeyDeviceNickname, nickname); err != nil {
		return err
	}
	c.mu.Lock()
	c.data.DeviceNickname = nickname
	c.mu.Unlock()
	c.tell(ctx, messaging.Request{Action: messaging.ActionDeviceNicknameChanged, DeviceNickname: nickname})
	return nil
}

// Logout forgets the credential and this device and shows the login view.
func (c *Controller) Logout(ctx context.Context) error {
	c.stream.Teardown()
	c.mu.Lock()
	c.credential = ""
	c.data = internal.SessionData{}
	c.mu.Unlock()
	if err := c.store.Remove(ctx, kvstore.KeyAPIKey, kvstore.KeyDeviceIden); err != nil {
		return err
	}
	empty := ""
	c.tell(ctx, messaging.Request{Action: messaging.ActionAPIKeyChanged, APIKey: &empty})
	c.view.ShowLogin()
	return nil
}

// OnBackgroundNotification applies a broadcast from the background.
func (c *Controller) OnBackgroundNotification(n messaging.Notification) {
	switch n.Action {
	case messaging.ActionPushesUpdated:
		c.mu.Lock()
		c.data.RecentPushes = n.Pushes
		c.mu.Unlock()
		c.view.ShowPushes(shownPushes(n.Pushes))
	case messaging.ActionSessionDataUpdated:
		if n.SessionData == nil || !n.IsAuthenticated {
			c.stream.Teardown()
			c.mu.Lock()
			c.data = internal.SessionData{}
			c.mu.Unlock()
			c.view.ShowLogin()
			return
		}
		c.render(*n.SessionData)
	default:
		logger.Trace().Str("action", n.Action).Msg("ignoring notification")
	}
}

func (c *Controller) reloadPushes(ctx context.Context) {
	cred := c.currentCredential()
	if cred == "" {
		return
	}
	pushes, err := c.api.FetchRecentPushes(ctx, cred, internal.MaxRecentPushes)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to reload pushes")
		return
	}
	c.mu.Lock()
	c.data.RecentPushes = pushes
	c.mu.Unlock()
	c.view.ShowPushes(shownPushes(pushes))
}

// Close stops the popup's stream. The controller cannot be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.stream.Close()
	c.workers.Stop()
}

// popupStream only refreshes what is on screen. Notifications and auto-opened links are the
// background's job.
type popupStream struct {
	c *Controller
}

func (p *popupStream) OnOpen()      {}
func (p *popupStream) OnKeepalive() {}

func (p *popupStream) OnPushListChanged() {
	p.queueReload()
}

func (p *popupStream) OnPushDelivered(internal.Push) {
	p.queueReload()
}

func (p *popupStream) queueReload() {
	c := p.c
	c.workers.Queue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.reloadPushes(ctx)
	})
}

func describe(err error) string {
	var authErr *pushapi.AuthError
	if errors.As(err, &authErr) {
		return "Invalid access token"
	}
	return err.Error()
}
