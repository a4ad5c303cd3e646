// Package session holds the background session: the single authoritative cache of the user's
// profile, devices and recent pushes, the background stream connection, and the rules for
// raising desktop notifications and auto-opening links.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pushline/pushline/desktop"
	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/pubsub"
	"github.com/pushline/pushline/pushapi"
	"github.com/pushline/pushline/stream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrNoCredential is returned by operations which need an access token when none is set.
var ErrNoCredential = errors.New("no access token")

var errCredentialChanged = errors.New("credential changed during refresh")

const refreshTimeout = 30 * time.Second

type Config struct {
	API      pushapi.Client
	Store    kvstore.Store
	Notifier pubsub.Notifier
	Desktop  desktop.Notifier
	Tabs     desktop.TabOpener

	StreamURL         string
	StreamReadTimeout time.Duration
	// StreamAfterFunc overrides how stream reconnects are scheduled.
	StreamAfterFunc func(d time.Duration, f func()) stream.Timer

	// OpenPopup is called when the user clicks a push notification.
	OpenPopup func()
	// Clock defaults to time.Now.
	Clock func() time.Time
	// NotifiedTTL is how long a push ID is remembered as already notified.
	NotifiedTTL      time.Duration
	EnablePrometheus bool
}

// Manager owns the session cache. There is one per background process. All methods are safe to
// call concurrently.
type Manager struct {
	cfg     Config
	api     pushapi.Client
	store   kvstore.Store
	pub     pubsub.Notifier
	desk    desktop.Notifier
	tabs    desktop.TabOpener
	clock   func() time.Time
	stream  *stream.Manager
	workers *internal.WorkerPool
	flight  singleflight.Group
	// push IDs which have had a notification raised, or were already present at startup
	notified *ttlcache.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cache        internal.SessionData
	hasGoodState bool
	credential   string
	// credGen is bumped on every credential change so results fetched with an old credential
	// are discarded.
	credGen  uint64
	deviceID string
	started  bool
	stopped  bool

	refreshes *prometheus.CounterVec
	cacheAge  prometheus.GaugeFunc
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NotifiedTTL == 0 {
		cfg.NotifiedTTL = 10 * time.Minute
	}
	if cfg.Desktop == nil {
		cfg.Desktop = desktop.LogNotifier{}
	}
	if cfg.Tabs == nil {
		cfg.Tabs = desktop.BrowserOpener{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		api:     cfg.API,
		store:   cfg.Store,
		pub:     cfg.Notifier,
		desk:    cfg.Desktop,
		tabs:    cfg.Tabs,
		clock:   cfg.Clock,
		workers: internal.NewWorkerPool(1),
		notified: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.NotifiedTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		ctx:    ctx,
		cancel: cancel,
		cache: internal.SessionData{
			AutoOpenLinks:  true,
			DeviceNickname: internal.DefaultNickname,
			Devices:        []internal.Device{},
			RecentPushes:   []internal.Push{},
		},
	}
	m.stream = stream.NewManager(stream.Config{
		URL:              cfg.StreamURL,
		Credential:       m.currentCredential,
		Handler:          &backgroundStream{m: m},
		ReadTimeout:      cfg.StreamReadTimeout,
		AfterFunc:        cfg.StreamAfterFunc,
		EnablePrometheus: cfg.EnablePrometheus,
		MetricsSubsystem: "background",
	})
	if cfg.EnablePrometheus {
		m.addPrometheusMetrics()
	}
	return m
}

func (m *Manager) addPrometheusMetrics() {
	m.refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pushline",
		Subsystem: "session",
		Name:      "refreshes",
		Help:      "Number of session cache refreshes, by outcome.",
	}, []string{"outcome"})
	m.cacheAge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pushline",
		Subsystem: "session",
		Name:      "cache_age_secs",
		Help:      "Seconds since the session cache was last refreshed.",
	}, func() float64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.hasGoodState {
			return 0
		}
		return m.clock().Sub(m.cache.LastUpdated).Seconds()
	})
	prometheus.MustRegister(m.refreshes)
	prometheus.MustRegister(m.cacheAge)
}

func (m *Manager) countRefresh(outcome string) {
	if m.refreshes != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) currentCredential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// DeviceID returns this installation's device ID, or "" if it is not registered.
func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

// StreamState reports the background stream's connection state.
func (m *Manager) StreamState() stream.State {
	return m.stream.State()
}

// Initialize loads the stored credential and settings. If there is a credential it refreshes the
// cache, makes sure this device is registered and opens the stream. A failure leaves the session
// unauthenticated and is returned; Initialize does not retry.
func (m *Manager) Initialize(ctx context.Context) error {
	cred, err := kvstore.GetString(ctx, m.store, kvstore.KeyAPIKey)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	deviceID, err := kvstore.GetString(ctx, m.store, kvstore.KeyDeviceIden)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	autoOpen, err := kvstore.GetBool(ctx, m.store, kvstore.KeyAutoOpenLinks, true)
	if err != nil {
		return fmt.Errorf("load %s: %w", kvstore.KeyAutoOpenLinks, err)
	}
	nickname, err := kvstore.GetString(ctx, m.store, kvstore.KeyDeviceNickname)
	if err != nil {
		return fmt.Errorf("load %s: %w", kvstore.KeyDeviceNickname, err)
	}
	if nickname == "" {
		nickname = internal.DefaultNickname
	}

	m.mu.Lock()
	m.credential = cred
	m.credGen++
	m.deviceID = deviceID
	m.cache.AutoOpenLinks = autoOpen
	m.cache.DeviceNickname = nickname
	m.mu.Unlock()

	m.workers.Start()
	go m.notified.Start()

	if cred == "" {
		logger.Info().Msg("no access token stored, waiting for one")
		m.markStarted()
		return nil
	}
	snap, err := m.Refresh(ctx)
	if err != nil {
		m.markStarted()
		return err
	}
	// pushes which existed before we started are not news
	for _, p := range snap.RecentPushes {
		m.notified.Set(p.ID, struct{}{}, ttlcache.DefaultTTL)
	}
	if err := m.ensureDevice(ctx); err != nil {
		m.mu.Lock()
		m.cache.IsAuthenticated = false
		m.mu.Unlock()
		m.markStarted()
		return err
	}
	m.markStarted()
	m.ensureStream()
	logger.Info().Str("user", snap.UserInfo.DisplayName()).Str("device", m.DeviceID()).Msg("session initialized")
	return nil
}

func (m *Manager) markStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

// Snapshot returns the cache as it is now without refreshing it.
func (m *Manager) Snapshot() internal.SessionData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Clone()
}

// GetSnapshot returns the cache if it is authenticated and no older than maxAge, refreshing it
// first otherwise. If the refresh fails an unauthenticated snapshot is returned with the error.
// With no credential an unauthenticated snapshot is returned without any remote calls.
func (m *Manager) GetSnapshot(ctx context.Context, maxAge time.Duration) (internal.SessionData, error) {
	if maxAge <= 0 {
		maxAge = internal.DefaultMaxAge
	}
	m.mu.Lock()
	cred := m.credential
	fresh := m.cache.IsAuthenticated && m.clock().Sub(m.cache.LastUpdated) <= maxAge
	snap := m.cache.Clone()
	m.mu.Unlock()
	if cred == "" {
		snap.IsAuthenticated = false
		return snap, nil
	}
	if fresh {
		return snap, nil
	}
	return m.Refresh(ctx)
}

// Refresh re-fetches the profile, devices and recent pushes and commits them together.
// Concurrent callers share a single in-flight refresh.
func (m *Manager) Refresh(ctx context.Context) (internal.SessionData, error) {
	m.mu.Lock()
	cred := m.credential
	gen := m.credGen
	m.mu.Unlock()
	if cred == "" {
		return m.unauthenticated(), ErrNoCredential
	}
	// detach so one caller giving up does not fail everyone sharing the refresh
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	v, err, shared := m.flight.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return m.refresh(rctx, cred, gen)
	})
	if shared {
		logger.Trace().Msg("joined in-flight refresh")
	}
	if err != nil {
		return m.unauthenticated(), err
	}
	return v.(internal.SessionData).Clone(), nil
}

func (m *Manager) refresh(ctx context.Context, cred string, gen uint64) (internal.SessionData, error) {
	ctx, span := internal.StartSpan(ctx, "Refresh")
	defer span.End()

	profile, err := m.api.FetchProfile(ctx, cred)
	if err != nil {
		return internal.SessionData{}, m.refreshFailed(ctx, gen, err)
	}
	devices, err := m.api.FetchActiveDevices(ctx, cred)
	if err != nil {
		return internal.SessionData{}, m.refreshFailed(ctx, gen, err)
	}
	pushes, err := m.api.FetchRecentPushes(ctx, cred, internal.MaxRecentPushes)
	if err != nil {
		return internal.SessionData{}, m.refreshFailed(ctx, gen, err)
	}
	internal.Logf(ctx, "refresh", "devices=%d pushes=%d", len(devices), len(pushes))

	m.mu.Lock()
	if m.credGen != gen {
		m.mu.Unlock()
		return internal.SessionData{}, errCredentialChanged
	}
	prev := m.touchLocked()
	m.cache.UserInfo = profile
	m.cache.Devices = devices
	m.cache.RecentPushes = trimPushes(pushes)
	m.cache.IsAuthenticated = true
	m.hasGoodState = true
	m.checkLocked(prev)
	snap := m.cache.Clone()
	m.mu.Unlock()

	m.countRefresh("ok")
	m.ensureStream()
	return snap, nil
}

// refreshFailed applies the error policy: an AuthError resets the session, anything else keeps
// the last known good cache.
func (m *Manager) refreshFailed(ctx context.Context, gen uint64, err error) error {
	var authErr *pushapi.AuthError
	isAuth := errors.As(err, &authErr)
	m.mu.Lock()
	current := m.credGen == gen
	if current {
		if isAuth {
			m.resetLocked()
		} else if !m.hasGoodState {
			m.cache.IsAuthenticated = false
		}
	}
	m.mu.Unlock()
	if isAuth {
		m.countRefresh("auth_error")
		logger.Warn().Err(err).Msg("access token rejected, session reset")
		if current {
			m.stream.Teardown()
			m.publishSession()
		}
		return err
	}
	m.countRefresh("fetch_error")
	logger.Err(err).Msg("refresh failed, keeping last known session")
	internal.CaptureError(ctx, err, map[string]string{"op": "refresh"})
	return err
}

// touchLocked moves LastUpdated to now, never backwards, and returns its previous value.
func (m *Manager) touchLocked() time.Time {
	prev := m.cache.LastUpdated
	if now := m.clock(); now.After(prev) {
		m.cache.LastUpdated = now
	}
	return prev
}

// checkLocked asserts the cache invariants after a commit. prev is LastUpdated before it.
func (m *Manager) checkLocked(prev time.Time) {
	internal.Assert("recent pushes are bounded", len(m.cache.RecentPushes) <= internal.MaxRecentPushes)
	internal.Assert("an authenticated session has a credential", !m.cache.IsAuthenticated || m.credential != "")
	internal.Assert("LastUpdated never decreases", !m.cache.LastUpdated.Before(prev))
}

// resetLocked drops everything fetched with the credential but keeps local settings.
func (m *Manager) resetLocked() {
	m.cache.IsAuthenticated = false
	m.cache.UserInfo = nil
	m.cache.Devices = []internal.Device{}
	m.cache.RecentPushes = []internal.Push{}
	m.hasGoodState = false
}

func (m *Manager) unauthenticated() internal.SessionData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return internal.SessionData{
		IsAuthenticated: false,
		Devices:         []internal.Device{},
		RecentPushes:    []internal.Push{},
		AutoOpenLinks:   m.cache.AutoOpenLinks,
		DeviceNickname:  m.cache.DeviceNickname,
		LastUpdated:     m.cache.LastUpdated,
	}
}

func (m *Manager) ensureStream() {
	m.mu.Lock()
	ok := m.started && !m.stopped && m.credential != ""
	m.mu.Unlock()
	if ok && m.stream.State() == stream.Disconnected {
		m.stream.Connect()
	}
}

// ensureDevice registers this installation as a device unless it already has an ID. A stored ID
// whose nickname differs from the local setting is renamed.
func (m *Manager) ensureDevice(ctx context.Context) error {
	m.mu.Lock()
	cred := m.credential
	nickname := m.cache.DeviceNickname
	devices := m.cache.Devices
	m.mu.Unlock()
	if cred == "" {
		return ErrNoCredential
	}
	deviceID, err := kvstore.GetString(ctx, m.store, kvstore.KeyDeviceIden)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if deviceID != "" {
		m.setDeviceID(deviceID)
		for _, d := range devices {
			if d.ID == deviceID && d.Nickname != nickname {
				m.renameDevice(ctx, cred, deviceID, nickname)
			}
		}
		return nil
	}

	ctx, span := internal.StartSpan(ctx, "RegisterDevice")
	defer span.End()
	device, err := m.api.RegisterDevice(ctx, cred, nickname)
	if err != nil {
		span.RecordError(err)
		m.setDeviceID("")
		if rerr := m.store.Remove(ctx, kvstore.KeyDeviceIden); rerr != nil {
			logger.Err(rerr).Msg("failed to clear device iden")
		}
		logger.Err(err).Str("nickname", nickname).Msg("device registration failed")
		internal.CaptureError(ctx, err, map[string]string{"op": "register_device"})
		return err
	}
	if err := m.store.Set(ctx, kvstore.KeyDeviceIden, device.ID); err != nil {
		return fmt.Errorf("store device iden: %w", err)
	}
	m.setDeviceID(device.ID)
	m.mu.Lock()
	known := false
	for _, d := range m.cache.Devices {
		if d.ID == device.ID {
			known = true
		}
	}
	if !known {
		m.cache.Devices = append(m.cache.Devices, *device)
	}
	m.mu.Unlock()
	logger.Info().Str("device", device.ID).Str("nickname", nickname).Msg("registered device")
	return nil
}

func (m *Manager) setDeviceID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceID = id
}

func (m *Manager) renameDevice(ctx context.Context, cred, deviceID, nickname string) {
	if err := m.api.RenameDevice(ctx, cred, deviceID, nickname); err != nil {
		logger.Warn().Err(err).Str("device", deviceID).Msg("failed to rename device")
	}
}

// OnCredentialChanged reacts to the access token being set or cleared. Clearing it closes the
// stream and resets the cache. Setting it refreshes the cache and registers the device.
func (m *Manager) OnCredentialChanged(ctx context.Context, cred string) error {
	m.mu.Lock()
	if cred == m.credential && (cred == "" || m.cache.IsAuthenticated) {
		m.mu.Unlock()
		return nil
	}
	m.credential = cred
	m.credGen++
	if cred == "" {
		m.resetLocked()
		m.deviceID = ""
	}
	m.mu.Unlock()

	m.stream.Teardown()
	if cred == "" {
		logger.Info().Msg("access token removed, session reset")
		m.publishSession()
		return nil
	}
	if _, err := m.Refresh(ctx); err != nil {
		return err
	}
	if err := m.ensureDevice(ctx); err != nil {
		return err
	}
	m.publishSession()
	return nil
}

// OnLogin applies the nickname chosen together with a new access token, then switches to the
// token, so a device registered for it carries that nickname. If the token is already in use the
// device is renamed instead.
func (m *Manager) OnLogin(ctx context.Context, cred, nickname string) error {
	if cred == "" {
		return m.OnCredentialChanged(ctx, "")
	}
	if nickname == "" {
		nickname = internal.DefaultNickname
	}
	m.mu.Lock()
	current := cred == m.credential && m.cache.IsAuthenticated
	changed := m.cache.DeviceNickname != nickname
	if !current {
		m.cache.DeviceNickname = nickname
	}
	m.mu.Unlock()
	if current {
		return m.SetDeviceNickname(ctx, nickname)
	}
	if changed {
		if err := m.store.Set(ctx, kvstore.KeyDeviceNickname, nickname); err != nil {
			return err
		}
	}
	return m.OnCredentialChanged(ctx, cred)
}

// OnSettingChanged updates a user setting. key is kvstore.KeyAutoOpenLinks with a bool or
// kvstore.KeyDeviceNickname with a string.
func (m *Manager) OnSettingChanged(ctx context.Context, key string, value interface{}) error {
	switch key {
	case kvstore.KeyAutoOpenLinks:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%s must be a bool, got %T", key, value)
		}
		return m.SetAutoOpenLinks(ctx, v)
	case kvstore.KeyDeviceNickname:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be a string, got %T", key, value)
		}
		return m.SetDeviceNickname(ctx, v)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

func (m *Manager) SetAutoOpenLinks(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	changed := m.cache.AutoOpenLinks != enabled
	m.cache.AutoOpenLinks = enabled
	m.mu.Unlock()
	if !changed {
		return nil
	}
	if err := m.store.Set(ctx, kvstore.KeyAutoOpenLinks, enabled); err != nil {
		return err
	}
	m.publishSession()
	return nil
}

// SetDeviceNickname stores the nickname and renames this device on the service. A failed rename
// is logged, not returned.
func (m *Manager) SetDeviceNickname(ctx context.Context, nickname string) error {
	if nickname == "" {
		nickname = internal.DefaultNickname
	}
	m.mu.Lock()
	changed := m.cache.DeviceNickname != nickname
	m.cache.DeviceNickname = nickname
	cred := m.credential
	deviceID := m.deviceID
	gen := m.credGen
	m.mu.Unlock()
	if !changed {
		return nil
	}
	if err := m.store.Set(ctx, kvstore.KeyDeviceNickname, nickname); err != nil {
		return err
	}
	if cred != "" && deviceID != "" {
		m.renameDevice(ctx, cred, deviceID, nickname)
		devices, err := m.api.FetchActiveDevices(ctx, cred)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to reload devices after rename")
		} else {
			m.mu.Lock()
			if m.credGen == gen {
				m.cache.Devices = devices
			}
			m.mu.Unlock()
		}
	}
	m.publishSession()
	return nil
}

// OnStoreChange applies a change made to the persistent config, possibly by another process.
func (m *Manager) OnStoreChange(ctx context.Context, c kvstore.Change) {
	var err error
	switch c.Key {
	case kvstore.KeyAPIKey:
		var cred string
		if !c.Removed {
			err = c.Decode(&cred)
		}
		if err == nil {
			err = m.OnCredentialChanged(ctx, cred)
		}
	case kvstore.KeyAutoOpenLinks:
		enabled := true
		if !c.Removed {
			err = c.Decode(&enabled)
		}
		if err == nil {
			err = m.SetAutoOpenLinks(ctx, enabled)
		}
	case kvstore.KeyDeviceNickname:
		var nickname string
		if !c.Removed {
			err = c.Decode(&nickname)
		}
		if err == nil {
			err = m.SetDeviceNickname(ctx, nickname)
		}
	case kvstore.KeyDeviceIden:
		var id string
		if !c.Removed {
			err = c.Decode(&id)
		}
		if err == nil {
			m.setDeviceID(id)
		}
	default:
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("key", c.Key).Msg("failed to apply config change")
	}
}

func (m *Manager) publishSession() {
	snap := m.Snapshot()
	if err := m.pub.Notify(pubsub.ChanSession, &pubsub.SessionDataUpdated{Data: snap}); err != nil {
		logger.Trace().Err(err).Msg("no one received sessionDataUpdated")
	}
}

func (m *Manager) publishPushes(pushes []internal.Push) {
	if err := m.pub.Notify(pubsub.ChanSession, &pubsub.PushesUpdated{Pushes: pushes}); err != nil {
		logger.Trace().Err(err).Msg("no one received pushesUpdated")
	}
}

// Teardown closes the stream and stops background work. The manager cannot be used afterwards.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	m.stream.Close()
	m.workers.Stop()
	if started {
		m.notified.Stop()
	}
	if m.refreshes != nil {
		prometheus.Unregister(m.refreshes)
		prometheus.Unregister(m.cacheAge)
	}
}

func trimPushes(pushes []internal.Push) []internal.Push {
	if len(pushes) > internal.MaxRecentPushes {
		pushes = pushes[:internal.MaxRecentPushes]
	}
	if pushes == nil {
		return []internal.Push{}
	}
	return pushes
}
