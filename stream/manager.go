package stream

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pushline/pushline/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const DefaultURL = "wss://stream.pushbullet.com/websocket"

type State int32

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "disconnected"
	}
}

// ConnectionError wraps a failure of the stream. It is only ever logged: the manager always
// recovers by reconnecting.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream connection: %s", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Handler receives stream events. Callbacks run on the connection's read goroutine, so a slow
// callback delays the next frame. Callbacks may call Connect or Teardown.
type Handler interface {
	OnOpen()
	OnKeepalive()
	OnPushListChanged()
	OnPushDelivered(p internal.Push)
}

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

type Config struct {
	// URL is the stream base URL. The credential is appended as the final path segment.
	URL string
	// Credential returns the current access token, or "" if there is none. It is called with the
	// manager's lock held and so must not call back into the Manager.
	Credential func() string
	Handler    Handler
	Dialer     *websocket.Dialer
	// ReadTimeout closes the connection if no frame, including keepalives, arrives in time.
	ReadTimeout time.Duration
	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc        func(d time.Duration, f func()) Timer
	Logger           *zerolog.Logger
	EnablePrometheus bool
	MetricsSubsystem string
}

// Manager keeps one streaming connection open for as long as a credential is present,
// reconnecting with exponential backoff whenever it drops. It only stops on Teardown.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	attempt int
	// gen is bumped whenever the current connection is replaced or torn down. Goroutines and
	// timers belonging to an older generation do nothing.
	gen    uint64
	conn   *websocket.Conn
	cancel context.CancelFunc
	timer  Timer

	reconnects prometheus.Counter
	frames     *prometheus.CounterVec
	stateGauge prometheus.Gauge
}

func NewManager(cfg Config) *Manager {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	if cfg.Credential == nil {
		cfg.Credential = func() string { return "" }
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
	}
	if cfg.Logger != nil {
		m.logger = *cfg.Logger
	}
	if cfg.EnablePrometheus {
		m.addPrometheusMetrics()
	}
	return m
}

func (m *Manager) addPrometheusMetrics() {
	m.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pushline",
		Subsystem: m.cfg.MetricsSubsystem,
		Name:      "stream_reconnects",
		Help:      "Number of scheduled stream reconnects.",
	})
	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pushline",
		Subsystem: m.cfg.MetricsSubsystem,
		Name:      "stream_frames",
		Help:      "Number of stream frames received, by kind.",
	}, []string{"kind"})
	m.stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pushline",
		Subsystem: m.cfg.MetricsSubsystem,
		Name:      "stream_state",
		Help:      "0=disconnected 1=connecting 2=open",
	})
	prometheus.MustRegister(m.reconnects)
	prometheus.MustRegister(m.frames)
	prometheus.MustRegister(m.stateGauge)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsOpen() bool {
	return m.State() == Open
}

// Connect replaces any existing connection with a new one and resets the backoff. Does nothing
// if there is no credential.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = 0
	m.connectLocked()
}

// Teardown cancels any pending reconnect and closes the connection. The attempt counter is kept
// until the next Connect.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) connectLocked() {
	cred := m.cfg.Credential()
	if cred == "" {
		m.logger.Debug().Msg("stream: no credential, not connecting")
		return
	}
	m.teardownLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(Connecting)
	go m.run(ctx, m.gen, m.cfg.URL+"/"+url.PathEscape(cred))
}

func (m *Manager) teardownLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(Disconnected)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	if m.stateGauge != nil {
		m.stateGauge.Set(float64(s))
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, streamURL string) {
	defer internal.ReportPanicsToSentry()
	conn, _, err := m.cfg.Dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		m.onClosed(gen, &ConnectionError{Err: err})
		return
	}
	if !m.onOpened(gen, conn) {
		conn.Close()
		return
	}
	m.cfg.Handler.OnOpen()
	for {
		if m.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			m.onClosed(gen, &ConnectionError{Err: err})
			return
		}
		if !m.isCurrent(gen) {
			return
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg []byte) {
	frame, err := ParseFrame(msg)
	if err != nil {
		m.logger.Trace().Err(err).Msg("stream: ignoring malformed frame")
		return
	}
	if m.frames != nil {
		m.frames.WithLabelValues(frame.Kind.String()).Inc()
	}
	switch frame.Kind {
	case FrameKeepalive:
		m.cfg.Handler.OnKeepalive()
	case FramePushListChanged:
		m.cfg.Handler.OnPushListChanged()
	case FramePushDelivered:
		m.cfg.Handler.OnPushDelivered(*frame.Push)
	default:
		m.logger.Trace().Bytes("frame", msg).Msg("stream: ignoring frame")
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) onOpened(gen uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.conn = conn
	m.attempt = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.setStateLocked(Open)
	m.logger.Info().Msg("stream: connected")
	return true
}

func (m *Manager) onClosed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(Disconnected)
	delay := ReconnectDelay(m.attempt)
	if m.reconnects != nil {
		m.reconnects.Inc()
	}
	m.attempt++
	m.logger.Warn().Err(err).Str("duration", delay.String()).Int("attempt", m.attempt).Msg("stream: waiting before reconnecting")
	m.timer = m.cfg.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return
		}
		m.timer = nil
		m.connectLocked()
	})
}

// Close tears the connection down and unregisters metrics.
func (m *Manager) Close() {
	m.Teardown()
	if m.reconnects != nil {
		prometheus.Unregister(m.reconnects)
		prometheus.Unregister(m.frames)
		prometheus.Unregister(m.stateGauge)
	}
}
