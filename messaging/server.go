package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/pubsub"
	"github.com/pushline/pushline/pushapi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Backend is what the server asks to do the work. *session.Manager implements it.
type Backend interface {
	GetSnapshot(ctx context.Context, maxAge time.Duration) (internal.SessionData, error)
	OnCredentialChanged(ctx context.Context, cred string) error
	// OnLogin is OnCredentialChanged for a token that comes with the nickname it was entered with.
	OnLogin(ctx context.Context, cred, nickname string) error
	SetAutoOpenLinks(ctx context.Context, enabled bool) error
	SetDeviceNickname(ctx context.Context, nickname string) error
	SendPush(ctx context.Context, draft internal.PushDraft) (*internal.Push, error)
	OnNotificationClicked(ctx context.Context, notificationID string) error
}

type ServerOptions struct {
	// EnablePrometheus registers metrics and serves them on GET /metrics.
	EnablePrometheus bool
}

// Server answers popup requests and broadcasts session notifications to subscribed popups. It
// implements pubsub.SessionListener so it can be fed from the session channel.
type Server struct {
	backend Backend
	store   kvstore.Store
	// updates are applied one at a time, in the order they were received
	workers  *internal.WorkerPool
	hub      *hub
	upgrader websocket.Upgrader
	chain    []func(next http.Handler) http.Handler
	final    http.Handler
	ctx      context.Context
	cancel   context.CancelFunc

	requests    *prometheus.CounterVec
	subscribers prometheus.Gauge
}

func NewServer(backend Backend, store kvstore.Store, opts ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend: backend,
		store:   store,
		workers: internal.NewWorkerPool(1),
		hub:     newHub(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return r.Header.Get("Origin") == ""
	}
	if opts.EnablePrometheus {
		s.addPrometheusMetrics()
	}
	r := mux.NewRouter()
	r.Handle("/v1/messages", http.HandlerFunc(s.serveMessage)).Methods("POST")
	r.Handle("/v1/events", http.HandlerFunc(s.serveEvents)).Methods("GET")
	if opts.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}
	s.chain = []func(next http.Handler) http.Handler{
		hlog.NewHandler(logger),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
			})
		},
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			entry := internal.DecorateLogger(r.Context(), hlog.FromRequest(r).Info())
			entry.Str("method", r.Method).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Str("path", r.URL.Path).
				Msg("")
		}),
		hlog.RemoteAddrHandler("ip"),
		rejectBrowsers,
	}
	s.final = otelhttp.NewHandler(r, "messaging")
	s.workers.Start()
	return s
}

func (s *Server) addPrometheusMetrics() {
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pushline",
		Subsystem: "messaging",
		Name:      "requests",
		Help:      "Number of popup requests, by action.",
	}, []string{"action"})
	s.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pushline",
		Subsystem: "messaging",
		Name:      "subscribers",
		Help:      "Number of popups subscribed to notifications.",
	})
	prometheus.MustRegister(s.requests)
	prometheus.MustRegister(s.subscribers)
	s.hub.onCount = func(n int) {
		s.subscribers.Set(float64(n))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

// The messaging endpoints hand out the user's pushes and accept new credentials, so they are only
// for local processes. Browsers always send an Origin on cross-site requests.
func rejectBrowsers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Origin") != "" {
			writeError(w, &internal.HandlerError{
				StatusCode: http.StatusForbidden,
				Err:        fmt.Errorf("cross-origin requests are not allowed"),
			})
			return
		}
		next.ServeHTTP(w, req)
	})
}

// ListenAndServe blocks serving on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Msgf("messaging listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every subscriber and stops applying updates.
func (s *Server) Close() {
	s.cancel()
	s.hub.close()
	s.workers.Stop()
	if s.requests != nil {
		prometheus.Unregister(s.requests)
		prometheus.Unregister(s.subscribers)
	}
}

func (s *Server) serveMessage(w http.ResponseWriter, req *http.Request) {
	resp, err := s.handleRequest(req)
	if err != nil {
		herr, ok := err.(*internal.HandlerError)
		if !ok {
			herr = &internal.HandlerError{
				StatusCode: 500,
				Err:        err,
			}
		}
		writeError(w, herr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, herr *internal.HandlerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func (s *Server) handleRequest(req *http.Request) (interface{}, error) {
	var msg Request
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		return nil, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("failed to decode request: %w", err),
		}
	}
	ctx := req.Context()
	internal.SetRequestContextAction(ctx, msg.Action, "")
	if s.requests != nil {
		s.requests.WithLabelValues(msg.Action).Inc()
	}

	var work func(ctx context.Context) error
	switch msg.Action {
	case ActionGetSessionData:
		snap, err := s.backend.GetSnapshot(ctx, 0)
		if err != nil {
			// the popup still gets the unauthenticated snapshot and shows the login view
			hlog.FromRequest(req).Warn().Err(err).Msg("session refresh failed")
		}
		internal.SetRequestContextResponseInfo(ctx, len(snap.RecentPushes))
		return snap, nil
	case ActionAPIKeyChanged:
		work = func(ctx context.Context) error {
			var cred string
			if msg.APIKey != nil {
				cred = *msg.APIKey
			} else {
				var err error
				if cred, err = kvstore.GetString(ctx, s.store, kvstore.KeyAPIKey); err != nil {
					return err
				}
			}
			if cred != "" && msg.DeviceNickname != "" {
				return s.backend.OnLogin(ctx, cred, msg.DeviceNickname)
			}
			return s.backend.OnCredentialChanged(ctx, cred)
		}
	case ActionAutoOpenLinksChanged:
		if msg.AutoOpenLinks == nil {
			return nil, badRequest("autoOpenLinks is required")
		}
		enabled := *msg.AutoOpenLinks
		work = func(ctx context.Context) error {
			return s.backend.SetAutoOpenLinks(ctx, enabled)
		}
	case ActionDeviceNicknameChanged:
		work = func(ctx context.Context) error {
			return s.backend.SetDeviceNickname(ctx, msg.DeviceNickname)
		}
	case ActionSendPush:
		if msg.Push == nil {
			return nil, badRequest("push is required")
		}
		if err := pushapi.ValidateDraft(*msg.Push); err != nil {
			return nil, &internal.HandlerError{StatusCode: 400, Err: err}
		}
		work = func(ctx context.Context) error {
			_, err := s.backend.SendPush(ctx, *msg.Push)
			return err
		}
	case ActionNotificationClicked:
		if msg.NotificationID == "" {
			return nil, badRequest("notificationId is required")
		}
		work = func(ctx context.Context) error {
			return s.backend.OnNotificationClicked(ctx, msg.NotificationID)
		}
	default:
		return nil, badRequest(fmt.Sprintf("unknown action %q", msg.Action))
	}

	action := msg.Action
	queued := s.workers.Queue(func() {
		if err := work(s.ctx); err != nil {
			logger.Warn().Err(err).Str("action", action).Msg("failed to apply request")
		}
	})
	if !queued {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusServiceUnavailable,
			Err:        fmt.Errorf("shutting down"),
		}
	}
	return ackResponse{OK: true}, nil
}

func badRequest(msg string) error {
	return &internal.HandlerError{StatusCode: 400, Err: errors.New(msg)}
}

func (s *Server) serveEvents(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		hlog.FromRequest(req).Warn().Err(err).Msg("failed to upgrade events subscriber")
		return
	}
	sub, ok := s.hub.register(conn)
	if !ok {
		conn.Close()
		return
	}
	go sub.writePump()
	sub.readPump()
}

func (s *Server) OnPushesUpdated(p *pubsub.PushesUpdated) {
	s.broadcast(Notification{Action: ActionPushesUpdated, Pushes: p.Pushes})
}

func (s *Server) OnSessionDataUpdated(p *pubsub.SessionDataUpdated) {
	data := p.Data
	s.broadcast(Notification{Action: ActionSessionDataUpdated, SessionData: &data})
}

func (s *Server) broadcast(n Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		logger.Err(err).Str("action", n.Action).Msg("failed to marshal notification")
		return
	}
	sent := s.hub.broadcast(b)
	logger.Trace().Str("action", n.Action).Int("subscribers", sent).Msg("broadcast")
}
