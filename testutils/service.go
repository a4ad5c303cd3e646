package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pushline/pushline/internal"
	"github.com/tidwall/gjson"
)

// FakeService is an in-memory push service. It serves the REST API under URL() and the
// realtime stream under StreamURL(). Only requests carrying Token are accepted.
type FakeService struct {
	Token   string
	Profile internal.UserProfile

	// RequestDelay is slept before answering each REST request.
	RequestDelay time.Duration
	srv          *httptest.Server
	mu           sync.Mutex
	rejectStream bool
	devices      []internal.Device
	pushes       []internal.Push
	statuses     map[string]int
	calls        map[string]int
	bodies       map[string][]string
	streams      []*websocket.Conn
	nextID       int
	upgrader     websocket.Upgrader
}

func NewFakeService(t *testing.T, token string) *FakeService {
	t.Helper()
	f := &FakeService{
		Token:    token,
		Profile:  internal.UserProfile{ID: "user1", Name: "Alice", Email: "alice@example.com"},
		statuses: make(map[string]int),
		calls:    make(map[string]int),
		bodies:   make(map[string][]string),
	}
	r := mux.NewRouter()
	r.HandleFunc("/v2/users/me", f.handle("GET /users/me", f.serveProfile)).Methods("GET")
	r.HandleFunc("/v2/devices", f.handle("GET /devices", f.serveDevices)).Methods("GET")
	r.HandleFunc("/v2/devices", f.handle("POST /devices", f.serveRegister)).Methods("POST")
	r.HandleFunc("/v2/devices/{iden}", f.handle("POST /devices/{iden}", f.serveRename)).Methods("POST")
	r.HandleFunc("/v2/pushes", f.handle("GET /pushes", f.servePushes)).Methods("GET")
	r.HandleFunc("/v2/pushes", f.handle("POST /pushes", f.serveSendPush)).Methods("POST")
	r.HandleFunc("/websocket/{token}", f.serveStream)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.Close)
	return f
}

// URL is the REST base URL, the equivalent of https://api.pushbullet.com/v2
func (f *FakeService) URL() string {
	return f.srv.URL + "/v2"
}

// StreamURL is the stream base URL. Clients append "/<token>".
func (f *FakeService) StreamURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/websocket"
}

func (f *FakeService) Close() {
	f.CloseStreams()
	f.srv.Close()
}

// SetStatus forces route, e.g "GET /devices", to fail with this status. 0 clears it.
func (f *FakeService) SetStatus(route string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.statuses, route)
		return
	}
	f.statuses[route] = status
}

// SetRequestDelay changes RequestDelay while requests may be in flight.
func (f *FakeService) SetRequestDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RequestDelay = d
}

// SetRejectStream makes the stream endpoint fail every upgrade with a 503.
func (f *FakeService) SetRejectStream(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectStream = reject
}

func (f *FakeService) CallCount(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

// Bodies returns the request bodies received on route, oldest first.
func (f *FakeService) Bodies(route string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies[route]...)
}

func (f *FakeService) AddDevice(d internal.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, d)
}

func (f *FakeService) Devices() []internal.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]internal.Device(nil), f.devices...)
}

// AddPush stores p as the newest push.
func (f *FakeService) AddPush(p internal.Push) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append([]internal.Push{p}, f.pushes...)
}

// SendFrame writes frame as JSON to every open stream.
func (f *FakeService) SendFrame(t *testing.T, frame interface{}) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.streams {
		if err := c.WriteJSON(frame); err != nil {
			t.Logf("SendFrame: %s", err)
		}
	}
}

// WaitForStreams blocks until n streams are open or fails the test after a few seconds.
func (f *FakeService) WaitForStreams(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.NumStreams() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("WaitForStreams: got %d streams want %d", f.NumStreams(), n)
}

func (f *FakeService) NumStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// CloseStreams drops every open stream connection from the server side.
func (f *FakeService) CloseStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.streams {
		c.Close()
	}
	f.streams = nil
}

func (f *FakeService) handle(route string, fn func(w http.ResponseWriter, req *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		f.mu.Lock()
		f.calls[route]++
		f.bodies[route] = append(f.bodies[route], string(body))
		status := f.statuses[route]
		delay := f.RequestDelay
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if req.Header.Get("Access-Token") != f.Token {
			writeJSON(w, 401, map[string]interface{}{
				"error": map[string]string{"message": "Access token is missing or invalid."},
			})
			return
		}
		if status != 0 {
			writeJSON(w, status, map[string]interface{}{
				"error": map[string]string{"message": fmt.Sprintf("forced HTTP %d", status)},
			})
			return
		}
		fn(w, req, body)
	}
}

func (f *FakeService) serveProfile(w http.ResponseWriter, req *http.Request, body []byte) {
	writeJSON(w, 200, f.Profile)
}

func (f *FakeService) serveDevices(w http.ResponseWriter, req *http.Request, body []byte) {
	writeJSON(w, 200, map[string]interface{}{"devices": f.Devices()})
}

func (f *FakeService) servePushes(w http.ResponseWriter, req *http.Request, body []byte) {
	f.mu.Lock()
	pushes := append([]internal.Push(nil), f.pushes...)
	f.mu.Unlock()
	limit := 20
	fmt.Sscanf(req.URL.Query().Get("limit"), "%d", &limit)
	if len(pushes) > limit {
		pushes = pushes[:limit]
	}
	writeJSON(w, 200, map[string]interface{}{"pushes": pushes})
}

func (f *FakeService) serveRegister(w http.ResponseWriter, req *http.Request, body []byte) {
	f.mu.Lock()
	f.nextID++
	d := internal.Device{
		ID:           fmt.Sprintf("ujdevice%d", f.nextID),
		Nickname:     gjson.GetBytes(body, "nickname").Str,
		Model:        gjson.GetBytes(body, "model").Str,
		Manufacturer: gjson.GetBytes(body, "manufacturer").Str,
		Type:         gjson.GetBytes(body, "type").Str,
		Icon:         gjson.GetBytes(body, "icon").Str,
		Active:       true,
	}
	f.devices = append(f.devices, d)
	f.mu.Unlock()
	writeJSON(w, 200, d)
}

func (f *FakeService) serveRename(w http.ResponseWriter, req *http.Request, body []byte) {
	iden := mux.Vars(req)["iden"]
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.devices {
		if f.devices[i].ID == iden {
			f.devices[i].Nickname = gjson.GetBytes(body, "nickname").Str
			writeJSON(w, 200, f.devices[i])
			return
		}
	}
	writeJSON(w, 404, map[string]interface{}{
		"error": map[string]string{"message": "Object not found."},
	})
}

func (f *FakeService) serveSendPush(w http.ResponseWriter, req *http.Request, body []byte) {
	p := internal.Push{
		ID:             generatePushID(),
		Type:           gjson.GetBytes(body, "type").Str,
		Title:          gjson.GetBytes(body, "title").Str,
		Body:           gjson.GetBytes(body, "body").Str,
		URL:            gjson.GetBytes(body, "url").Str,
		SourceDeviceID: gjson.GetBytes(body, "source_device_iden").Str,
		TargetDeviceID: gjson.GetBytes(body, "device_iden").Str,
		Created:        nowSeconds(),
	}
	f.AddPush(p)
	writeJSON(w, 200, p)
}

func (f *FakeService) serveStream(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	reject := f.rejectStream
	f.calls["STREAM"]++
	f.mu.Unlock()
	if reject || mux.Vars(req)["token"] != f.Token {
		w.WriteHeader(503)
		return
	}
	c, err := f.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.streams = append(f.streams, c)
	f.mu.Unlock()
	// drain until the client goes away
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				f.mu.Lock()
				for i := range f.streams {
					if f.streams[i] == c {
						f.streams = append(f.streams[:i], f.streams[i+1:]...)
						break
					}
				}
				f.mu.Unlock()
				c.Close()
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
