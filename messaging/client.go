package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pushline/pushline/internal"
	"github.com/tidwall/gjson"
)

// DefaultAddr is where the daemon listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:7788"

// ErrNoBackground is returned when no daemon is listening.
var ErrNoBackground = errors.New("background daemon is not running")

// Client talks to the daemon's Server.
type Client struct {
	Client  *http.Client
	Dialer  *websocket.Dialer
	BaseURL string
}

func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{
		Client:  &http.Client{Timeout: 45 * time.Second},
		Dialer:  websocket.DefaultDialer,
		BaseURL: "http://" + addr,
	}
}

// Query sends a request. For getSessionData the background's snapshot is returned. For every
// other action the returned snapshot is nil and a nil error means the background accepted it.
func (c *Client) Query(ctx context.Context, r Request) (*internal.SessionData, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.Client.Do(req)
	if err != nil {
		if isNotListening(err) {
			return nil, ErrNoBackground
		}
		return nil, fmt.Errorf("%s: %w", r.Action, err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", r.Action, err)
	}
	if res.StatusCode != 200 {
		msg := gjson.GetBytes(resBody, "error").Str
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, &internal.HandlerError{StatusCode: res.StatusCode, Err: errors.New(msg)}
	}
	if r.Action != ActionGetSessionData {
		return nil, nil
	}
	var snap internal.SessionData
	if err := json.Unmarshal(resBody, &snap); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", r.Action, err)
	}
	return &snap, nil
}

// Subscribe calls fn with every notification the background broadcasts until ctx is cancelled or
// the connection drops. It returns ErrNoBackground if the daemon is not running.
func (c *Client) Subscribe(ctx context.Context, fn func(Notification)) error {
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/v1/events"
	conn, _, err := c.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if isNotListening(err) {
			return ErrNoBackground
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("subscribe: %w", err)
		}
		var n Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			logger.Warn().Err(err).Msg("ignoring malformed notification")
			continue
		}
		fn(n)
	}
}

func isNotListening(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
