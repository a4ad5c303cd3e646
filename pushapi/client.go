package pushapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pushline/pushline/internal"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const DefaultBaseURL = "https://api.pushbullet.com/v2"

var Version = ""

// Client is the set of remote operations pushline performs against the push service.
// Every call is authenticated with the given access token.
type Client interface {
	// FetchProfile returns the account which owns the token. Returns *AuthError if the service
	// rejects the token.
	FetchProfile(ctx context.Context, token string) (*internal.UserProfile, error)
	// FetchActiveDevices returns the devices on the account which are still active.
	FetchActiveDevices(ctx context.Context, token string) ([]internal.Device, error)
	// FetchRecentPushes returns up to limit displayable pushes, newest first.
	FetchRecentPushes(ctx context.Context, token string, limit int) ([]internal.Push, error)
	// RegisterDevice creates a new device with this nickname. Returns *RegistrationError on failure.
	RegisterDevice(ctx context.Context, token, nickname string) (*internal.Device, error)
	RenameDevice(ctx context.Context, token, deviceID, nickname string) error
	// SendPush sends the draft, marking sourceDeviceID as the sender if it is set.
	SendPush(ctx context.Context, token, sourceDeviceID string, draft internal.PushDraft) (*internal.Push, error)
}

// DeviceInfo describes this installation when it registers as a device.
type DeviceInfo struct {
	Model        string
	Manufacturer string
	AppVersion   int
	Icon         string
	Type         string
}

var DefaultDeviceInfo = DeviceInfo{
	Model:        "Chrome",
	Manufacturer: "Google",
	AppVersion:   8623,
	Icon:         "browser",
	Type:         "chrome",
}

// HTTPClient talks to the push service REST API. One client can be shared by every component in
// the process.
type HTTPClient struct {
	Client     *http.Client
	BaseURL    string
	DeviceInfo DeviceInfo
}

// NewHTTPClient returns a client whose requests are traced with otelhttp.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		BaseURL:    baseURL,
		DeviceInfo: DefaultDeviceInfo,
	}
}

func (c *HTTPClient) FetchProfile(ctx context.Context, token string) (*internal.UserProfile, error) {
	status, body, err := c.do(ctx, "GET", "/users/me", token, nil)
	if err != nil {
		return nil, &FetchError{Op: "FetchProfile", Err: err}
	}
	if !is2xx(status) {
		return nil, &AuthError{StatusCode: status, Err: serviceError(body)}
	}
	var profile internal.UserProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, &FetchError{Op: "FetchProfile", StatusCode: status, Err: fmt.Errorf("decode: %w", err)}
	}
	return &profile, nil
}

func (c *HTTPClient) FetchActiveDevices(ctx context.Context, token string) ([]internal.Device, error) {
	var devices []internal.Device
	if err := c.fetchList(ctx, "FetchActiveDevices", "/devices", token, "devices", &devices); err != nil {
		return nil, err
	}
	return ActiveDevices(devices), nil
}

func (c *HTTPClient) FetchRecentPushes(ctx context.Context, token string, limit int) ([]internal.Push, error) {
	if limit <= 0 {
		limit = internal.MaxRecentPushes
	}
	var pushes []internal.Push
	path := "/pushes?limit=" + strconv.Itoa(limit)
	if err := c.fetchList(ctx, "FetchRecentPushes", path, token, "pushes", &pushes); err != nil {
		return nil, err
	}
	return DisplayablePushes(pushes), nil
}

func (c *HTTPClient) fetchList(ctx context.Context, op, path, token, key string, out interface{}) error {
	status, body, err := c.do(ctx, "GET", path, token, nil)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	if !is2xx(status) {
		return &FetchError{Op: op, StatusCode: status, Err: serviceError(body)}
	}
	list := gjson.GetBytes(body, key)
	if !list.Exists() {
		return nil
	}
	if err := json.Unmarshal([]byte(list.Raw), out); err != nil {
		return &FetchError{Op: op, StatusCode: status, Err: fmt.Errorf("decode %s: %w", key, err)}
	}
	return nil
}

func (c *HTTPClient) RegisterDevice(ctx context.Context, token, nickname string) (*internal.Device, error) {
	info := c.DeviceInfo
	reqBody, err := buildJSON(map[string]interface{}{
		"nickname":     nickname,
		"model":        info.Model,
		"manufacturer": info.Manufacturer,
		"push_token":   "",
		"app_version":  info.AppVersion,
		"icon":         info.Icon,
		"has_sms":      false,
		"type":         info.Type,
	})
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	status, body, err := c.do(ctx, "POST", "/devices", token, reqBody)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	if !is2xx(status) {
		serr := serviceError(body)
		return nil, &RegistrationError{StatusCode: status, Message: serr.Error(), Err: serr}
	}
	var device internal.Device
	if err := json.Unmarshal(body, &device); err != nil {
		return nil, &RegistrationError{StatusCode: status, Err: fmt.Errorf("decode: %w", err)}
	}
	if device.ID == "" {
		return nil, &RegistrationError{StatusCode: status, Message: "response is missing the device iden"}
	}
	return &device, nil
}

func (c *HTTPClient) RenameDevice(ctx context.Context, token, deviceID, nickname string) error {
	reqBody, err := sjson.SetBytes([]byte(`{}`), "nickname", nickname)
	if err != nil {
		return &FetchError{Op: "RenameDevice", Err: err}
	}
	status, body, err := c.do(ctx, "POST", "/devices/"+url.PathEscape(deviceID), token, reqBody)
	if err != nil {
		return &FetchError{Op: "RenameDevice", Err: err}
	}
	if !is2xx(status) {
		return &FetchError{Op: "RenameDevice", StatusCode: status, Err: serviceError(body)}
	}
	return nil
}

func (c *HTTPClient) SendPush(ctx context.Context, token, sourceDeviceID string, draft internal.PushDraft) (*internal.Push, error) {
	if err := ValidateDraft(draft); err != nil {
		return nil, err
	}
	fields := map[string]interface{}{
		"type": draft.Type,
	}
	if draft.Title != "" {
		fields["title"] = draft.Title
	}
	if draft.Body != "" {
		fields["body"] = draft.Body
	}
	if draft.Type == internal.PushTypeLink {
		fields["url"] = draft.URL
	}
	if draft.TargetDeviceID != "" {
		fields["device_iden"] = draft.TargetDeviceID
	}
	if sourceDeviceID != "" {
		fields["source_device_iden"] = sourceDeviceID
	}
	reqBody, err := buildJSON(fields)
	if err != nil {
		return nil, &FetchError{Op: "SendPush", Err: err}
	}
	status, body, err := c.do(ctx, "POST", "/pushes", token, reqBody)
	if err != nil {
		return nil, &FetchError{Op: "SendPush", Err: err}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, &AuthError{StatusCode: status, Err: serviceError(body)}
	}
	if !is2xx(status) {
		return nil, &FetchError{Op: "SendPush", StatusCode: status, Err: serviceError(body)}
	}
	var push internal.Push
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, &FetchError{Op: "SendPush", StatusCode: status, Err: fmt.Errorf("decode: %w", err)}
	}
	return &push, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, reqBody []byte) (int, []byte, error) {
	var r io.Reader
	if reqBody != nil {
		r = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return 0, nil, fmt.Errorf("NewRequest failed: %w", err)
	}
	req.Header.Set("User-Agent", "pushline-"+Version)
	req.Header.Set("Access-Token", token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	logger.Trace().Str("method", method).Str("path", req.URL.Path).Int("status", res.StatusCode).Msg("push service request")
	return res.StatusCode, body, nil
}

// buildJSON sets each field on an empty object. Map iteration order does not matter as sjson
// produces an object either way.
func buildJSON(fields map[string]interface{}) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	for k, v := range fields {
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}
	return body, nil
}

// serviceError extracts the push service's error.message, falling back to the raw body.
func serviceError(body []byte) error {
	msg := gjson.GetBytes(body, "error.message").Str
	if msg == "" {
		msg = string(body)
	}
	if msg == "" {
		msg = "empty response body"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("%s", msg)
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}
