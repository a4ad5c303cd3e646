package internal

import (
	"fmt"
	"math"
	"time"
)

const (
	PushTypeNote = "note"
	PushTypeLink = "link"
	PushTypeFile = "file"
)

// Push is a single message on the push service. Pushes are immutable once received.
type Push struct {
	ID             string  `json:"iden"`
	Type           string  `json:"type"`
	Title          string  `json:"title,omitempty"`
	Body           string  `json:"body,omitempty"`
	URL            string  `json:"url,omitempty"`
	FileName       string  `json:"file_name,omitempty"`
	FileType       string  `json:"file_type,omitempty"`
	FileURL        string  `json:"file_url,omitempty"`
	Created        float64 `json:"created"`
	Modified       float64 `json:"modified,omitempty"`
	SourceDeviceID string  `json:"source_device_iden,omitempty"`
	TargetDeviceID string  `json:"target_device_iden,omitempty"`
	SenderName     string  `json:"sender_name,omitempty"`
	Dismissed      bool    `json:"dismissed"`
}

// Displayable returns true if the push has something to show and has not been dismissed.
func (p *Push) Displayable() bool {
	if p.Dismissed {
		return false
	}
	return p.Title != "" || p.Body != "" || p.URL != ""
}

// CreatedAt converts the fractional unix seconds in Created into a time.
func (p *Push) CreatedAt() time.Time {
	sec, frac := math.Modf(p.Created)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// IsEcho returns true if this push was sent by the device with ID localDeviceID. A push without a
// source device is never an echo.
func (p *Push) IsEcho(localDeviceID string) bool {
	return p.SourceDeviceID != "" && p.SourceDeviceID == localDeviceID
}

// NotificationID is the desktop notification ID and the config key under which the push is kept
// until the notification is clicked.
func (p *Push) NotificationID() string {
	return NotificationIDPrefix + p.ID
}

const NotificationIDPrefix = "push_"

// NotificationContent returns the title and message to show for this push. ok is false for push
// types which are not shown as notifications.
func (p *Push) NotificationContent() (title, message string, ok bool) {
	switch p.Type {
	case PushTypeNote:
		return orDefault(p.Title, "Note"), p.Body, true
	case PushTypeLink:
		message = p.URL
		if p.Body != "" {
			message += "\n" + p.Body
		}
		return orDefault(p.Title, "Link"), message, true
	case PushTypeFile:
		return orDefault(p.FileName, "File"), p.FileType, true
	default:
		return "", "", false
	}
}

// Device is a registered endpoint on the push service.
type Device struct {
	ID           string `json:"iden"`
	Nickname     string `json:"nickname,omitempty"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Type         string `json:"type,omitempty"`
	Icon         string `json:"icon,omitempty"`
	Active       bool   `json:"active"`
}

// Label is the human readable name of the device.
func (d *Device) Label() string {
	if d.Nickname != "" {
		return d.Nickname
	}
	return orDefault(d.Model, "Unknown Device")
}

// UserProfile is the account which owns the credential.
type UserProfile struct {
	ID       string `json:"iden,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

func (u *UserProfile) DisplayName() string {
	if u == nil {
		return ""
	}
	return orDefault(u.Name, u.Email)
}

// RelativeTime formats t relative to now the way the push list shows it, e.g "5m ago".
func RelativeTime(t, now time.Time) string {
	diff := now.Sub(t)
	days := int(diff / (24 * time.Hour))
	hours := int(diff / time.Hour)
	minutes := int(diff / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd ago", days)
	case hours > 0:
		return fmt.Sprintf("%dh ago", hours)
	case minutes > 0:
		return fmt.Sprintf("%dm ago", minutes)
	default:
		return "just now"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
