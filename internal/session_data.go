package internal

import (
	"time"

	"golang.org/x/exp/slices"
)

const (
	// MaxRecentPushes bounds SessionData.RecentPushes.
	MaxRecentPushes = 20
	// MaxShownPushes is how many pushes the popup renders.
	MaxShownPushes = 10
	// DefaultMaxAge is how old the session cache may get before a query refreshes it.
	DefaultMaxAge   = 30 * time.Second
	DefaultNickname = "Chrome"
)

// SessionData is a point in time copy of the background session cache. It is what the
// getSessionData request returns and what sessionDataUpdated notifications carry.
type SessionData struct {
	IsAuthenticated bool         `json:"isAuthenticated"`
	UserInfo        *UserProfile `json:"userInfo,omitempty"`
	Devices         []Device     `json:"devices"`
	RecentPushes    []Push       `json:"recentPushes"`
	AutoOpenLinks   bool         `json:"autoOpenLinks"`
	DeviceNickname  string       `json:"deviceNickname"`
	LastUpdated     time.Time    `json:"lastUpdated,omitempty"`
}

// Clone returns a deep enough copy that the caller may modify slices without racing the owner.
func (s SessionData) Clone() SessionData {
	c := s
	if s.UserInfo != nil {
		u := *s.UserInfo
		c.UserInfo = &u
	}
	c.Devices = slices.Clone(s.Devices)
	c.RecentPushes = slices.Clone(s.RecentPushes)
	if c.Devices == nil {
		c.Devices = []Device{}
	}
	if c.RecentPushes == nil {
		c.RecentPushes = []Push{}
	}
	return c
}

// PushDraft is an outgoing push before the service has assigned it an ID.
type PushDraft struct {
	Type           string `json:"type" validate:"required,oneof=note link"`
	Title          string `json:"title,omitempty"`
	Body           string `json:"body,omitempty"`
	URL            string `json:"url,omitempty" validate:"required_if=Type link,omitempty,url"`
	TargetDeviceID string `json:"device_iden,omitempty"`
}
