// Package messaging is the request/response and notification channel between the background
// daemon and short-lived popup processes. It runs over HTTP on localhost.
package messaging

import (
	"github.com/pushline/pushline/internal"
)

// Actions a popup can ask of the background.
const (
	ActionGetSessionData        = "getSessionData"
	ActionAPIKeyChanged         = "apiKeyChanged"
	ActionAutoOpenLinksChanged  = "autoOpenLinksChanged"
	ActionDeviceNicknameChanged = "deviceNicknameChanged"
	ActionSendPush              = "sendPush"
	ActionNotificationClicked   = "notificationClicked"
)

// Actions the background broadcasts to every subscribed popup.
const (
	ActionPushesUpdated      = "pushesUpdated"
	ActionSessionDataUpdated = "sessionDataUpdated"
)

// Request is a single message from a popup.
type Request struct {
	Action string `json:"action"`
	// APIKey is the new credential for apiKeyChanged. When nil the stored credential is used.
	APIKey         *string             `json:"apiKey,omitempty"`
	DeviceNickname string              `json:"deviceNickname,omitempty"`
	AutoOpenLinks  *bool               `json:"autoOpenLinks,omitempty"`
	Push           *internal.PushDraft `json:"push,omitempty"`
	NotificationID string              `json:"notificationId,omitempty"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}

// Notification is a broadcast from the background. For sessionDataUpdated the snapshot fields
// are inlined next to the action.
type Notification struct {
	Action string          `json:"action"`
	Pushes []internal.Push `json:"pushes,omitempty"`
	*internal.SessionData
}
