package testutils

import (
	"fmt"
	"sync"
	"time"

	"github.com/pushline/pushline/internal"
)

var (
	pushIDCounter = 0
	pushIDMu      sync.Mutex
)

func generatePushID() string {
	pushIDMu.Lock()
	defer pushIDMu.Unlock()
	pushIDCounter++
	return fmt.Sprintf("ujpush%d", pushIDCounter)
}

// NewNote makes a note push created now, sent from sourceDeviceID.
func NewNote(title, body, sourceDeviceID string) internal.Push {
	return internal.Push{
		ID:             generatePushID(),
		Type:           internal.PushTypeNote,
		Title:          title,
		Body:           body,
		Created:        nowSeconds(),
		SourceDeviceID: sourceDeviceID,
	}
}

// NewLink makes a link push created now, sent from sourceDeviceID.
func NewLink(title, url, sourceDeviceID string) internal.Push {
	return internal.Push{
		ID:             generatePushID(),
		Type:           internal.PushTypeLink,
		Title:          title,
		URL:            url,
		Created:        nowSeconds(),
		SourceDeviceID: sourceDeviceID,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
