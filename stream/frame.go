package stream

import (
	"encoding/json"
	"fmt"

	"github.com/pushline/pushline/internal"
	"github.com/tidwall/gjson"
)

type FrameKind int

const (
	FrameIgnored FrameKind = iota
	// FrameKeepalive is the service's periodic "nop".
	FrameKeepalive
	// FramePushListChanged is a "tickle" with subtype "push". The push list must be re-fetched.
	FramePushListChanged
	// FramePushDelivered is a "push" frame carrying the push inline.
	FramePushDelivered
)

func (k FrameKind) String() string {
	switch k {
	case FrameKeepalive:
		return "nop"
	case FramePushListChanged:
		return "tickle"
	case FramePushDelivered:
		return "push"
	default:
		return "ignored"
	}
}

type Frame struct {
	Kind FrameKind
	Push *internal.Push
}

// ParseFrame classifies a single stream message. Unknown frame types are FrameIgnored, not errors.
func ParseFrame(msg []byte) (Frame, error) {
	if !gjson.ValidBytes(msg) {
		return Frame{}, fmt.Errorf("frame is not valid JSON")
	}
	parsed := gjson.ParseBytes(msg)
	switch parsed.Get("type").Str {
	case "nop":
		return Frame{Kind: FrameKeepalive}, nil
	case "tickle":
		if parsed.Get("subtype").Str == "push" {
			return Frame{Kind: FramePushListChanged}, nil
		}
	case "push":
		inline := parsed.Get("push")
		if !inline.IsObject() {
			return Frame{}, fmt.Errorf("push frame has no push object")
		}
		var p internal.Push
		if err := json.Unmarshal([]byte(inline.Raw), &p); err != nil {
			return Frame{}, fmt.Errorf("decode push: %w", err)
		}
		return Frame{Kind: FramePushDelivered, Push: &p}, nil
	}
	return Frame{Kind: FrameIgnored}, nil
}
