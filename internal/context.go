package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "pushline_data"
)

// logging metadata for a single messaging request
type data struct {
	action    string
	deviceID  string
	numPushes int
}

// RequestContext prepares a request context so it can carry messaging info for the access log.
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numPushes: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetRequestContextAction records which messaging action is being served. Need to have called
// RequestContext first.
func SetRequestContextAction(ctx context.Context, action, deviceID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.action = action
	da.deviceID = deviceID
}

func SetRequestContextResponseInfo(ctx context.Context, numPushes int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numPushes = numPushes
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.action != "" {
		l = l.Str("a", da.action)
	}
	if da.deviceID != "" {
		l = l.Str("d", da.deviceID)
	}
	if da.numPushes >= 0 {
		l = l.Int("p", da.numPushes)
	}
	return l
}
