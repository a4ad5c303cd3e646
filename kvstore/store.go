// Package kvstore persists pushline's configuration: the credential, the registered device and
// user settings. Every store reports changes to subscribers so the background session manager can
// react to edits made by a popup.
package kvstore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	KeyAPIKey               = "apiKey"
	KeyDeviceIden           = "deviceIden"
	KeyAutoOpenLinks        = "autoOpenLinks"
	KeyDeviceNickname       = "deviceNickname"
	KeyScrollToRecentPushes = "scrollToRecentPushes"
)

// Change describes a single key being written or removed.
type Change struct {
	Key     string
	Removed bool
	// Value is the CBOR encoded new value. Empty when Removed.
	Value []byte
}

// Decode the new value into dst.
func (c Change) Decode(dst interface{}) error {
	if c.Removed {
		return fmt.Errorf("key %s was removed", c.Key)
	}
	return unmarshal(c.Value, dst)
}

type Store interface {
	// Get decodes the value for key into dst. Returns false if the key is not set.
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	// Remove deletes the keys. Missing keys are not an error.
	Remove(ctx context.Context, keys ...string) error
	// Subscribe calls fn for every change until cancel is called. fn may be called from any
	// goroutine.
	Subscribe(fn func(Change)) (cancel func())
	Close() error
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(b []byte, dst interface{}) error {
	return cbor.Unmarshal(b, dst)
}

// GetString returns the string at key, or "" if it is not set.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	var v string
	if _, err := s.Get(ctx, key, &v); err != nil {
		return "", err
	}
	return v, nil
}

// GetBool returns the bool at key, or def if it is not set.
func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	var v bool
	ok, err := s.Get(ctx, key, &v)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// watchers fans changes out to subscribers. Embedded by every Store.
type watchers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Change)
}

func (w *watchers) Subscribe(fn func(Change)) (cancel func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]func(Change))
	}
	id := w.nextID
	w.nextID++
	w.fns[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.fns, id)
	}
}

func (w *watchers) emit(changes ...Change) {
	w.mu.Lock()
	fns := make([]func(Change), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Open returns a PostgresStore if postgresURI is set, otherwise a FileStore at path.
func Open(postgresURI, path string) (Store, error) {
	if postgresURI != "" {
		return NewPostgresStore(postgresURI)
	}
	return NewFileStore(path)
}
