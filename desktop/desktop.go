// Package desktop is the boundary to the user's desktop: notifications and browser tabs.
package desktop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Notification struct {
	Title   string
	Message string
	// RequireInteraction keeps the notification on screen until the user acts on it.
	RequireInteraction bool
}

type Notifier interface {
	Create(ctx context.Context, id string, n Notification) error
	Clear(ctx context.Context, id string) error
}

type TabOpener interface {
	OpenTab(ctx context.Context, url string) error
}

// LogNotifier writes notifications to the log. Used when no desktop integration is configured.
type LogNotifier struct{}

func (LogNotifier) Create(ctx context.Context, id string, n Notification) error {
	logger.Info().Str("id", id).Str("title", n.Title).Str("message", n.Message).Msg("notification")
	return nil
}

func (LogNotifier) Clear(ctx context.Context, id string) error {
	logger.Debug().Str("id", id).Msg("notification cleared")
	return nil
}

// CommandNotifier shows notifications by running an external command such as notify-send. The
// title and message are passed as the final two arguments.
type CommandNotifier struct {
	Command string
	Args    []string

	mu     sync.Mutex
	shown  map[string]struct{}
	runCmd func(ctx context.Context, name string, args ...string) error
}

func NewCommandNotifier(command string, args ...string) *CommandNotifier {
	return &CommandNotifier{
		Command: command,
		Args:    args,
		shown:   make(map[string]struct{}),
		runCmd: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

func (c *CommandNotifier) Create(ctx context.Context, id string, n Notification) error {
	args := append([]string{}, c.Args...)
	if n.RequireInteraction && c.Command == "notify-send" {
		args = append(args, "--urgency=critical")
	}
	args = append(args, n.Title, n.Message)
	if err := c.runCmd(ctx, c.Command, args...); err != nil {
		return fmt.Errorf("%s: %w", c.Command, err)
	}
	c.mu.Lock()
	c.shown[id] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Clear forgets the notification. External commands give us no handle to close it with.
func (c *CommandNotifier) Clear(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shown, id)
	return nil
}

// BrowserOpener opens tabs in the user's default browser.
type BrowserOpener struct{}

func (BrowserOpener) OpenTab(ctx context.Context, url string) error {
	logger.Info().Str("url", url).Msg("opening tab")
	return browser.OpenURL(url)
}
