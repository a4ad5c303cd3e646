package popup

import (
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/pushline/pushline/internal"
)

const maxContentWidth = 60

// TerminalView prints the popup to the terminal with pterm.
type TerminalView struct {
	// Clock defaults to time.Now. Used for relative timestamps.
	Clock func() time.Time

	mu sync.Mutex
}

func (v *TerminalView) now() time.Time {
	if v.Clock != nil {
		return v.Clock()
	}
	return time.Now()
}

func (v *TerminalView) ShowLoading() {
	v.mu.Lock()
	defer v.mu.Unlock()
	pterm.Info.Println("Loading...")
}

func (v *TerminalView) ShowLogin() {
	v.mu.Lock()
	defer v.mu.Unlock()
	pterm.Warning.Println("Not signed in.")
	pterm.Println("Get an access token from https://www.pushbullet.com/#settings/account and run:")
	pterm.Println("  pushline login --token <access token>")
}

func (v *TerminalView) ShowMain(data internal.SessionData) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pterm.Info.Printf("Signed in as %s\n", data.UserInfo.DisplayName())
	pterm.Printf("This device: %s, auto-open links: %s\n", data.DeviceNickname, onOff(data.AutoOpenLinks))
	if len(data.Devices) > 0 {
		pterm.DefaultTable.WithHasHeader().WithData(deviceRows(data.Devices)).Render()
	}
}

func (v *TerminalView) ShowPushes(pushes []internal.Push) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(pushes) == 0 {
		pterm.Info.Println("No recent pushes")
		return
	}
	pterm.DefaultTable.WithHasHeader().WithData(pushRows(pushes, v.now())).Render()
}

func (v *TerminalView) ShowStatus(msg string, isError bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if isError {
		pterm.Error.Println(msg)
		return
	}
	pterm.Success.Println(msg)
}

func (v *TerminalView) ScrollToRecentPushes() {
	v.mu.Lock()
	defer v.mu.Unlock()
	pterm.Info.Println("Showing your most recent pushes")
}

func deviceRows(devices []internal.Device) pterm.TableData {
	rows := pterm.TableData{{"Device", "Model", "ID"}}
	for _, d := range devices {
		rows = append(rows, []string{d.Label(), d.Model, d.ID})
	}
	return rows
}

func pushRows(pushes []internal.Push, now time.Time) pterm.TableData {
	rows := pterm.TableData{{"When", "Type", "Title", "Content"}}
	for _, p := range pushes {
		content := p.Body
		switch p.Type {
		case internal.PushTypeLink:
			content = p.URL
		case internal.PushTypeFile:
			content = p.FileName
		}
		rows = append(rows, []string{
			internal.RelativeTime(p.CreatedAt(), now),
			p.Type,
			truncate(p.Title),
			truncate(content),
		})
	}
	return rows
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxContentWidth {
		return s
	}
	return string(r[:maxContentWidth-1]) + "…"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

var _ View = (*TerminalView)(nil)
