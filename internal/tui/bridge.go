package tui

import (
	"github.com/ashureev/euaiact-search/internal/chat"
	tea "github.com/charmbracelet/bubbletea"
)

type sessionMsg struct{}

type visionProgressMsg struct {
	progress chat.VisionProgress
}

// Bridge carries notifications from background goroutines into the running
// program. Its methods never block; when the queue is full the update is
// dropped, since the next render reads a fresh session snapshot anyway.
type Bridge struct {
	ch chan tea.Msg
}

// NewBridge creates a Bridge.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan tea.Msg, 64)}
}

// SessionUpdated matches chat.OrchestratorConfig.OnUpdate.
func (b *Bridge) SessionUpdated(*chat.Session) {
	b.send(sessionMsg{})
}

// VisionProgress matches chat.VisionConfig.OnProgress.
func (b *Bridge) VisionProgress(p chat.VisionProgress) {
	b.send(visionProgressMsg{progress: p})
}

func (b *Bridge) send(msg tea.Msg) {
	select {
	case b.ch <- msg:
	default:
	}
}

// wait delivers the next queued notification.
func (b *Bridge) wait() tea.Cmd {
	return func() tea.Msg {
		return <-b.ch
	}
}
