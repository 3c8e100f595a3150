// Package tui is the terminal chat front end for the compliance agent.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/euaiact-search/internal/chat"
	"github.com/ashureev/euaiact-search/internal/search"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// TurnRunner submits agent turns.
type TurnRunner interface {
	SubmitTurn(ctx context.Context, sess *chat.Session, in chat.TurnInput) error
}

// Backend is the TUI-facing subset of the server routes.
type Backend interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	WarmupVision(ctx context.Context) (string, error)
}

// Options wires a Model.
type Options struct {
	Session  *chat.Session
	Turns    TurnRunner
	Backend  Backend
	Vision   *chat.VisionCoordinator
	Bridge   *Bridge
	Language chat.Language
}

// Model is the Bubble Tea model for the chat client.
type Model struct {
	session  *chat.Session
	turns    TurnRunner
	backend  Backend
	vision   *chat.VisionCoordinator
	bridge   *Bridge
	language chat.Language

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	attached   *chat.Image
	visionNote string
	notice     string
	status     string
	busy       bool
	cancel     context.CancelFunc
	nextFollow int
	ready      bool
}

// New creates the model. Bridge must also be passed to the orchestrator
// and vision coordinator so their updates reach the screen.
func New(opts Options) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about the EU AI Act, or /help"
	ti.Focus()
	ti.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	if opts.Session == nil {
		opts.Session = chat.NewSession()
	}
	if opts.Bridge == nil {
		opts.Bridge = NewBridge()
	}
	if opts.Language == "" {
		opts.Language = chat.LanguageEnglish
	}
	return Model{
		session:  opts.Session,
		turns:    opts.Turns,
		backend:  opts.Backend,
		vision:   opts.Vision,
		bridge:   opts.Bridge,
		language: opts.Language,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		status:   "Type a question and press Enter.",
	}
}

// Init starts the cursor, the update listener and the vision warmup.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.bridge.wait()}
	if m.backend != nil {
		cmds = append(cmds, warmupCmd(m.backend))
	}
	return tea.Batch(cmds...)
}

// Update handles input, background notifications and command results.
//
//nolint:gocyclo // The message switch is the model's dispatch table.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		qw, qh := inputBoxStyle.GetFrameSize()
		reserved := 1 + 1 + qh + 1 // header, input line, input frame, status
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved)
		m.input.Width = max(10, msg.Width-qw-len(m.input.Prompt)-1)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.busy && m.cancel != nil {
				m.cancel()
				m.status = "Cancelling turn..."
			}
			return m, nil
		case tea.KeyTab:
			if q, ok := m.nextFollowUp(); ok {
				m.input.SetValue(q)
				m.input.CursorEnd()
			}
			return m, nil
		case tea.KeyEnter:
			value := strings.TrimSpace(m.input.Value())
			if value == "" && m.attached == nil {
				return m, nil
			}
			m.input.Reset()
			var cmd tea.Cmd
			if c, ok := parseCommand(value); ok {
				m, cmd = m.runCommand(c)
			} else {
				m, cmd = m.submit(value)
			}
			m.refresh()
			return m, cmd
		}

	case sessionMsg:
		m.refresh()
		return m, m.bridge.wait()

	case visionProgressMsg:
		m.visionNote = msg.progress.String()
		m.refresh()
		return m, m.bridge.wait()

	case turnDoneMsg:
		m.busy = false
		m.cancel = nil
		m.nextFollow = 0
		switch {
		case msg.err == nil:
			m.status = "Done."
		case errors.Is(msg.err, context.Canceled):
			m.status = "Turn cancelled."
		case errors.Is(msg.err, chat.ErrTurnInProgress):
			m.status = "A turn is already in progress."
		default:
			m.status = "Turn failed."
		}
		m.refresh()
		return m, nil

	case warmupMsg:
		switch {
		case msg.err != nil:
			m.visionNote = "Vision AI unavailable: " + msg.err.Error()
		case msg.status == "waking":
			m.visionNote = "Vision AI is waking up"
		default:
			m.visionNote = "Vision AI ready"
		}
		m.refresh()
		return m, nil

	case visionDoneMsg:
		if m.vision == nil || m.vision.Current() != msg.task {
			return m, nil
		}
		switch {
		case msg.err == nil:
			m.visionNote = fmt.Sprintf("Diagram %s analyzed", msg.task.Image().Name)
		case errors.Is(msg.err, chat.ErrVisionAborted):
			m.visionNote = ""
		default:
			m.visionNote = "Diagram analysis failed, it will be retried on send: " + msg.err.Error()
		}
		m.refresh()
		return m, nil

	case searchMsg:
		m.notice = renderSearch(msg)
		m.status = "Search finished."
		if msg.err != nil {
			m.status = "Search failed."
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if m.busy {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			m.refresh()
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit starts an agent turn with the attached diagram, if any.
func (m Model) submit(text string) (Model, tea.Cmd) {
	if m.busy {
		m.status = "A turn is already in progress."
		return m, nil
	}
	if m.turns == nil {
		m.status = "Agent is not configured."
		return m, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := chat.TurnInput{Text: text, Image: m.attached, Language: m.language}
	sess, turns := m.session, m.turns

	m.busy = true
	m.cancel = cancel
	m.attached = nil
	m.notice = ""
	m.status = "Waiting for the agent..."
	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		defer cancel()
		return turnDoneMsg{err: turns.SubmitTurn(ctx, sess, in)}
	})
}

func (m Model) runCommand(c command) (Model, tea.Cmd) {
	switch c.name {
	case "quit", "exit":
		if m.cancel != nil {
			m.cancel()
		}
		return m, tea.Quit

	case "help":
		m.notice = helpText
		return m, nil

	case "lang":
		switch chat.Language(c.arg) {
		case chat.LanguageEnglish, chat.LanguageGerman:
			m.language = chat.Language(c.arg)
			m.status = "Answer language: " + c.arg
		default:
			m.status = "usage: /lang en|de"
		}
		return m, nil

	case "image":
		img, err := loadImage(c.arg)
		if err != nil {
			m.status = err.Error()
			return m, nil
		}
		m.attached = img
		m.status = fmt.Sprintf("Attached %s. Type a question or press Enter to analyze.", img.Name)
		if m.vision == nil {
			return m, nil
		}
		m.visionNote = "Analyzing diagram " + img.Name
		return m, waitVisionCmd(m.vision.Start(*img))

	case "clear":
		m.attached = nil
		m.visionNote = ""
		if m.vision != nil {
			m.vision.Clear()
		}
		m.status = "Diagram removed."
		return m, nil

	case "reset":
		if err := m.session.Reset(); err != nil {
			m.status = "Cannot reset while a turn is in progress."
			return m, nil
		}
		m.notice = ""
		m.nextFollow = 0
		m.status = "Started a new conversation."
		return m, nil

	case "search", "compare":
		if c.arg == "" {
			m.status = "usage: /" + c.name + " <query>"
			return m, nil
		}
		if m.backend == nil {
			m.status = "Search is not configured."
			return m, nil
		}
		m.status = "Searching..."
		if c.name == "compare" {
			return m, compareCmd(m.backend, c.arg, m.language)
		}
		return m, searchCmd(m.backend, c.arg, m.language)
	}

	m.status = fmt.Sprintf("Unknown command /%s. Try /help.", c.name)
	return m, nil
}

func (m *Model) nextFollowUp() (string, bool) {
	qs := m.session.Snapshot().FollowUps
	if len(qs) == 0 {
		return "", false
	}
	q := qs[m.nextFollow%len(qs)]
	m.nextFollow++
	return q, true
}

func (m *Model) refresh() {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	content := renderTranscript(m.session.Snapshot(), width, m.spinner.View())
	if m.notice != "" {
		content += "\n" + noticeStyle.Width(max(10, width-2)).Render(m.notice)
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

// View renders the layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("EU AI Act Compliance Agent") + "  " +
		dimStyle.Render(fmt.Sprintf("[%s]", m.language))
	if m.visionNote != "" {
		header += "  " + dimStyle.Render(m.visionNote)
	}
	input := m.input.View()
	if m.attached != nil {
		input += "  " + attachStyle.Render("["+m.attached.Name+"]")
	}
	return header + "\n" +
		m.viewport.View() + "\n" +
		inputBoxStyle.Render(input) + "\n" +
		statusStyle.Render(m.status)
}
