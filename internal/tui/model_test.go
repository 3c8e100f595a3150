package tui

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/euaiact-search/internal/chat"
	"github.com/ashureev/euaiact-search/internal/search"
	tea "github.com/charmbracelet/bubbletea"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type fakeTurns struct {
	mu     sync.Mutex
	inputs []chat.TurnInput
	err    error
}

func (f *fakeTurns) SubmitTurn(_ context.Context, _ *chat.Session, in chat.TurnInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.err
}

type fakeBackend struct {
	naive    []search.Result
	reranked []search.Result
	err      error
}

func (f *fakeBackend) Search(_ context.Context, req search.Request) (*search.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	if req.Rerank {
		return &search.Response{Results: f.reranked, Query: req.Query, Reranked: true, Took: 12}, nil
	}
	return &search.Response{Results: f.naive, Query: req.Query, Took: 3}, nil
}

func (f *fakeBackend) WarmupVision(context.Context) (string, error) {
	return "waking", nil
}

type staticAnalyzer struct {
	analysis string
}

func (a staticAnalyzer) AnalyzeImage(context.Context, chat.Image) (string, error) {
	return a.analysis, nil
}

// runCmd executes cmd and any batched commands, returning their messages.
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runCmd(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func findMsg[T tea.Msg](t *testing.T, msgs []tea.Msg) T {
	t.Helper()
	for _, msg := range msgs {
		if v, ok := msg.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T among %v", zero, msgs)
	return zero
}

func enter(t *testing.T, m Model, input string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(input)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func writeImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func newTestModel(opts Options) Model {
	m := New(opts)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input  string
		want   command
		wantOK bool
	}{
		{input: "/lang de", want: command{name: "lang", arg: "de"}, wantOK: true},
		{input: "  /SEARCH   biometric identification  ", want: command{name: "search", arg: "biometric identification"}, wantOK: true},
		{input: "/reset", want: command{name: "reset"}, wantOK: true},
		{input: "What does Article 5 prohibit?", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := parseCommand(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("parseCommand(%q) = %+v, %v", tt.input, got, ok)
			}
		})
	}
}

func TestSubmitCarriesLanguageAndAttachedImage(t *testing.T) {
	turns := &fakeTurns{}
	m := newTestModel(Options{Turns: turns})

	m, _ = enter(t, m, "/lang de")
	m, _ = enter(t, m, "/image "+writeImage(t, "pipeline.png", pngBytes))
	if m.attached == nil || m.attached.MIMEType != "image/png" {
		t.Fatalf("expected attached png, got %+v", m.attached)
	}

	m, cmd := enter(t, m, "Is this high-risk?")
	if !m.busy || m.attached != nil {
		t.Fatalf("expected busy model with the image handed off, busy=%v attached=%v", m.busy, m.attached)
	}

	done := findMsg[turnDoneMsg](t, runCmd(cmd))
	if len(turns.inputs) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns.inputs))
	}
	in := turns.inputs[0]
	if in.Text != "Is this high-risk?" || in.Language != chat.LanguageGerman || in.Image == nil || in.Image.Name != "pipeline.png" {
		t.Fatalf("unexpected turn input %+v", in)
	}

	next, _ := m.Update(done)
	m = next.(Model)
	if m.busy || m.status != "Done." {
		t.Fatalf("expected idle model, busy=%v status=%q", m.busy, m.status)
	}
}

func TestSubmitWhileBusyIsRejected(t *testing.T) {
	turns := &fakeTurns{}
	m := newTestModel(Options{Turns: turns})

	m, _ = enter(t, m, "first")
	m, cmd := enter(t, m, "second")
	if cmd != nil {
		t.Fatal("expected no command for a second concurrent turn")
	}
	if m.status != "A turn is already in progress." {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestImageCommandRejectsNonImages(t *testing.T) {
	m := newTestModel(Options{})

	m, _ = enter(t, m, "/image "+writeImage(t, "notes.txt", []byte("just text")))
	if m.attached != nil {
		t.Fatal("expected no attachment")
	}
	if !strings.Contains(m.status, "is not an image") {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestImageCommandStartsPreAnalysis(t *testing.T) {
	bridge := NewBridge()
	vision := chat.NewVisionCoordinator(staticAnalyzer{analysis: "A face-matching pipeline."}, chat.VisionConfig{
		OnProgress: bridge.VisionProgress,
	})
	m := newTestModel(Options{Vision: vision, Bridge: bridge})

	m, cmd := enter(t, m, "/image "+writeImage(t, "arch.png", pngBytes))
	if vision.Current() == nil {
		t.Fatal("expected a running vision task")
	}

	done := findMsg[visionDoneMsg](t, runCmd(cmd))
	if done.analysis != "A face-matching pipeline." {
		t.Fatalf("unexpected analysis %q", done.analysis)
	}
	next, _ := m.Update(done)
	m = next.(Model)
	if m.visionNote != "Diagram arch.png analyzed" {
		t.Fatalf("unexpected vision note %q", m.visionNote)
	}

	m, _ = enter(t, m, "/clear")
	if m.attached != nil || vision.Current() != nil {
		t.Fatal("expected /clear to drop the attachment and task")
	}
}

func TestCompareCommandShowsMovement(t *testing.T) {
	backend := &fakeBackend{
		naive: []search.Result{
			{ArticleNumber: "6", Title: "Classification rules", Score: 9.1},
			{ArticleNumber: "5", Title: "Prohibited practices", Score: 8.7},
		},
		reranked: []search.Result{
			{ArticleNumber: "5", Title: "Prohibited practices", Score: 0.98},
			{ArticleNumber: "6", Title: "Classification rules", Score: 0.75},
			{ArticleNumber: "50", Title: "Transparency obligations", Score: 0.41},
		},
	}
	m := newTestModel(Options{Backend: backend})

	m, cmd := enter(t, m, "/compare real-time biometric identification")
	res := findMsg[searchMsg](t, runCmd(cmd))
	next, _ := m.Update(res)
	m = next.(Model)

	for _, want := range []string{"Compare", "Art. 5", "↑1", "↓1", "new", "15 ms"} {
		if !strings.Contains(m.notice, want) {
			t.Errorf("notice missing %q:\n%s", want, m.notice)
		}
	}
}

func TestSearchCommandReportsFailure(t *testing.T) {
	m := newTestModel(Options{Backend: &fakeBackend{err: errors.New("index missing")}})

	m, cmd := enter(t, m, "/search transparency")
	next, _ := m.Update(findMsg[searchMsg](t, runCmd(cmd)))
	m = next.(Model)

	if m.status != "Search failed." || !strings.Contains(m.notice, "index missing") {
		t.Fatalf("unexpected status %q notice %q", m.status, m.notice)
	}
}

type scriptedRelay struct {
	stream string
}

func (r scriptedRelay) StreamTurn(context.Context, chat.TurnRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(r.stream)), nil
}

type staticFollowUps []string

func (f staticFollowUps) FollowUps(context.Context, chat.FollowUpRequest) []string {
	return f
}

func TestTranscriptAndFollowUpsFromOrchestrator(t *testing.T) {
	bridge := NewBridge()
	sess := chat.NewSession()
	orch := chat.NewOrchestrator(chat.OrchestratorConfig{
		Relay: scriptedRelay{stream: "event: conversation_id_set\ndata: {\"conversation_id\":\"c-1\"}\n\n" +
			"event: reasoning\ndata: {\"reasoning\":\"Checking Article 5\"}\n\n" +
			"event: message_chunk\ndata: {\"text_chunk\":\"Social scoring is prohibited.\"}\n\n"},
		FollowUps: staticFollowUps{"What are the penalties?", "Who enforces Article 5?"},
		OnUpdate:  bridge.SessionUpdated,
	})
	m := newTestModel(Options{Session: sess, Turns: orch, Bridge: bridge})

	m, cmd := enter(t, m, "Is social scoring allowed?")
	next, _ := m.Update(findMsg[turnDoneMsg](t, runCmd(cmd)))
	m = next.(Model)
	orch.Wait()

	view := renderTranscript(sess.Snapshot(), 100, "*")
	for _, want := range []string{"Is social scoring allowed?", "Completed 1 step", "Checking Article 5", "Social scoring is prohibited.", "1. What are the penalties?"} {
		if !strings.Contains(view, want) {
			t.Errorf("transcript missing %q:\n%s", want, view)
		}
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.input.Value() != "What are the penalties?" {
		t.Fatalf("expected first follow-up in the input, got %q", m.input.Value())
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.input.Value() != "Who enforces Article 5?" {
		t.Fatalf("expected second follow-up in the input, got %q", m.input.Value())
	}

	enter(t, m, "/reset")
	if sess.ConversationID() != "" || len(sess.Snapshot().Entries) != 0 {
		t.Fatal("expected /reset to clear the session")
	}
}

func TestRenderTranscriptShowsErrors(t *testing.T) {
	view := renderTranscript(chat.Snapshot{
		Entries: []chat.Entry{{Role: chat.RoleUser, Text: "hello"}},
		Err:     &chat.TurnError{Message: "Agent request failed (502).", Detail: "upstream unavailable"},
	}, 80, "*")

	if !strings.Contains(view, "Error: Agent request failed (502).") || !strings.Contains(view, "upstream unavailable") {
		t.Fatalf("unexpected transcript:\n%s", view)
	}
}
