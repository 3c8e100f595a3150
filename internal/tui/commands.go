package tui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/euaiact-search/internal/chat"
	"github.com/ashureev/euaiact-search/internal/search"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"
)

const (
	searchTimeout = 30 * time.Second
	warmupTimeout = 15 * time.Second
	maxImageBytes = 10 << 20
)

const helpText = `Commands:
  /image <path>     attach an architecture diagram and start analyzing it
  /clear            drop the attached diagram
  /lang en|de       answer language
  /search <query>   semantic article search (reranked)
  /compare <query>  naive vs reranked ranking for the same query
  /reset            start a new conversation
  /help             show this help
  /quit             exit
Tab inserts the next suggested follow-up. Esc cancels a running turn.`

// command is a parsed slash command.
type command struct {
	name string
	arg  string
}

// parseCommand splits "/name arg..." input. ok is false for plain messages.
func parseCommand(input string) (command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(input[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

type turnDoneMsg struct {
	err error
}

type warmupMsg struct {
	status string
	err    error
}

type visionDoneMsg struct {
	task     *chat.VisionTask
	analysis string
	err      error
}

type searchMsg struct {
	query     string
	compare   bool
	results   []search.Result
	movements []search.Movement
	took      int64
	err       error
}

func warmupCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
		defer cancel()
		status, err := b.WarmupVision(ctx)
		return warmupMsg{status: status, err: err}
	}
}

func waitVisionCmd(task *chat.VisionTask) tea.Cmd {
	return func() tea.Msg {
		analysis, err := task.Wait(context.Background())
		return visionDoneMsg{task: task, analysis: analysis, err: err}
	}
}

func searchCmd(b Backend, query string, lang chat.Language) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()
		resp, err := b.Search(ctx, search.Request{Query: query, Rerank: true, Language: string(lang)})
		if err != nil {
			return searchMsg{query: query, err: err}
		}
		return searchMsg{query: query, results: resp.Results, took: resp.Took}
	}
}

// compareCmd runs the naive and reranked searches concurrently.
func compareCmd(b Backend, query string, lang chat.Language) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()

		var naive, reranked *search.Response
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			naive, err = b.Search(gctx, search.Request{Query: query, Language: string(lang)})
			return err
		})
		g.Go(func() error {
			var err error
			reranked, err = b.Search(gctx, search.Request{Query: query, Rerank: true, Language: string(lang)})
			return err
		})
		if err := g.Wait(); err != nil {
			return searchMsg{query: query, compare: true, err: err}
		}
		return searchMsg{
			query:     query,
			compare:   true,
			results:   reranked.Results,
			movements: search.Compare(naive.Results, reranked.Results),
			took:      naive.Took + reranked.Took,
		}
	}
}

// loadImage reads a diagram from disk. The type is sniffed from content.
func loadImage(path string) (*chat.Image, error) {
	if path == "" {
		return nil, errors.New("usage: /image <path>")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxImageBytes {
		return nil, fmt.Errorf("%s exceeds the %d MB upload limit", filepath.Base(path), maxImageBytes>>20)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", filepath.Base(path), mimeType)
	}
	return &chat.Image{Name: filepath.Base(path), MIMEType: mimeType, Data: data}, nil
}
