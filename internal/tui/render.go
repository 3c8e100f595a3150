package tui

import (
	"fmt"
	"strings"

	"github.com/ashureev/euaiact-search/internal/chat"
	"github.com/ashureev/euaiact-search/internal/search"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	agentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	attachStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	spinnerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	inputBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	noticeStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
)

// renderTranscript draws the conversation. Open agent entries show the
// spinner and their live status; finished ones show the step count.
func renderTranscript(snap chat.Snapshot, width int, spin string) string {
	if len(snap.Entries) == 0 && snap.Err == nil {
		return dimStyle.Render("No messages yet. Ask a question, attach a diagram with /image, or type /help.")
	}

	body := lipgloss.NewStyle().Width(max(10, width-2))
	var b strings.Builder
	for _, e := range snap.Entries {
		switch e.Role {
		case chat.RoleUser:
			b.WriteString(userStyle.Render("You"))
			if e.Image != nil {
				b.WriteString(" " + attachStyle.Render("["+e.Image.Name+"]"))
			}
			b.WriteString("\n")
			if e.Text != "" {
				b.WriteString(body.Render(e.Text) + "\n")
			}
		case chat.RoleAgent:
			b.WriteString(agentStyle.Render("Agent") + " ")
			label := chat.StatusLabel(e.Steps, e.Status)
			if e.Open() {
				b.WriteString(spin + " " + label + "\n")
			} else {
				b.WriteString(dimStyle.Render(label) + "\n")
			}
			for _, s := range e.Steps {
				b.WriteString(dimStyle.Render(body.Render("  • "+s.Summary())) + "\n")
			}
			if e.Text != "" {
				b.WriteString(body.Render(e.Text) + "\n")
			}
		}
		b.WriteString("\n")
	}

	if snap.Err != nil {
		b.WriteString(errorStyle.Render("Error: "+snap.Err.Message) + "\n")
		if snap.Err.Detail != "" {
			b.WriteString(dimStyle.Render(body.Render(snap.Err.Detail)) + "\n")
		}
	}

	if len(snap.FollowUps) > 0 && !snap.InProgress {
		b.WriteString(dimStyle.Render("Suggested follow-ups (Tab to use):") + "\n")
		for i, q := range snap.FollowUps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, q)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderSearch formats a search or compare result for the notice panel.
func renderSearch(msg searchMsg) string {
	kind := "Search"
	if msg.compare {
		kind = "Compare"
	}
	if msg.err != nil {
		return fmt.Sprintf("%s %q failed: %v", kind, msg.query, msg.err)
	}
	if len(msg.results) == 0 {
		return fmt.Sprintf("%s %q: no articles found.", kind, msg.query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %q (%d results, %d ms)\n", kind, msg.query, len(msg.results), msg.took)
	for i, r := range msg.results {
		line := fmt.Sprintf("%2d. Art. %s  %s  %.3f", i+1, r.ArticleNumber, r.Title, r.Score)
		if i < len(msg.movements) {
			line += "  " + movementLabel(msg.movements[i])
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func movementLabel(mv search.Movement) string {
	switch mv.Indicator {
	case search.IndicatorUp:
		return fmt.Sprintf("↑%d", mv.Delta)
	case search.IndicatorDown:
		return fmt.Sprintf("↓%d", -mv.Delta)
	case search.IndicatorNew:
		return "new"
	default:
		return "="
	}
}
