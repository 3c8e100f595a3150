package chat

import (
	"encoding/json"
	"fmt"
)

// Summary is a one-line description of the step for compact rendering.
func (s Step) Summary() string {
	switch s.Type {
	case StepReasoning, StepToolProgress:
		return s.Text
	case StepToolCall:
		return s.ToolID + ": " + s.query()
	case StepToolResult:
		if s.IsError {
			return "Error: " + firstErrorMessage(s.Results)
		}
		return resultsSummary(s.Results)
	case StepVisionAnalysis:
		return "VLM Architecture Analysis " + preview(s.Text, 120)
	default:
		return string(s.Type)
	}
}

func (s Step) query() string {
	var params struct {
		NLQuery string `json:"nlQuery"`
	}
	if len(s.Params) > 0 && json.Unmarshal(s.Params, &params) == nil && params.NLQuery != "" {
		return params.NLQuery
	}
	return "query"
}

// StatusLabel describes an agent entry's progress from its latest step.
func StatusLabel(steps []Step, status Status) string {
	if status == StatusComplete || status == "" {
		n := 0
		for _, s := range steps {
			if s.Type == StepReasoning || s.Type == StepToolCall || s.Type == StepVisionAnalysis {
				n++
			}
		}
		return fmt.Sprintf("Completed %d step%s", n, plural(n))
	}

	if len(steps) > 0 {
		last := steps[len(steps)-1]
		switch {
		case last.Type == StepToolProgress && last.Text != "":
			return last.Text
		case last.Type == StepToolCall:
			q := last.query()
			if q == "query" {
				q = last.ToolID
			}
			return "Searching: " + q
		case last.Type == StepVisionAnalysis:
			return "Diagram analyzed by VLM"
		case last.Type == StepReasoning && last.Text != "":
			return preview(last.Text, 80)
		}
	}
	if status == StatusSearching {
		return "Searching EU AI Act..."
	}
	return "Thinking..."
}

func firstErrorMessage(results []json.RawMessage) string {
	if len(results) == 0 {
		return "Unknown error"
	}
	var first struct {
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if json.Unmarshal(results[0], &first) != nil || first.Data.Message == "" {
		return "Unknown error"
	}
	return first.Data.Message
}

func resultsSummary(results []json.RawMessage) string {
	n := 0
	for _, r := range results {
		var tagged struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(r, &tagged) == nil && tagged.Type == "error" {
			continue
		}
		n++
	}
	if n == 0 {
		return "No results"
	}
	return fmt.Sprintf("%d result%s returned", n, plural(n))
}

func preview(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
