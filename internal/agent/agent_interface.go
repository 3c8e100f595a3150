package agent

import (
	"context"
	"io"

	"github.com/ashureev/euaiact-search/internal/kibana"
)

// Upstream defines the agent backend the relay talks to.
// This interface is implemented by the Kibana client.
type Upstream interface {
	// Converse starts an agent turn and returns its raw event stream
	Converse(ctx context.Context, req kibana.ConverseRequest) (io.ReadCloser, error)

	// Complete runs a single prompt through the LLM connector
	Complete(ctx context.Context, prompt string) (string, error)
}

// Ensure the Kibana client implements Upstream.
var _ Upstream = (*kibana.Client)(nil)
