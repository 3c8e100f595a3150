// Package sse reads and writes Server-Sent-Events framing.
package sse

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"strings"
)

// DoneSentinel is the payload some upstreams send to mark the end of a stream.
const DoneSentinel = "[DONE]"

// Frame is one dispatched event block.
type Frame struct {
	Event string
	Data  string
}

// Reader decodes an SSE byte stream into frames.
// A Reader belongs to exactly one response body; create a new one per stream.
type Reader struct {
	br      *bufio.Reader
	event   string
	data    []string
	hasData bool
	err     error
}

// NewReader returns a Reader that consumes r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next non-empty frame. It returns io.EOF once the stream
// is exhausted and any pending block has been flushed. Other read errors are
// returned as-is and are terminal.
func (r *Reader) Next() (Frame, error) {
	for {
		if r.err != nil {
			if f, ok := r.flush(); ok {
				return f, nil
			}
			return Frame{}, r.err
		}

		line, err := r.br.ReadString('\n')
		if err != nil {
			// A trailing line without newline is still a line at EOF.
			if line != "" && errors.Is(err, io.EOF) {
				r.processLine(line)
			}
			r.err = err
			continue
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if f, ok := r.flush(); ok {
				return f, nil
			}
			continue
		}
		r.processLine(line)
	}
}

func (r *Reader) processLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		r.event = strings.TrimSpace(value)
	case "data":
		r.data = append(r.data, value)
		r.hasData = true
	}
}

// flush dispatches the pending block. The event type is sticky: it stays in
// effect for later blocks until another event line arrives.
func (r *Reader) flush() (Frame, bool) {
	if !r.hasData {
		return Frame{}, false
	}
	payload := strings.TrimSpace(strings.Join(r.data, "\n"))
	r.data = r.data[:0]
	r.hasData = false

	if payload == "" || payload == DoneSentinel {
		return Frame{}, false
	}
	return Frame{Event: r.event, Data: payload}, true
}

// Frames iterates over the frames of r. The iteration ends silently at EOF;
// any other read error is yielded once as the final element.
func Frames(r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		reader := NewReader(r)
		for {
			f, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}
