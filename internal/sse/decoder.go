// Package sse decodes the server-sent-event stream returned by the
// streamGenerateContent endpoint into plain text fragments.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/rs/zerolog"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
	readSize     = 4 << 10
)

var ErrClosed = errors.New("sse: decoder closed")

// ExtractFunc pulls the text fragment out of one event payload. An empty
// string with a nil error means the event carried no text.
type ExtractFunc func(payload []byte) (string, error)

type Decoder struct {
	body    io.ReadCloser
	logger  zerolog.Logger
	extract ExtractFunc

	buf     []byte
	chunk   []byte
	ready   []string
	eof     bool
	err     error
	closed  bool
	skipped int
}

func NewDecoder(body io.ReadCloser, logger zerolog.Logger) *Decoder {
	return &Decoder{
		body:    body,
		logger:  logger,
		extract: CandidateText,
		chunk:   make([]byte, readSize),
	}
}

// WithExtractor swaps the payload extractor. Used by tests and by callers
// that speak a different envelope.
func (d *Decoder) WithExtractor(fn ExtractFunc) *Decoder {
	if fn != nil {
		d.extract = fn
	}
	return d
}

// Next returns the next fragment in arrival order. It returns io.EOF once the
// stream is exhausted; an unterminated trailing line is dropped.
func (d *Decoder) Next() (string, error) {
	for {
		if d.closed {
			return "", ErrClosed
		}
		if len(d.ready) > 0 {
			f := d.ready[0]
			d.ready = d.ready[1:]
			return f, nil
		}
		if d.err != nil {
			return "", d.err
		}
		if d.eof {
			return "", io.EOF
		}

		n, err := d.body.Read(d.chunk)
		if n > 0 {
			d.feed(d.chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			d.err = fmt.Errorf("read stream: %w", err)
		}
	}
}

// Fragments adapts Next to a range-over-func sequence. The sequence ends
// silently at io.EOF; any other error is yielded once and ends it.
func (d *Decoder) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			f, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// Skipped reports how many malformed events have been dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.ready = nil
	d.buf = nil
	return d.body.Close()
}

func (d *Decoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		d.parseLine(line)
	}
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
}

func (d *Decoder) parseLine(line string) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}
	payload := line[len(dataPrefix):]
	if payload == doneSentinel {
		return
	}

	text, err := d.extract([]byte(payload))
	if err != nil {
		d.skipped++
		d.logger.Warn().Err(err).Str("event", clip(payload, 120)).Msg("skipping malformed stream event")
		return
	}
	if text != "" {
		d.ready = append(d.ready, text)
	}
}

type envelope struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// CandidateText reads candidates[0].content.parts[*].text, skipping parts
// flagged as thoughts.
func CandidateText(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	if len(env.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, part := range env.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
