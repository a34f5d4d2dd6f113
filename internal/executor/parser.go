package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// streamEvent maps one line of the engine's stream-json output.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *messageContent `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	TotalCost float64         `json:"total_cost_usd,omitempty"`
	Usage     *usage          `json:"usage,omitempty"`
	Duration  int64           `json:"duration_ms,omitempty"`
	Model     string          `json:"model,omitempty"`
}

type messageContent struct {
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// StreamParser turns NDJSON engine output into Messages. Lines that are not
// valid JSON are passed through as raw messages so plain-text engines still
// produce visible output.
type StreamParser struct {
	// MaxLineBytes bounds a single output line. Engine output can carry
	// whole file contents in tool results, so the default is 10 MiB.
	MaxLineBytes int

	summary Summary
}

// NewStreamParser returns a parser with default buffer sizing.
func NewStreamParser() *StreamParser {
	return &StreamParser{MaxLineBytes: 10 * 1024 * 1024}
}

// Parse reads lines from r and emits parsed messages until EOF. The channel
// is closed when the reader is exhausted.
func (p *StreamParser) Parse(r io.Reader) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		bufSize := p.MaxLineBytes
		if bufSize <= 0 {
			bufSize = 10 * 1024 * 1024
		}
		scanner.Buffer(make([]byte, 0, 64*1024), bufSize)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			out <- p.parseLine(line)
		}
	}()
	return out
}

// Summary returns usage accounting collected while parsing. Valid once the
// result message has been seen.
func (p *StreamParser) Summary() Summary { return p.summary }

func (p *StreamParser) parseLine(line string) Message {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Message{Type: TypeRaw, Content: line, Raw: line}
	}

	switch ev.Type {
	case "system":
		if ev.SessionID != "" {
			p.summary.SessionID = ev.SessionID
		}
		if ev.Model != "" {
			p.summary.Model = ev.Model
		}
		return Message{
			Type:      TypeSystemInit,
			Content:   fmt.Sprintf("Session started (%s)", ev.SessionID),
			Raw:       line,
			SessionID: ev.SessionID,
		}
	case "assistant":
		return Message{Type: TypeAssistant, Content: renderContent(ev.Message), Raw: line}
	case "user":
		return Message{Type: TypeUser, Content: renderContent(ev.Message), Raw: line}
	case "result":
		p.summary.Success = !ev.IsError
		p.summary.TotalCost = ev.TotalCost
		p.summary.DurationMS = ev.Duration
		if ev.Usage != nil {
			p.summary.InputTokens = ev.Usage.InputTokens
			p.summary.OutputTokens = ev.Usage.OutputTokens
		}
		if ev.IsError {
			p.summary.ErrorMessage = ev.Result
		}
		return Message{
			Type:    TypeResult,
			Content: ev.Result,
			Raw:     line,
			IsError: ev.IsError,
			IsFinal: true,
		}
	case "stream_event":
		return Message{Type: TypeStreamEvent, Raw: line}
	default:
		return Message{Type: TypeRaw, Content: line, Raw: line}
	}
}

// renderContent flattens message content blocks into displayable text.
// Tool invocations render as their tool name.
func renderContent(mc *messageContent) string {
	if mc == nil {
		return ""
	}
	var parts []string
	for _, block := range mc.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[tool: %s]", block.Name))
		}
	}
	return strings.Join(parts, "\n")
}
