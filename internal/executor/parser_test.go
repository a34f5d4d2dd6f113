package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, input string) []Message {
	t.Helper()
	p := NewStreamParser()
	var msgs []Message
	for msg := range p.Parse(strings.NewReader(input)) {
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestParseSystemInit(t *testing.T) {
	input := `{"type":"system","subtype":"init","session_id":"sess-123","model":"claude-sonnet"}` + "\n"

	p := NewStreamParser()
	var msgs []Message
	for msg := range p.Parse(strings.NewReader(input)) {
		msgs = append(msgs, msg)
	}

	require.Len(t, msgs, 1)
	assert.Equal(t, TypeSystemInit, msgs[0].Type)
	assert.Equal(t, "sess-123", msgs[0].SessionID)
	assert.Contains(t, msgs[0].Content, "sess-123")

	sum := p.Summary()
	assert.Equal(t, "sess-123", sum.SessionID)
	assert.Equal(t, "claude-sonnet", sum.Model)
}

func TestParseAssistantContent(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"looking at the tests"},{"type":"tool_use","name":"Read"}]}}` + "\n"

	msgs := collect(t, input)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeAssistant, msgs[0].Type)
	assert.Equal(t, "looking at the tests\n[tool: Read]", msgs[0].Content)
}

func TestParseResultSuccess(t *testing.T) {
	input := `{"type":"result","result":"all tests pass","total_cost_usd":0.42,"duration_ms":1500,"usage":{"input_tokens":100,"output_tokens":50}}` + "\n"

	p := NewStreamParser()
	var msgs []Message
	for msg := range p.Parse(strings.NewReader(input)) {
		msgs = append(msgs, msg)
	}

	require.Len(t, msgs, 1)
	assert.Equal(t, TypeResult, msgs[0].Type)
	assert.True(t, msgs[0].IsFinal)
	assert.False(t, msgs[0].IsError)
	assert.Equal(t, "all tests pass", msgs[0].Content)

	sum := p.Summary()
	assert.True(t, sum.Success)
	assert.Equal(t, 0.42, sum.TotalCost)
	assert.Equal(t, int64(1500), sum.DurationMS)
	assert.Equal(t, 100, sum.InputTokens)
	assert.Equal(t, 50, sum.OutputTokens)
}

func TestParseResultError(t *testing.T) {
	input := `{"type":"result","is_error":true,"result":"context limit reached"}` + "\n"

	p := NewStreamParser()
	var msgs []Message
	for msg := range p.Parse(strings.NewReader(input)) {
		msgs = append(msgs, msg)
	}

	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsError)
	sum := p.Summary()
	assert.False(t, sum.Success)
	assert.Equal(t, "context limit reached", sum.ErrorMessage)
}

func TestParseRawPassthrough(t *testing.T) {
	msgs := collect(t, "plain text output\n")
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeRaw, msgs[0].Type)
	assert.Equal(t, "plain text output", msgs[0].Content)
}

func TestParseSkipsBlankLines(t *testing.T) {
	input := "\n\n" + `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}` + "\n\n"
	msgs := collect(t, input)
	assert.Len(t, msgs, 1)
}

func TestParseStreamEventHasNoContent(t *testing.T) {
	msgs := collect(t, `{"type":"stream_event"}`+"\n")
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeStreamEvent, msgs[0].Type)
	assert.Empty(t, msgs[0].Content)
}
