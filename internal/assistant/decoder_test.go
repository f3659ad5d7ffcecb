// ABOUTME: Tests for the run stream decoder.
// ABOUTME: Covers chunk-boundary independence, malformed frames, and event ordering.

package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collect runs the decoder over r and returns every decoded event plus the
// terminal error.
func collect(t *testing.T, r io.Reader) ([]StreamEvent, error) {
	t.Helper()

	d := NewDecoder(r, discardLogger())
	go d.Run(context.Background())

	var events []StreamEvent
	for ev := range d.Events() {
		events = append(events, ev)
	}
	return events, d.Err()
}

const helloStream = "event: updates\n" +
	"data: {\"agent\":{\"messages\":[{\"content\":\"Hel\"}]}}\n" +
	"\n" +
	"event: updates\n" +
	"data: {\"agent\":{\"messages\":[{\"content\":\"lo!\"}]}}\n" +
	"\n"

func TestDecoder_MessageDeltas(t *testing.T) {
	events, err := collect(t, strings.NewReader(helloStream))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventMessageDelta, events[0].Kind)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, EventMessageDelta, events[1].Kind)
	assert.Equal(t, "lo!", events[1].Text)
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	// One byte at a time forces every possible split point, including
	// mid-delimiter and mid-JSON.
	whole, err := collect(t, strings.NewReader(helloStream))
	require.NoError(t, err)

	split, err := collect(t, iotest.OneByteReader(strings.NewReader(helloStream)))
	require.NoError(t, err)

	assert.Equal(t, whole, split)
}

func TestDecoder_MalformedPayloadDropped(t *testing.T) {
	stream := "event: updates\n" +
		"data: {not json\n" +
		"\n" +
		"event: updates\n" +
		"data: {\"agent\":{\"messages\":[{\"content\":\"ok\"}]}}\n" +
		"\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	// The malformed frame vanishes; the stream continues.
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Text)
}

func TestDecoder_FrameWithoutPayloadDiscarded(t *testing.T) {
	stream := "event: updates\n" +
		"\n" +
		"data: {\"agent\":{\"messages\":[{\"content\":\"x\"}]}}\n" +
		"\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecoder_UnknownEventType(t *testing.T) {
	stream := "event: metadata\n" +
		"data: {\"run_id\":\"abc\"}\n" +
		"\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventUnknown, events[0].Kind)
	assert.Equal(t, "metadata", events[0].RawType)
}

func TestDecoder_UpdatesFrameWithoutMessages(t *testing.T) {
	// Decodable JSON that carries neither agent nor tools messages surfaces
	// as an unknown event rather than vanishing.
	stream := "event: updates\n" +
		"data: {\"something\":{}}\n" +
		"\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventUnknown, events[0].Kind)
	assert.Equal(t, "updates", events[0].RawType)
}

func TestDecoder_Heartbeat(t *testing.T) {
	stream := "event: heartbeat\ndata: {}\n\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventHeartbeat, events[0].Kind)
}

func TestDecoder_Usage(t *testing.T) {
	stream := "event: usage\n" +
		"data: {\"total_tokens\":42,\"prompt_tokens\":30,\"completion_tokens\":12}\n" +
		"\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, EventTokenUsage, events[0].Kind)
	require.NotNil(t, events[0].Usage)
	assert.Equal(t, 42, events[0].Usage.TotalTokens)
	assert.Equal(t, 30, events[0].Usage.PromptTokens)
	assert.Equal(t, 12, events[0].Usage.CompletionTokens)
}

func TestDecoder_UpdatesFrameOrdering(t *testing.T) {
	// A single frame carrying content, a tool call, and a tool answer emits
	// events in payload order.
	stream := "event: updates\n" +
		`data: {"agent":{"messages":[{"content":"thinking","tool_calls":[{"id":"t1","name":"search"}]}]},"tools":{"messages":[{"content":"result"}]}}` + "\n" +
		"\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, EventMessageDelta, events[0].Kind)
	assert.Equal(t, "thinking", events[0].Text)
	assert.Equal(t, EventToolCall, events[1].Kind)
	assert.Equal(t, "search", events[1].ToolCall.Name)
	assert.Equal(t, EventToolResult, events[2].Kind)
	assert.Equal(t, "result", events[2].Text)
}

func TestDecoder_FinalUnterminatedFrame(t *testing.T) {
	// Server closed the connection without the trailing blank line.
	stream := "event: updates\n" +
		"data: {\"agent\":{\"messages\":[{\"content\":\"tail\"}]}}"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Text)
}

func TestDecoder_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader("event: updates\ndata: {\"agent\":{\"messages\":[{\"content\":\"par\"}]}}\n\n"),
		iotest.ErrReader(boom),
	)

	events, err := collect(t, r)
	assert.ErrorIs(t, err, boom)

	// Events decoded before the failure are still delivered.
	require.Len(t, events, 1)
	assert.Equal(t, "par", events[0].Text)
}

func TestDecoder_CRLFLines(t *testing.T) {
	stream := "event: updates\r\n" +
		"data: {\"agent\":{\"messages\":[{\"content\":\"crlf\"}]}}\r\n" +
		"\n"

	events, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "crlf", events[0].Text)
}
