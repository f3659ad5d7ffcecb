// ABOUTME: Decodes the agent service's chunked run stream into StreamEvents.
// ABOUTME: Frames are blank-line delimited with "event:" and "data:" lines.

package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// frameBufferSize is the channel buffer between the reader goroutine and the
// consumer. Matches the response buffer size used elsewhere in the pipeline.
const frameBufferSize = 16

// updatePayload is the strict schema for "updates" frames. Anything that does
// not decode into this shape is treated as malformed and dropped.
type updatePayload struct {
	Agent *struct {
		Messages []struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"messages"`
	} `json:"agent"`
	Tools *struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	} `json:"tools"`
}

// Decoder incrementally parses a run stream into StreamEvents.
//
// The raw stream is a sequence of frames separated by blank lines:
//
//	event: updates
//	data: {"agent":{"messages":[{"content":"Hi"}]}}
//
// Chunk boundaries carry no meaning: the decoder buffers input until a frame
// closes, so splitting the stream at any byte yields the same events.
type Decoder struct {
	r      io.Reader
	events chan StreamEvent
	err    error
	logger *slog.Logger
}

// NewDecoder creates a decoder over r. Call Run to start decoding; events are
// delivered on Events in frame-close order.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		r:      r,
		events: make(chan StreamEvent, frameBufferSize),
		logger: logger.With("component", "decoder"),
	}
}

// Events returns the decoded event stream. The channel is closed when the
// underlying stream ends or fails; check Err afterwards for the terminal state.
func (d *Decoder) Events() <-chan StreamEvent {
	return d.events
}

// Err reports the terminal error of the stream, if any. Only valid after the
// Events channel has closed.
func (d *Decoder) Err() error {
	return d.err
}

// Run reads the stream until EOF, error, or context cancellation, emitting
// events as frames close. It closes the Events channel before returning.
// Malformed frames are dropped with a diagnostic; they never abort the stream.
func (d *Decoder) Run(ctx context.Context) {
	defer close(d.events)

	var buf strings.Builder
	reader := bufio.NewReader(d.r)
	chunk := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			d.err = ctx.Err()
			return
		}

		n, readErr := reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			remainder := d.drainFrames(ctx, buf.String())
			buf.Reset()
			buf.WriteString(remainder)
		}

		if readErr != nil {
			if readErr != io.EOF {
				d.err = readErr
				return
			}
			// Flush a final unterminated frame, if the server closed the
			// connection without the trailing blank line.
			if frame := strings.TrimSpace(buf.String()); frame != "" {
				d.emitFrame(ctx, frame)
			}
			return
		}
	}
}

// drainFrames emits every complete frame in data and returns the unparsed tail.
func (d *Decoder) drainFrames(ctx context.Context, data string) string {
	for {
		idx := strings.Index(data, "\n\n")
		if idx < 0 {
			return data
		}
		frame := data[:idx]
		data = data[idx+2:]
		if strings.TrimSpace(frame) == "" {
			continue
		}
		d.emitFrame(ctx, frame)
	}
}

// emitFrame parses one complete frame and sends its events, if any.
func (d *Decoder) emitFrame(ctx context.Context, frame string) {
	eventType, payload := splitFrame(frame)
	if eventType == "" || payload == "" {
		d.logger.Debug("discarding incomplete frame", "frame_len", len(frame))
		return
	}

	for _, ev := range d.decodeFrame(eventType, payload) {
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// splitFrame extracts the event type and data payload from a frame's lines.
func splitFrame(frame string) (eventType, payload string) {
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return eventType, payload
}

// decodeFrame converts one frame into zero or more events. A single "updates"
// frame may carry several messages and tool calls; they are emitted in payload
// order.
func (d *Decoder) decodeFrame(eventType, payload string) []StreamEvent {
	switch eventType {
	case "updates":
		var update updatePayload
		if err := json.Unmarshal([]byte(payload), &update); err != nil {
			d.logger.Warn("dropping malformed updates frame", "error", err)
			return nil
		}
		events := flattenUpdate(&update)
		if len(events) == 0 {
			// Valid JSON but nothing recognizable inside.
			d.logger.Debug("updates frame carried no messages")
			return []StreamEvent{{Kind: EventUnknown, RawType: eventType}}
		}
		return events

	case "usage":
		var usage TokenUsage
		if err := json.Unmarshal([]byte(payload), &usage); err != nil {
			d.logger.Warn("dropping malformed usage frame", "error", err)
			return nil
		}
		return []StreamEvent{{Kind: EventTokenUsage, Usage: &usage}}

	case "heartbeat":
		d.logger.Debug("heartbeat received")
		return []StreamEvent{{Kind: EventHeartbeat}}

	default:
		d.logger.Debug("unknown event type", "type", eventType)
		return []StreamEvent{{Kind: EventUnknown, RawType: eventType}}
	}
}

// flattenUpdate expands an updates payload into its ordered events: agent
// message content first, then the message's tool calls, then tool outputs.
func flattenUpdate(update *updatePayload) []StreamEvent {
	var events []StreamEvent

	if update.Agent != nil {
		for _, msg := range update.Agent.Messages {
			if msg.Content != "" {
				events = append(events, StreamEvent{
					Kind: EventMessageDelta,
					Text: msg.Content,
				})
			}
			for i := range msg.ToolCalls {
				call := msg.ToolCalls[i]
				events = append(events, StreamEvent{
					Kind:     EventToolCall,
					ToolCall: &call,
				})
			}
		}
	}

	if update.Tools != nil {
		for _, msg := range update.Tools.Messages {
			events = append(events, StreamEvent{
				Kind: EventToolResult,
				Text: msg.Content,
			})
		}
	}

	return events
}
