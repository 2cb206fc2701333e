// Package streambus implements the Streaming Bus (spec.md §4.7): a
// single-producer-many-consumers-within-one-request helper that turns
// concurrent callback invocations from the Agent Runtime and tool callbacks
// into server-sent events. Grounded on streaming.py's EventStreamPublisher,
// trimmed to its six event kinds, and shaped like the teacher's
// runtime/agent/stream Event/Base embedding idiom.
package streambus

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind enumerates the event kinds spec.md §4.7 names.
type Kind string

const (
	KindToken         Kind = "token"
	KindToolStarted   Kind = "tool_started"
	KindToolCompleted Kind = "tool_completed"
	KindFinal         Kind = "final"
	KindError         Kind = "error"
	KindStop          Kind = "stop"
)

// terminal reports whether receiving this event kind ends the stream.
func (k Kind) terminal() bool { return k == KindFinal || k == KindError }

// Event is the teacher's Event/Base embedding idiom: every concrete event
// kind embeds Base and exposes Type()/Payload() for the bus.
type Event interface {
	Type() Kind
	Payload() map[string]any
}

// Base is embedded by every concrete event type.
type Base struct {
	Kind Kind `json:"type"`
}

// Type implements Event.
func (b Base) Type() Kind { return b.Kind }

// Token is emitted for each incremental model output chunk
// (streaming.py's on_llm_new_token).
type Token struct {
	Base
	Delta string `json:"delta"`
}

// NewToken constructs a Token event.
func NewToken(delta string) Token { return Token{Base: Base{Kind: KindToken}, Delta: delta} }

// Payload implements Event.
func (t Token) Payload() map[string]any { return map[string]any{"type": t.Kind, "delta": t.Delta} }

// ToolStarted is emitted when a tool invocation begins
// (streaming.py's on_tool_start).
type ToolStarted struct {
	Base
	InvocationID string `json:"invocation_id"`
	ToolName     string `json:"tool_name,omitempty"`
	Input        string `json:"input,omitempty"`
}

// NewToolStarted constructs a ToolStarted event.
func NewToolStarted(invocationID, toolName, input string) ToolStarted {
	return ToolStarted{Base: Base{Kind: KindToolStarted}, InvocationID: invocationID, ToolName: toolName, Input: truncate(input, 320)}
}

// Payload implements Event.
func (t ToolStarted) Payload() map[string]any {
	p := map[string]any{"type": t.Kind, "invocation_id": t.InvocationID}
	if t.ToolName != "" {
		p["tool_name"] = t.ToolName
	}
	if t.Input != "" {
		p["input"] = t.Input
	}
	return p
}

// ToolCompleted is emitted when a tool invocation ends, successfully or not
// (streaming.py's on_tool_end / on_tool_error).
type ToolCompleted struct {
	Base
	InvocationID string  `json:"invocation_id"`
	ToolName     string  `json:"tool_name,omitempty"`
	Status       string  `json:"status"`
	DurationMS   float64 `json:"duration_ms,omitempty"`
	Output       string  `json:"output,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// NewToolCompleted constructs a successful ToolCompleted event.
func NewToolCompleted(invocationID, toolName string, started time.Time, output string) ToolCompleted {
	return ToolCompleted{
		Base:         Base{Kind: KindToolCompleted},
		InvocationID: invocationID,
		ToolName:     toolName,
		Status:       "success",
		DurationMS:   elapsedMS(started),
		Output:       truncate(output, 320),
	}
}

// NewToolFailed constructs a failed ToolCompleted event.
func NewToolFailed(invocationID, toolName string, started time.Time, errMsg string) ToolCompleted {
	if errMsg == "" {
		errMsg = "Tool execution failed"
	}
	return ToolCompleted{
		Base:         Base{Kind: KindToolCompleted},
		InvocationID: invocationID,
		ToolName:     toolName,
		Status:       "error",
		DurationMS:   elapsedMS(started),
		Error:        errMsg,
	}
}

// Payload implements Event.
func (t ToolCompleted) Payload() map[string]any {
	p := map[string]any{"type": t.Kind, "invocation_id": t.InvocationID, "status": t.Status}
	if t.ToolName != "" {
		p["tool_name"] = t.ToolName
	}
	if t.DurationMS > 0 {
		p["duration_ms"] = t.DurationMS
	}
	if t.Output != "" {
		p["output"] = t.Output
	}
	if t.Error != "" {
		p["error"] = t.Error
	}
	return p
}

// Final carries the finished turn: Result is the same object the
// non-streaming chat path would have returned.
type Final struct {
	Base
	Result any `json:"payload"`
}

// NewFinal constructs a Final event.
func NewFinal(result any) Final { return Final{Base: Base{Kind: KindFinal}, Result: result} }

// Payload implements Event.
func (f Final) Payload() map[string]any { return map[string]any{"type": f.Kind, "payload": f.Result} }

// ErrorEvent carries a terminal failure message.
type ErrorEvent struct {
	Base
	Message string `json:"message"`
}

// NewError constructs an ErrorEvent.
func NewError(message string) ErrorEvent {
	return ErrorEvent{Base: Base{Kind: KindError}, Message: message}
}

// Payload implements Event.
func (e ErrorEvent) Payload() map[string]any { return map[string]any{"type": e.Kind, "message": e.Message} }

// Stop is a client-requested cancellation acknowledgement.
type Stop struct{ Base }

// NewStop constructs a Stop event.
func NewStop() Stop { return Stop{Base: Base{Kind: KindStop}} }

// Payload implements Event.
func (s Stop) Payload() map[string]any { return map[string]any{"type": s.Kind} }

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

func elapsedMS(started time.Time) float64 {
	if started.IsZero() {
		return 0
	}
	return float64(time.Since(started).Microseconds()) / 1000.0
}

// Bus is a single-producer-many-consumers-within-one-request helper
// (spec.md §4.7): Publish may be called from any goroutine and blocks while
// the buffer is full, until Iter takes an event or Close is called; it does
// not drop events to avoid blocking. Iter drains events into SSE chunks on
// one reader goroutine, stopping at the first terminal event or after Close.
type Bus struct {
	queue  chan Event
	once   sync.Once
	closed chan struct{}
}

// New constructs a Bus with the given buffer size.
func New(buffer int) *Bus {
	return &Bus{queue: make(chan Event, buffer), closed: make(chan struct{})}
}

// Publish enqueues event for delivery. Safe to call from any goroutine;
// never blocks once Close has been called.
func (b *Bus) Publish(event Event) {
	select {
	case <-b.closed:
		return
	default:
	}
	select {
	case b.queue <- event:
	case <-b.closed:
	}
}

// Close idempotently stops the bus; any goroutine blocked in Iter sees the
// channel close and returns.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.closed) })
}

// Iter yields "data: <json>\n\n" SSE chunks until the first terminal event
// (final or error) is published, or the bus is closed. Either way a trailing
// stop sentinel frame is emitted before the iterator returns, so consumers
// always observe an explicit end-of-stream marker.
func (b *Bus) Iter(yield func([]byte) bool) {
	for {
		select {
		case event := <-b.queue:
			if !yieldEvent(yield, event) {
				return
			}
			if event.Type() == KindStop {
				return
			}
			if event.Type().terminal() {
				yieldEvent(yield, NewStop())
				return
			}
		case <-b.closed:
			// Drain anything published before Close so a producer that
			// publishes then closes loses nothing.
			for {
				select {
				case event := <-b.queue:
					if !yieldEvent(yield, event) {
						return
					}
					if event.Type() == KindStop {
						return
					}
					if event.Type().terminal() {
						yieldEvent(yield, NewStop())
						return
					}
				default:
					yieldEvent(yield, NewStop())
					return
				}
			}
		}
	}
}

func yieldEvent(yield func([]byte) bool, event Event) bool {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return true
	}
	chunk := append(append([]byte("data: "), payload...), []byte("\n\n")...)
	return yield(chunk)
}
