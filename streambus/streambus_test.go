package streambus

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, b *Bus) []map[string]any {
	t.Helper()
	var frames []map[string]any
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Iter(func(chunk []byte) bool {
			text := string(chunk)
			require.True(t, strings.HasPrefix(text, "data: "))
			require.True(t, strings.HasSuffix(text, "\n\n"))
			var frame map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(text, "data: "), "\n\n")), &frame))
			frames = append(frames, frame)
			return true
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Iter did not terminate")
	}
	return frames
}

func TestIterDeliversInPublishOrderAndStops(t *testing.T) {
	b := New(16)
	b.Publish(NewToken("Hel"))
	b.Publish(NewToken("lo"))
	b.Publish(NewToolStarted("inv-1", "files_write", `{"path":"a.txt"}`))
	b.Publish(NewToolCompleted("inv-1", "files_write", time.Now().Add(-10*time.Millisecond), "Wrote file"))
	b.Publish(NewFinal(map[string]any{"reply": "done"}))

	frames := collect(t, b)
	require.Len(t, frames, 6)
	assert.Equal(t, "token", frames[0]["type"])
	assert.Equal(t, "Hel", frames[0]["delta"])
	assert.Equal(t, "lo", frames[1]["delta"])
	assert.Equal(t, "tool_started", frames[2]["type"])
	assert.Equal(t, "files_write", frames[2]["tool_name"])
	assert.Equal(t, "tool_completed", frames[3]["type"])
	assert.Equal(t, "success", frames[3]["status"])
	assert.GreaterOrEqual(t, frames[3]["duration_ms"].(float64), 0.0)
	assert.Equal(t, "final", frames[4]["type"])
	payload, ok := frames[4]["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", payload["reply"])
	assert.Equal(t, "stop", frames[5]["type"])
}

func TestIterTerminatesOnError(t *testing.T) {
	b := New(4)
	b.Publish(NewError("model exploded"))

	frames := collect(t, b)
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, "model exploded", frames[0]["message"])
	assert.Equal(t, "stop", frames[1]["type"])
}

func TestIterDrainsQueueAfterClose(t *testing.T) {
	b := New(4)
	b.Publish(NewToken("tail"))
	b.Publish(NewFinal(map[string]any{"reply": "late"}))
	b.Close()

	frames := collect(t, b)
	require.Len(t, frames, 3)
	assert.Equal(t, "token", frames[0]["type"])
	assert.Equal(t, "final", frames[1]["type"])
	assert.Equal(t, "stop", frames[2]["type"])
}

func TestCloseIsIdempotentAndUnblocksPublish(t *testing.T) {
	b := New(0)
	b.Close()
	b.Close()

	done := make(chan struct{})
	go func() {
		b.Publish(NewToken("dropped"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Close")
	}

	frames := collect(t, b)
	require.Len(t, frames, 1)
	assert.Equal(t, "stop", frames[0]["type"])
}

func TestToolFailureEvent(t *testing.T) {
	ev := NewToolFailed("inv-2", "shell_exec", time.Now(), "")
	payload := ev.Payload()
	assert.Equal(t, KindToolCompleted, payload["type"])
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "Tool execution failed", payload["error"])
}

func TestToolEventInputTruncation(t *testing.T) {
	long := strings.Repeat("x", 1000)
	ev := NewToolStarted("inv-3", "shell_exec", long)
	assert.LessOrEqual(t, len([]rune(ev.Input)), 320)
}
