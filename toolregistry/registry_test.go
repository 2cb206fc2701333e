package toolregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/toolspec"
)

func testManifest() toolspec.Manifest {
	return toolspec.Manifest{Functions: []toolspec.ManifestFunction{
		{
			Name:         "echo",
			Description:  "echoes its input",
			InputSchema:  []byte(`{"type": "object", "properties": {"text": {"type": "string"}}}`),
			OutputSchema: []byte(`{"type": "object"}`),
		},
	}}
}

func TestRegistryLoadAndCall(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(testManifest()))

	t.Run("unregistered tool returns the stub result", func(t *testing.T) {
		res := r.Call(context.Background(), "echo", nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not implemented")
	})

	t.Run("register binds an implementation", func(t *testing.T) {
		err := r.Register("echo", ToolFunc(func(_ context.Context, args map[string]any) toolspec.Result {
			text, _ := args["text"].(string)
			return toolspec.Ok(text, nil)
		}))
		require.NoError(t, err)

		res := r.Call(context.Background(), "echo", map[string]any{"text": "hi"})
		assert.True(t, res.Success)
		assert.Equal(t, "hi", res.Output)
	})

	t.Run("register rejects unknown names", func(t *testing.T) {
		err := r.Register("unknown", ToolFunc(func(context.Context, map[string]any) toolspec.Result { return toolspec.Ok("", nil) }))
		assert.Error(t, err)
	})

	t.Run("call on unknown tool fails", func(t *testing.T) {
		res := r.Call(context.Background(), "missing", nil)
		assert.False(t, res.Success)
	})

	t.Run("call recovers from a panicking implementation", func(t *testing.T) {
		require.NoError(t, r.Register("echo", ToolFunc(func(context.Context, map[string]any) toolspec.Result {
			panic("boom")
		})))
		res := r.Call(context.Background(), "echo", nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "panicked")
	})
}

func TestAgentWrapper(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(testManifest()))

	wrapper, ok := r.AgentWrapper("echo")
	require.True(t, ok)
	assert.Equal(t, toolspec.Ident("echo"), wrapper.Name)
	assert.Equal(t, "echoes its input", wrapper.Description)

	_, ok = r.AgentWrapper("missing")
	assert.False(t, ok)
}

func TestAgentWrapperInvoke(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(testManifest()))
	require.NoError(t, r.Register("echo", ToolFunc(func(_ context.Context, args map[string]any) toolspec.Result {
		text, _ := args["text"].(string)
		return toolspec.Ok(text, nil)
	})))

	wrapper, _ := r.AgentWrapper("echo")
	out, err := wrapper.Invoke(context.Background(), r, []byte(`{"text": "hello"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"output": "hello"}`, string(out))

	_, err = wrapper.Invoke(context.Background(), r, []byte(`not json`))
	assert.Error(t, err)
}
