package toolspec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultValidate(t *testing.T) {
	t.Run("failed result requires an error", func(t *testing.T) {
		err := Result{Success: false}.Validate()
		assert.Error(t, err)
	})

	t.Run("ok constructor always validates", func(t *testing.T) {
		r := Ok("done", map[string]any{"a": 1})
		assert.NoError(t, r.Validate())
	})

	t.Run("fail constructor substitutes a message when empty", func(t *testing.T) {
		r := Fail("")
		assert.Equal(t, "tool failed", r.Error)
		assert.NoError(t, r.Validate())
	})

	t.Run("success result must be json-serialisable", func(t *testing.T) {
		r := Result{Success: true, Data: func() {}}
		assert.Error(t, r.Validate())
	})
}

func TestParseManifest(t *testing.T) {
	t.Run("rejects empty manifest", func(t *testing.T) {
		_, err := ParseManifest([]byte(`{"functions": []}`))
		assert.Error(t, err)
	})

	t.Run("rejects unnamed function", func(t *testing.T) {
		_, err := ParseManifest([]byte(`{"functions": [{"description": "x"}]}`))
		assert.Error(t, err)
	})

	t.Run("parses and converts to specs", func(t *testing.T) {
		doc := []byte(`{
			"functions": [
				{"name": "read_file", "description": "reads", "input_schema": {"type": "object"}, "output_schema": {"type": "object"}, "requires_workspace": true}
			]
		}`)
		m, err := ParseManifest(doc)
		require.NoError(t, err)
		specs := m.ToSpecs()
		require.Len(t, specs, 1)
		assert.Equal(t, Ident("read_file"), specs[0].Name)
		assert.True(t, specs[0].RequiresWorkspace)
	})
}

func TestValidateSchemaSubset(t *testing.T) {
	t.Run("accepts the allowed keyword set", func(t *testing.T) {
		doc := json.RawMessage(`{
			"type": "object",
			"properties": {"name": {"type": "string"}},
			"required": ["name"],
			"additionalProperties": false
		}`)
		assert.NoError(t, ValidateSchemaSubset(doc))
	})

	t.Run("rejects unsupported keywords like $ref", func(t *testing.T) {
		doc := json.RawMessage(`{"$ref": "#/definitions/foo"}`)
		assert.Error(t, ValidateSchemaSubset(doc))
	})

	t.Run("rejects unsupported types", func(t *testing.T) {
		doc := json.RawMessage(`{"type": "date"}`)
		assert.Error(t, ValidateSchemaSubset(doc))
	})
}

func TestCompile(t *testing.T) {
	t.Run("compiles a valid schema", func(t *testing.T) {
		schema, err := Compile("test#input", json.RawMessage(`{"type": "object"}`))
		require.NoError(t, err)
		assert.NotNil(t, schema)
	})

	t.Run("rejects a disallowed schema before compiling", func(t *testing.T) {
		_, err := Compile("test#input", json.RawMessage(`{"$ref": "x"}`))
		assert.Error(t, err)
	})
}
