package toolkit

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
	"github.com/okcvm/okcvm/workspace"
)

// ReadFileTool implements mshtools-read_file, grounded on tools/files.py's
// ReadFileTool: images are returned as base64 data URLs, everything else as
// a line-sliced text body.
type ReadFileTool struct{ ws *workspace.Workspace }

// NewReadFileTool constructs a ReadFileTool scoped to ws.
func NewReadFileTool(ws *workspace.Workspace) toolregistry.Tool { return &ReadFileTool{ws: ws} }

// Call implements toolregistry.Tool.
func (t *ReadFileTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	raw, _ := args["file_path"].(string)
	if raw == "" {
		return toolspec.Fail("'file_path' is required")
	}
	path, err := t.ws.Resolve(raw)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return toolspec.Fail(fmt.Sprintf("file not found: %s", raw))
	}

	mime := detectMIME(path)
	if strings.HasPrefix(mime, "image/") {
		data, err := os.ReadFile(path)
		if err != nil {
			return toolspec.Fail(err.Error())
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		output := fmt.Sprintf("data:%s;base64,%s", mime, encoded)
		return toolspec.Ok(output, map[string]any{"mime": mime, "base64": encoded})
	}

	offset, _ := intArg(args["offset"])
	limit, hasLimit := intArg(args["limit"])
	text, err := readLines(path, offset, limit, hasLimit)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	return toolspec.Ok(text, text)
}

func detectMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	var buf [512]byte
	n, _ := f.Read(buf[:])
	return http.DetectContentType(buf[:n])
}

func intArg(v any) (int, bool) {
	f, ok := numeric(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func readLines(path string, offset, limit int, hasLimit bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var b strings.Builder
	i, emitted := 0, 0
	for scanner.Scan() {
		if i < offset {
			i++
			continue
		}
		if hasLimit && emitted >= limit {
			break
		}
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
		i++
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// WriteFileTool implements mshtools-write_file.
type WriteFileTool struct{ ws *workspace.Workspace }

// NewWriteFileTool constructs a WriteFileTool scoped to ws.
func NewWriteFileTool(ws *workspace.Workspace) toolregistry.Tool { return &WriteFileTool{ws: ws} }

// Call implements toolregistry.Tool.
func (t *WriteFileTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	raw, _ := args["file_path"].(string)
	content, hasContent := args["content"].(string)
	if raw == "" || !hasContent {
		return toolspec.Fail("'file_path' and 'content' are required")
	}
	path, err := t.ws.Resolve(raw)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolspec.Fail(err.Error())
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if append_, _ := args["append"].(bool); append_ {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return toolspec.Fail(err.Error())
	}
	return toolspec.Ok(fmt.Sprintf("Wrote file to %s", path), map[string]any{"path": path})
}

// EditFileTool implements mshtools-edit_file: an exact, occurrence-counted
// string replacement within an existing file.
type EditFileTool struct{ ws *workspace.Workspace }

// NewEditFileTool constructs an EditFileTool scoped to ws.
func NewEditFileTool(ws *workspace.Workspace) toolregistry.Tool { return &EditFileTool{ws: ws} }

// Call implements toolregistry.Tool.
func (t *EditFileTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	raw, _ := args["file_path"].(string)
	oldStr, hasOld := args["old_string"].(string)
	newStr, hasNew := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	if raw == "" || !hasOld || !hasNew {
		return toolspec.Fail("'file_path', 'old_string', and 'new_string' are required")
	}
	if oldStr == newStr {
		return toolspec.Fail("'old_string' and 'new_string' must differ")
	}
	path, err := t.ws.Resolve(raw)
	if err != nil {
		return toolspec.Fail(err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("file not found: %s", raw))
	}
	text := string(data)
	count := strings.Count(text, oldStr)
	if count == 0 {
		return toolspec.Fail("'old_string' not found in file")
	}
	if count > 1 && !replaceAll {
		return toolspec.Fail("'old_string' is not unique; pass replace_all=true to replace all occurrences")
	}

	replacements := 1
	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(text, oldStr, newStr)
		replacements = count
	} else {
		updated = strings.Replace(text, oldStr, newStr, 1)
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return toolspec.Fail(err.Error())
	}
	return toolspec.Ok(path, map[string]any{"replacements": replacements})
}
