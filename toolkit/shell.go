package toolkit

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/anmitsu/go-shlex"

	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// ShellTool implements mshtools-shell: it runs a command line to completion
// and reports combined stdout/stderr, grounded on tools/shell.py.
type ShellTool struct {
	// Dir is the working directory commands run in (a workspace's
	// internal_root, typically).
	Dir string
}

// NewShellTool constructs a ShellTool rooted at dir.
func NewShellTool(dir string) toolregistry.Tool { return &ShellTool{Dir: dir} }

// Call implements toolregistry.Tool.
func (t *ShellTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return toolspec.Fail("'command' argument is required")
	}

	if secs, ok := numeric(args["timeout"]); ok && secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
	}

	parts, err := shlex.Split(command, true)
	if err != nil || len(parts) == 0 {
		return toolspec.Fail(fmt.Sprintf("cannot parse command: %v", err))
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = t.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	combined := stdout.String() + stderr.String()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}
	success := runErr == nil

	data := map[string]any{
		"returncode": exitCode,
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
	}
	if success {
		return toolspec.Result{Success: true, Output: combined, Data: data}
	}
	errMsg := combined
	if errMsg == "" {
		errMsg = "command failed"
	}
	return toolspec.Result{Success: false, Output: combined, Data: data, Error: errMsg}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
