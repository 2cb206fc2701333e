package toolkit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
)

// sentinel delimits one execution's output from the next on the kernel's
// stdout stream, since the interpreter runs as a single long-lived process
// rather than being re-invoked per call (tools/ipython.py keeps a persistent
// globals dict across calls; a subprocess is the closest Go equivalent to
// that persistence, since there is no in-process Python interpreter to exec
// against).
const sentinel = "__okcvm_ipython_done__"

// IPythonTool implements mshtools-ipython: a REPL-like execution
// environment backed by a single long-lived `python3 -u -c pythonDriver`
// subprocess per workspace, so that variables defined in one call remain visible in the
// next. Lines prefixed with "!" run as shell commands instead of Python,
// matching the original tool's convention.
type IPythonTool struct {
	mu      sync.Mutex
	dir     string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	started bool
}

// NewIPythonTool constructs an IPythonTool whose subprocess runs with dir as
// its working directory.
func NewIPythonTool(dir string) toolregistry.Tool { return &IPythonTool{dir: dir} }

func (t *IPythonTool) ensureStarted() error {
	if t.started {
		return nil
	}
	cmd := exec.Command("python3", "-u", "-c", pythonDriver)
	cmd.Dir = t.dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("toolkit: ipython stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("toolkit: ipython stdout pipe: %w", err)
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("toolkit: start python3: %w", err)
	}
	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReader(stdout)
	t.started = true
	return nil
}

// pythonDriver is piped to python3 -c: it reads one base64-free, newline
// terminated JSON-encoded code block at a time from stdin, execs it against
// a persistent globals dict, and prints captured stdout followed by the
// sentinel line.
const pythonDriver = `
import sys, io, contextlib, traceback, json
g = {}
for line in sys.stdin:
    block = json.loads(line)
    buf = io.StringIO()
    err = None
    try:
        with contextlib.redirect_stdout(buf):
            exec(block, g, g)
    except Exception:
        err = traceback.format_exc()
    print(json.dumps({"output": buf.getvalue(), "error": err}))
    print("` + sentinel + `")
    sys.stdout.flush()
`

// Call implements toolregistry.Tool.
func (t *IPythonTool) Call(ctx context.Context, args map[string]any) toolspec.Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if reset, _ := args["reset"].(bool); reset {
		t.restart()
		return toolspec.Ok("Environment reset", map[string]any{"reset": true})
	}

	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return toolspec.Fail("'code' argument is required")
	}

	var shellOutputs []string
	var pythonLines []string
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "!") {
			out := t.runShellLine(ctx, trimmed[1:])
			if out != "" {
				shellOutputs = append(shellOutputs, out)
			}
			continue
		}
		pythonLines = append(pythonLines, line)
	}
	pythonCode := strings.Join(pythonLines, "\n")

	var pyOutput, pyError string
	if strings.TrimSpace(pythonCode) != "" {
		var err error
		pyOutput, pyError, err = t.exec(pythonCode)
		if err != nil {
			return toolspec.Fail(fmt.Sprintf("ipython kernel error: %v", err))
		}
	}

	parts := make([]string, 0, len(shellOutputs)+1)
	if strings.TrimSpace(pyOutput) != "" {
		parts = append(parts, strings.TrimSpace(pyOutput))
	}
	parts = append(parts, shellOutputs...)
	outputText := strings.TrimSpace(strings.Join(parts, "\n\n"))

	if pyError != "" {
		return toolspec.Result{Success: false, Output: outputText, Error: pyError}
	}
	return toolspec.Result{Success: true, Output: outputText}
}

func (t *IPythonTool) runShellLine(ctx context.Context, line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return ""
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = t.dir
	out, _ := cmd.CombinedOutput()
	return strings.TrimSpace(string(out))
}

func (t *IPythonTool) exec(code string) (output, errText string, err error) {
	if err := t.ensureStarted(); err != nil {
		return "", "", err
	}
	encoded, err := marshalPythonString(code)
	if err != nil {
		return "", "", err
	}
	if _, err := io.WriteString(t.stdin, encoded+"\n"); err != nil {
		t.started = false
		return "", "", fmt.Errorf("write to kernel: %w", err)
	}

	var resultLine string
	for {
		line, err := t.stdout.ReadString('\n')
		if err != nil {
			t.started = false
			return "", "", fmt.Errorf("read from kernel: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == sentinel {
			break
		}
		resultLine = line
	}
	return decodeKernelResult(resultLine)
}

// restart kills the kernel subprocess; the next call to exec starts a fresh
// one with an empty globals dict.
func (t *IPythonTool) restart() {
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.stdout = nil
	t.started = false
}
