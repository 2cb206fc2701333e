package toolkit

import "encoding/json"

// marshalPythonString encodes code as a single-line JSON string so the
// kernel driver (see pythonDriver) can read it with json.loads on one
// stdin line regardless of embedded newlines or quotes.
func marshalPythonString(code string) (string, error) {
	data, err := json.Marshal(code)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type kernelResult struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

func decodeKernelResult(line string) (output, errText string, err error) {
	var r kernelResult
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return "", "", err
	}
	return r.Output, r.Error, nil
}
