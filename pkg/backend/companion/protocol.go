package companion

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/grovetools/preview/pkg/filetree"
)

// Endpoints of the companion wire protocol.
const (
	PathStart      = "/start"
	PathMount      = "/mount"
	PathExec       = "/exec"
	PathExecStream = "/exec-stream"
	PathStop       = "/stop"
	PathClean      = "/clean"
	PathHealth     = "/health"
	PathStatus     = "/status"
	PathMetrics    = "/metrics"
)

// StartRequest is the body of POST /start.
type StartRequest struct {
	ProjectID string `json:"projectId"`
}

// StartResponse is returned by POST /start.
type StartResponse struct {
	ProjectID string `json:"projectId"`
	Root      string `json:"root"`
}

// MountRequest is the body of POST /mount. Exactly one of Files or
// ProjectID is set; ProjectID asks the server to load the persisted project.
type MountRequest struct {
	Files     filetree.Tree `json:"files,omitempty"`
	ProjectID string        `json:"projectId,omitempty"`
}

// MountResponse reports what was written. Files is only returned for a
// mount by project id, so the caller learns the tree it did not send.
type MountResponse struct {
	Count int           `json:"count"`
	Hash  string        `json:"hash"`
	Files filetree.Tree `json:"files,omitempty"`
}

// ExecRequest is the body of POST /exec and the query of GET /exec-stream.
type ExecRequest struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// ExecResponse is the buffered result of POST /exec.
type ExecResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// CleanRequest is the body of POST /clean.
type CleanRequest struct {
	Full bool `json:"full"`
}

// StopResponse is returned by POST /stop.
type StopResponse struct {
	Stopped int `json:"stopped"`
}

// ServerStatus is returned by GET /status.
type ServerStatus struct {
	ProjectID string `json:"projectId,omitempty"`
	Processes int    `json:"processes"`
	PID       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
}

// Frame is one server-sent event of an exec stream. Exactly one field is set.
type Frame struct {
	Output *string `json:"output,omitempty"`
	Ready  string  `json:"ready,omitempty"`
	Done   *int    `json:"done,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// OutputFrame wraps one output line.
func OutputFrame(line string) Frame { return Frame{Output: &line} }

// DoneFrame carries the exit code.
func DoneFrame(code int) Frame { return Frame{Done: &code} }

// Query encodes r as exec-stream query parameters. Args and Env are JSON
// encoded so values may contain any character.
func (r ExecRequest) Query() url.Values {
	q := url.Values{}
	q.Set("cmd", r.Cmd)
	if len(r.Args) > 0 {
		data, _ := json.Marshal(r.Args)
		q.Set("args", string(data))
	}
	if len(r.Env) > 0 {
		data, _ := json.Marshal(r.Env)
		q.Set("env", string(data))
	}
	return q
}

// ParseExecQuery is the inverse of ExecRequest.Query.
func ParseExecQuery(q url.Values) (ExecRequest, error) {
	req := ExecRequest{Cmd: q.Get("cmd")}
	if req.Cmd == "" {
		return req, fmt.Errorf("missing cmd")
	}
	if raw := q.Get("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Args); err != nil {
			return req, fmt.Errorf("invalid args: %w", err)
		}
	}
	if raw := q.Get("env"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Env); err != nil {
			return req, fmt.Errorf("invalid env: %w", err)
		}
	}
	return req, nil
}
