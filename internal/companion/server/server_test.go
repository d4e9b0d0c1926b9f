package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/backend/companion"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/grovetools/preview/pkg/project"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	projects := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projects, "saved.json"), []byte(`{
		"id": "saved", "name": "Saved",
		"files": {"src": {"directory": {"app.ts": {"file": {"contents": "saved"}}}}}
	}`), 0644))

	kits, err := kit.NewRegistry("")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	s := New(Options{
		WorkDir:  t.TempDir(),
		Kits:     kits,
		Projects: project.NewStore(projects),
	}, logrus.NewEntry(logger))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, ts *httptest.Server, path string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNotStarted(t *testing.T) {
	_, ts := newTestServer(t)

	var ge errors.GroveError
	status := post(t, ts, companion.PathExec, companion.ExecRequest{Cmd: "echo"}, &ge)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.ErrCodeBackendNotReady, ge.Code)

	resp, err := http.Get(ts.URL + companion.PathExecStream + "?cmd=echo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartMountExec(t *testing.T) {
	_, ts := newTestServer(t)

	var started companion.StartResponse
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathStart, companion.StartRequest{ProjectID: "p1"}, &started))
	assert.Equal(t, "p1", started.ProjectID)
	assert.DirExists(t, started.Root)

	var mounted companion.MountResponse
	files := map[string]interface{}{
		"src": map[string]interface{}{"directory": map[string]interface{}{
			"app.ts": map[string]interface{}{"file": map[string]string{"contents": "hello"}},
		}},
	}
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathMount, map[string]interface{}{"files": files}, &mounted))
	assert.Equal(t, 1, mounted.Count)
	assert.Empty(t, mounted.Files)

	var out companion.ExecResponse
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathExec, companion.ExecRequest{
		Cmd:  "sh",
		Args: []string{"-c", "cat src/app.ts; echo; echo $GREETING; exit 4"},
		Env:  map[string]string{"GREETING": "hi"},
	}, &out))
	assert.Equal(t, 4, out.ExitCode)
	assert.Equal(t, "hello\nhi", out.Output)

	var st companion.ServerStatus
	resp, err := http.Get(ts.URL + companion.PathStatus)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "p1", st.ProjectID)
	assert.Equal(t, 0, st.Processes)
	assert.Equal(t, os.Getpid(), st.PID)
}

func TestInvalidRequests(t *testing.T) {
	_, ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, post(t, ts, companion.PathStart, companion.StartRequest{ProjectID: "../x"}, nil))

	resp, err := http.Get(ts.URL + companion.PathStart)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	require.Equal(t, http.StatusOK, post(t, ts, companion.PathStart, companion.StartRequest{ProjectID: "p"}, nil))
	resp, err = http.Get(ts.URL + companion.PathExecStream)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, post(t, ts, companion.PathExec, companion.ExecRequest{Cmd: "rm;ls"}, nil))
}

func TestMountByProjectID(t *testing.T) {
	_, ts := newTestServer(t)
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathStart, companion.StartRequest{ProjectID: "saved"}, nil))

	var mounted companion.MountResponse
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathMount, companion.MountRequest{ProjectID: "saved"}, &mounted))
	assert.Greater(t, mounted.Count, 1, "kit files are merged under the project files")
	assert.NotEmpty(t, mounted.Hash)
	assert.Contains(t, mounted.Files, "package.json")
	assert.Contains(t, mounted.Files, "src")

	var ge errors.GroveError
	assert.Equal(t, http.StatusNotFound, post(t, ts, companion.PathMount, companion.MountRequest{ProjectID: "missing"}, &ge))
	assert.Equal(t, errors.ErrCodeNotFound, ge.Code)
}

func readFrames(t *testing.T, resp *http.Response) []companion.Frame {
	t.Helper()
	var frames []companion.Frame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f companion.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	return frames
}

func TestExecStream(t *testing.T) {
	_, ts := newTestServer(t)
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathStart, companion.StartRequest{ProjectID: "p"}, nil))

	q := companion.ExecRequest{
		Cmd:  "sh",
		Args: []string{"-c", "echo building; echo '  Local: http://localhost:5173/'; echo; exit 2"},
	}.Query()
	resp, err := http.Get(ts.URL + companion.PathExecStream + "?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp)
	require.Len(t, frames, 5)
	assert.Equal(t, "building", *frames[0].Output)
	assert.Equal(t, "  Local: http://localhost:5173/", *frames[1].Output)
	assert.Equal(t, "http://localhost:5173/", frames[2].Ready)
	assert.Equal(t, "", *frames[3].Output, "empty lines are kept")
	require.NotNil(t, frames[4].Done)
	assert.Equal(t, 2, *frames[4].Done)
}

func TestCleanAndStop(t *testing.T) {
	_, ts := newTestServer(t)
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathStart, companion.StartRequest{ProjectID: "p"}, nil))

	files := map[string]interface{}{
		"a.txt": map[string]interface{}{"file": map[string]string{"contents": "a"}},
		"node_modules": map[string]interface{}{"directory": map[string]interface{}{
			"dep.js": map[string]interface{}{"file": map[string]string{"contents": "d"}},
		}},
	}
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathMount, map[string]interface{}{"files": files}, nil))
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathClean, companion.CleanRequest{Full: false}, nil))

	var out companion.ExecResponse
	post(t, ts, companion.PathExec, companion.ExecRequest{Cmd: "ls", Args: []string{"-A"}}, &out)
	assert.Equal(t, "node_modules", out.Output)

	var stopped companion.StopResponse
	require.Equal(t, http.StatusOK, post(t, ts, companion.PathStop, nil, &stopped))
	assert.Equal(t, 0, stopped.Stopped)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(errors.ErrCodeBackendNotReady))
	assert.Equal(t, http.StatusNotFound, statusFor(errors.ErrCodeKitNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(errors.ErrCodeProjectInvalid))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.ErrCodeTimeout))
}
