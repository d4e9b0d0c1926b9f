// Package server implements the companion process: an HTTP server that
// materialises one project at a time in a workspace directory and runs
// commands in it on behalf of the companion and desktop backends.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grovetools/preview/command"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/backend/companion"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/grovetools/preview/pkg/metrics"
	"github.com/grovetools/preview/pkg/project"
	"github.com/grovetools/preview/pkg/workdir"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Options configure a Server.
type Options struct {
	// WorkDir holds one sub-directory per project.
	WorkDir string
	// Keep lists extra patterns a partial clean preserves.
	Keep []string
	// Kits and Projects serve mount-by-project-id; either may be nil.
	Kits     *kit.Registry
	Projects *project.Store
}

// Server is the companion HTTP server.
type Server struct {
	opts      Options
	logger    *logrus.Entry
	server    *http.Server
	startedAt time.Time

	mu        sync.Mutex
	projectID string
	dir       *workdir.Dir
	procs     map[*command.Process]struct{}
}

// New creates a new Server instance.
func New(opts Options, logger *logrus.Entry) *Server {
	return &Server{
		opts:      opts,
		logger:    logger,
		startedAt: time.Now(),
		procs:     make(map[*command.Process]struct{}),
	}
}

// Handler returns the routed handler with request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(companion.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle(companion.PathMetrics, metrics.Handler())

	mux.HandleFunc(companion.PathStatus, s.handleStatus)
	mux.HandleFunc(companion.PathStart, s.handleStart)
	mux.HandleFunc(companion.PathMount, s.handleMount)
	mux.HandleFunc(companion.PathExec, s.handleExec)
	mux.HandleFunc(companion.PathExecStream, s.handleExecStream)
	mux.HandleFunc(companion.PathStop, s.handleStop)
	mux.HandleFunc(companion.PathClean, s.handleClean)

	return metrics.Middleware(mux)
}

// Listen opens a TCP listener for a host:port address, or a unix socket
// for anything else.
func Listen(addr string) (net.Listener, error) {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return net.Listen("tcp", addr)
	}

	// Cleanup stale socket
	if _, err := os.Stat(addr); err == nil {
		if err := os.Remove(addr); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(addr), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket: %w", err)
	}
	// Set restrictive permissions on socket
	if err := os.Chmod(addr, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return listener, nil
}

// Serve blocks serving on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.server = &http.Server{
		Handler: h2c.NewHandler(s.Handler(), &http2.Server{}),
	}
	s.logger.WithField("addr", listener.Addr().String()).Info("Companion listening")
	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown kills running commands and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	s.stopAll(ctx)
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// workspace returns the started project's directory.
func (s *Server) workspace() (*workdir.Dir, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == nil {
		return nil, errors.NotInitialized("companion")
	}
	return s.dir, nil
}

func (s *Server) track(proc *command.Process) func() {
	s.mu.Lock()
	s.procs[proc] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.procs, proc)
		s.mu.Unlock()
	}
}

// stopAll kills every tracked process and waits for them within ctx.
func (s *Server) stopAll(ctx context.Context) int {
	s.mu.Lock()
	procs := make([]*command.Process, 0, len(s.procs))
	for p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	for _, p := range procs {
		if _, err := p.Wait(ctx); err != nil {
			s.logger.WithError(err).Warn("Process did not exit after kill")
		}
	}
	return len(procs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st := companion.ServerStatus{
		ProjectID: s.projectID,
		Processes: len(s.procs),
		PID:       os.Getpid(),
		StartedAt: s.startedAt.UTC().Format(time.RFC3339),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req companion.StartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = "scratch"
	}
	if err := command.NewSafeBuilder().Validate("projectID", req.ProjectID); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid project id"))
		return
	}

	s.mu.Lock()
	same := s.dir != nil && s.projectID == req.ProjectID
	s.mu.Unlock()

	if !same {
		s.stopAll(r.Context())
		dir, err := workdir.New(filepath.Join(s.opts.WorkDir, req.ProjectID), s.opts.Keep, s.logger)
		if err != nil {
			writeError(w, err)
			return
		}
		s.mu.Lock()
		s.projectID = req.ProjectID
		s.dir = dir
		s.mu.Unlock()
		s.logger.WithField("project", req.ProjectID).Info("Project started")
	}

	dir, _ := s.workspace()
	writeJSON(w, http.StatusOK, companion.StartResponse{ProjectID: req.ProjectID, Root: dir.Root()})
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	dir, err := s.workspace()
	if err != nil {
		writeError(w, err)
		return
	}
	var req companion.MountRequest
	if !decode(w, r, &req) {
		return
	}

	tree := req.Files
	var resp companion.MountResponse
	if req.ProjectID != "" {
		tree, err = s.loadProject(req.ProjectID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Files = tree
	}
	if err := dir.Mount(tree); err != nil {
		writeError(w, err)
		return
	}

	resp.Count = len(filetree.Flatten(tree))
	resp.Hash = filetree.Hash(tree)
	s.logger.WithFields(logrus.Fields{"files": resp.Count, "byId": req.ProjectID != ""}).Debug("Mounted")
	writeJSON(w, http.StatusOK, resp)
}

// loadProject builds the working tree of a persisted project: its files
// overlaid on its kit.
func (s *Server) loadProject(id string) (filetree.Tree, error) {
	if s.opts.Projects == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "companion has no project store")
	}
	rec, err := s.opts.Projects.Get(id)
	if err != nil {
		return nil, err
	}
	base := filetree.Tree{}
	if s.opts.Kits != nil {
		k, err := s.opts.Kits.Get(rec.SelectedKitID)
		if err != nil {
			return nil, err
		}
		base = k.Files
	}
	return filetree.Merge(base, rec.Files), nil
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	dir, err := s.workspace()
	if err != nil {
		writeError(w, err)
		return
	}
	var req companion.ExecRequest
	if !decode(w, r, &req) {
		return
	}

	proc, err := dir.Start(r.Context(), req.Cmd, req.Args, req.Env)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.track(proc)()

	out, code, err := proc.Collect(r.Context())
	if err != nil {
		proc.Kill()
		writeError(w, errors.CommandFailed(req.Cmd, err))
		return
	}
	writeJSON(w, http.StatusOK, companion.ExecResponse{Output: out, ExitCode: code})
}

// handleExecStream runs a command and streams its output as server-sent
// events. The command is killed when the client goes away.
func (s *Server) handleExecStream(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	dir, err := s.workspace()
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := companion.ParseExecQuery(r.URL.Query())
	if err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid exec-stream query"))
		return
	}

	// Ensure the connection supports flushing
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	proc, err := dir.StartService(r.Context(), req.Cmd, req.Args, req.Env)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.track(proc)()
	defer metrics.ExecStreamOpened()()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	send := func(f companion.Frame) {
		data, err := json.Marshal(f)
		if err != nil {
			s.logger.WithError(err).Error("Failed to marshal frame")
			return
		}
		// SSE format: "data: {json}\n\n"
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	logger := s.logger.WithField("cmd", req.Cmd)
	logger.Debug("Exec stream opened")
	ready := false
	for line := range proc.Output {
		send(companion.OutputFrame(line))
		if !ready {
			if url, ok := backend.DetectReadyURL(line); ok {
				ready = true
				send(companion.Frame{Ready: url})
			}
		}
	}

	code, err := proc.Wait(r.Context())
	if err != nil {
		if r.Context().Err() == nil {
			send(companion.Frame{Error: err.Error()})
		}
		logger.Debug("Exec stream closed by client")
		return
	}
	send(companion.DoneFrame(code))
	logger.WithField("exitCode", code).Debug("Exec stream finished")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if _, err := s.workspace(); err != nil {
		writeError(w, err)
		return
	}
	n := s.stopAll(r.Context())
	writeJSON(w, http.StatusOK, companion.StopResponse{Stopped: n})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	dir, err := s.workspace()
	if err != nil {
		writeError(w, err)
		return
	}
	var req companion.CleanRequest
	if !decode(w, r, &req) {
		return
	}
	if err := dir.Clean(req.Full); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"full": req.Full})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends err as a GroveError body with a status derived from its code.
func writeError(w http.ResponseWriter, err error) {
	ge, ok := err.(*errors.GroveError)
	if !ok {
		ge = errors.Wrap(err, errors.ErrCodeInternal, err.Error())
	}
	writeJSON(w, statusFor(ge.Code), ge)
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeBackendNotReady:
		return http.StatusConflict
	case errors.ErrCodeInvalidInput, errors.ErrCodeCommandFailed:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound, errors.ErrCodeKitNotFound:
		return http.StatusNotFound
	case errors.ErrCodeProjectInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
