// Package bridge is the loopback-only code execution sidecar. It accepts
// short Python snippets over HTTP, screens them against a denylist, runs
// them under a hard timeout, and logs every request without ever persisting
// full code bodies.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/store"
)

const (
	// DefaultExecTimeout is the hard wall-clock limit on one execution.
	DefaultExecTimeout = 20 * time.Second

	// KeyHeader carries the shared secret.
	KeyHeader = "X-Bridge-Key"

	// previewLen bounds the code preview written to the log.
	previewLen = 80

	logFile = "logs/bridge.jsonl"
)

// Config configures the bridge server.
type Config struct {
	Host        string
	Port        int
	Secret      string
	ExecTimeout time.Duration
	// Python is the interpreter binary. Defaults to python3.
	Python string
}

// DefaultConfig returns the standard bridge configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        5050,
		ExecTimeout: DefaultExecTimeout,
		Python:      "python3",
	}
}

// executor runs code and returns its combined output and exit code.
type executor func(ctx context.Context, code string) (output string, returnCode int, err error)

// Server is the bridge HTTP server.
type Server struct {
	cfg        *Config
	secretHash []byte
	store      *store.Store
	log        *logging.Logger
	httpServer *http.Server
	exec       executor
}

// NewServer creates the bridge. The secret is bcrypt-hashed immediately and
// never kept in plain text.
func NewServer(cfg *Config, st *store.Store) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if !isLoopback(cfg.Host) {
		return nil, fmt.Errorf("bridge host %q is not a loopback address", cfg.Host)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("bridge secret must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash bridge secret: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		secretHash: hash,
		store:      st,
		log:        logging.Global().WithComponent("Bridge"),
	}
	s.exec = s.runPython
	return s, nil
}

// Handler returns the bridge's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// Start begins serving on the configured loopback address.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}
	s.log.Info("bridge listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type runRequest struct {
	Code string `json:"code"`
}

type runResponse struct {
	OK         bool   `json:"ok"`
	Output     string `json:"output"`
	ReturnCode int    `json:"return_code"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleRun enforces, in order: peer address, key, then payload screening.
// A non-loopback peer is rejected before anything else happens.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !requestFromLoopback(r) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "loopback connections only"})
		return
	}

	key := r.Header.Get(KeyHeader)
	if bcrypt.CompareHashAndPassword(s.secretHash, []byte(key)) != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid bridge key"})
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	if reason := screen(req.Code); reason != "" {
		s.logRun(false, req.Code, "")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "denied: " + reason})
		return
	}

	// A dropped client connection must not kill a running execution; only
	// the timeout does. The run is audited either way.
	ctx, cancel := logging.DetachContextWithTimeout(r.Context(), s.cfg.ExecTimeout)
	defer cancel()

	output, returnCode, err := s.exec(ctx, req.Code)
	ok := err == nil && returnCode == 0
	if ctx.Err() == context.DeadlineExceeded {
		output = fmt.Sprintf("execution timed out after %v", s.cfg.ExecTimeout)
		returnCode = -1
		ok = false
	}

	s.logRun(ok, req.Code, output)
	writeJSON(w, http.StatusOK, runResponse{OK: ok, Output: output, ReturnCode: returnCode})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "running",
		"host":   s.cfg.Host,
		"port":   s.cfg.Port,
	})
}

// runPython executes code via the interpreter, capturing combined output.
func (s *Server) runPython(ctx context.Context, code string) (string, int, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Python, "-c", code)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	returnCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		returnCode = exitErr.ExitCode()
		err = nil
	}
	return out.String(), returnCode, err
}

type runLogEntry struct {
	Timestamp string `json:"ts"`
	OK        bool   `json:"ok"`
	CodeLen   int    `json:"code_len"`
	OutputLen int    `json:"output_len"`
	Preview   string `json:"preview"`
}

// logRun records the request shape, never the full code body.
func (s *Server) logRun(ok bool, code, output string) {
	if s.store == nil {
		return
	}
	preview := code
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	entry := runLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		OK:        ok,
		CodeLen:   len(code),
		OutputLen: len(output),
		Preview:   preview,
	}
	if err := s.store.AppendLine(logFile, entry); err != nil {
		s.log.Warn("bridge log append failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requestFromLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
