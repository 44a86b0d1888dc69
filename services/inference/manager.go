// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference owns the subprocess lifecycle of the per-model inference
// servers: spawn with deterministic ports, stderr readiness scanning,
// graceful termination, and an OpenAI-compatible call primitive.
package inference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/Armada/services/events"
	"github.com/AleutianAI/Armada/services/registry"
)

// =============================================================================
// Configuration
// =============================================================================

// defaultReadyPattern matches llama-server's startup lines. Fragile by
// nature (it depends on the binary's log format), hence configurable.
const defaultReadyPattern = `(?i)listening on|http server listening`

// Config holds the manager's launch parameters.
type Config struct {
	// BinaryPath is the inference server executable.
	BinaryPath string
	// BindHost is where subprocesses bind and where calls are sent. When the
	// orchestrator runs in a separate network namespace from the inference
	// hosts, set this to the gateway hostname; the port is the contract.
	BindHost string
	// ContextSize is passed as --ctx-size.
	ContextSize int
	// MaxStartup bounds the wait for the readiness line.
	MaxStartup time.Duration
	// StopGrace is the SIGTERM→SIGKILL window.
	StopGrace time.Duration
	// ConcurrentStarts enables parallel StartAll.
	ConcurrentStarts bool
	// CallTimeout is the default per-call timeout.
	CallTimeout time.Duration
	// ReadyPattern overrides defaultReadyPattern when non-empty.
	ReadyPattern string
	// ExtraArgs are appended to the subprocess command line.
	ExtraArgs []string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BindHost == "" {
		out.BindHost = "127.0.0.1"
	}
	if out.ContextSize <= 0 {
		out.ContextSize = 16384
	}
	if out.MaxStartup <= 0 {
		out.MaxStartup = 120 * time.Second
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 10 * time.Second
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 120 * time.Second
	}
	if out.ReadyPattern == "" {
		out.ReadyPattern = defaultReadyPattern
	}
	return out
}

// =============================================================================
// Server Handle
// =============================================================================

// Server is the runtime handle of one inference subprocess. At most one
// Server exists per model id.
type Server struct {
	ModelID   string    `json:"modelId"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`

	ready atomic.Bool
	cmd   *exec.Cmd
	// done closes when the process exits.
	done chan struct{}
}

// Ready reports whether the server reached readiness and has not exited.
func (s *Server) Ready() bool { return s.ready.Load() }

// Uptime is the time since the process started.
func (s *Server) Uptime() time.Duration { return time.Since(s.StartedAt) }

// View is the wire representation of a running server.
type View struct {
	ModelID   string    `json:"modelId"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Ready     bool      `json:"ready"`
	StartedAt time.Time `json:"startedAt"`
	UptimeSec float64   `json:"uptimeSec"`
}

// StartOutcome is one model's result within StartAll.
type StartOutcome struct {
	ModelID string `json:"modelId"`
	Port    int    `json:"port,omitempty"`
	Error   string `json:"error,omitempty"`
}

// =============================================================================
// Manager
// =============================================================================

// Manager supervises all inference subprocesses.
//
// Thread Safety: Manager is safe for concurrent use. One mutex guards the
// handle map; subprocess I/O runs lock-free in per-server goroutines.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*Server
	cfg     Config
	readyRe *regexp.Regexp
	bus     *events.Bus
	client  *http.Client
}

// NewManager creates a Manager. A nil bus disables event emission.
func NewManager(cfg Config, bus *events.Bus) (*Manager, error) {
	cfg = cfg.withDefaults()
	re, err := regexp.Compile(cfg.ReadyPattern)
	if err != nil {
		return nil, fmt.Errorf("readiness pattern: %w", err)
	}
	return &Manager{
		servers: map[string]*Server{},
		cfg:     cfg,
		readyRe: re,
		bus:     bus,
		// No client-level timeout: per-call deadlines come from contexts so
		// long generations are not cut off by a transport-wide cap.
		client: &http.Client{},
	}, nil
}

// Start launches the inference server for a model.
//
// Description:
//
//	Idempotent: if a handle already exists for the model id, it is returned
//	unchanged. Otherwise the binary is spawned in its own process
//	group, stderr is scanned line-by-line for the readiness pattern, and
//	Start blocks until readiness, startup timeout, early exit, or context
//	cancellation. On timeout the process is killed and a STARTUP_TIMEOUT
//	CallError returned.
func (m *Manager) Start(ctx context.Context, model registry.Model) (*Server, error) {
	m.mu.Lock()
	if existing, ok := m.servers[model.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	args := []string{
		"--model", model.Path,
		"--host", m.cfg.BindHost,
		"--port", strconv.Itoa(model.Port),
		"--ctx-size", strconv.Itoa(m.cfg.ContextSize),
	}
	args = append(args, m.cfg.ExtraArgs...)

	cmd := exec.Command(m.cfg.BinaryPath, args...)
	// Own process group so Stop can signal the whole worker tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", m.cfg.BinaryPath, err)
	}

	srv := &Server{
		ModelID:   model.ID,
		PID:       cmd.Process.Pid,
		Port:      model.Port,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if existing, ok := m.servers[model.ID]; ok {
		// Lost a start race; keep the winner and dispose of ours.
		m.mu.Unlock()
		_ = signalGroup(cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
		return existing, nil
	}
	m.servers[model.ID] = srv
	m.mu.Unlock()

	recordServerStart(model.ID)
	slog.Info("inference server starting",
		"model_id", model.ID, "pid", srv.PID, "port", srv.Port)

	readyCh := make(chan struct{})
	go m.scanStderr(srv, stderr, readyCh)
	go m.reap(srv)

	select {
	case <-readyCh:
		srv.ready.Store(true)
		recordServerReady(model.ID, time.Since(srv.StartedAt))
		m.emit(events.TypeServerStarted, events.SeverityInfo,
			fmt.Sprintf("inference server for %s ready on port %d", model.ID, srv.Port),
			map[string]any{"modelId": model.ID, "port": srv.Port, "pid": srv.PID})
		return srv, nil
	case <-srv.done:
		m.remove(model.ID, srv)
		recordServerFailure(model.ID, "early_exit")
		return nil, &CallError{Kind: ErrStartup, ModelID: model.ID,
			Err: errors.New("process exited before readiness")}
	case <-time.After(m.cfg.MaxStartup):
		m.killAndRemove(model.ID, srv)
		recordServerFailure(model.ID, "startup_timeout")
		return nil, &CallError{Kind: ErrStartup, ModelID: model.ID,
			Err: fmt.Errorf("no readiness line within %s", m.cfg.MaxStartup)}
	case <-ctx.Done():
		m.killAndRemove(model.ID, srv)
		return nil, ctx.Err()
	}
}

// scanStderr consumes the subprocess's stderr, logging every line and
// closing readyCh on the first readiness match.
func (m *Manager) scanStderr(srv *Server, r io.Reader, readyCh chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	signalled := false
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("inference stderr", "model_id", srv.ModelID, "line", line)
		if !signalled && m.readyRe.MatchString(line) {
			signalled = true
			close(readyCh)
		}
	}
}

// reap waits for process exit, flips ready off, removes the handle, and
// emits server_died when the exit was not manager-initiated.
func (m *Manager) reap(srv *Server) {
	err := srv.cmd.Wait()
	wasReady := srv.ready.Swap(false)
	close(srv.done)

	m.mu.Lock()
	current, ok := m.servers[srv.ModelID]
	if ok && current == srv {
		delete(m.servers, srv.ModelID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok && wasReady {
		slog.Error("inference server died",
			"model_id", srv.ModelID, "pid", srv.PID, "error", err)
		recordServerFailure(srv.ModelID, "died")
		m.emit(events.TypeServerDied, events.SeverityError,
			fmt.Sprintf("inference server for %s exited unexpectedly", srv.ModelID),
			map[string]any{"modelId": srv.ModelID, "pid": srv.PID})
	}
}

// Stop terminates the server for a model id: SIGTERM, wait up to the grace
// window, then SIGKILL. The handle is always removed. Stopping an unknown id
// is a no-op.
func (m *Manager) Stop(modelID string) error {
	m.mu.Lock()
	srv, ok := m.servers[modelID]
	if ok {
		delete(m.servers, modelID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	srv.ready.Store(false)

	_ = signalGroup(srv.PID, unix.SIGTERM)
	select {
	case <-srv.done:
	case <-time.After(m.cfg.StopGrace):
		slog.Warn("grace window elapsed, killing inference server",
			"model_id", modelID, "pid", srv.PID)
		_ = signalGroup(srv.PID, unix.SIGKILL)
		<-srv.done
	}
	slog.Info("inference server stopped", "model_id", modelID, "pid", srv.PID)
	m.emit(events.TypeServerStopped, events.SeverityInfo,
		fmt.Sprintf("inference server for %s stopped", modelID),
		map[string]any{"modelId": modelID})
	return nil
}

// StartAll starts servers for all given models, concurrently when
// configured. One model's failure never aborts the others.
func (m *Manager) StartAll(ctx context.Context, models []registry.Model) []StartOutcome {
	outcomes := make([]StartOutcome, len(models))
	if m.cfg.ConcurrentStarts {
		// Plain group, not WithContext: one model's failure must not cancel
		// its siblings' startups.
		var g errgroup.Group
		for i, model := range models {
			g.Go(func() error {
				outcomes[i] = m.startOne(ctx, model)
				return nil
			})
		}
		_ = g.Wait()
		return outcomes
	}
	for i, model := range models {
		outcomes[i] = m.startOne(ctx, model)
	}
	return outcomes
}

func (m *Manager) startOne(ctx context.Context, model registry.Model) StartOutcome {
	out := StartOutcome{ModelID: model.ID, Port: model.Port}
	if _, err := m.Start(ctx, model); err != nil {
		out.Error = err.Error()
	}
	return out
}

// StopAll stops every running server concurrently with grace.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Stop(id)
		}()
	}
	wg.Wait()
}

// Get returns the handle for a model id.
func (m *Manager) Get(modelID string) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[modelID]
	return srv, ok
}

// IsReady reports whether the model has a READY server.
func (m *Manager) IsReady(modelID string) bool {
	srv, ok := m.Get(modelID)
	return ok && srv.Ready()
}

// Servers returns wire views of all handles, sorted by model id upstream.
func (m *Manager) Servers() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]View, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, View{
			ModelID:   srv.ModelID,
			PID:       srv.PID,
			Port:      srv.Port,
			Ready:     srv.Ready(),
			StartedAt: srv.StartedAt,
			UptimeSec: srv.Uptime().Seconds(),
		})
	}
	return out
}

// Call generates a completion on the model's server.
//
// Description:
//
//	Fails fast with NOT_RUNNING / NOT_READY before touching the network.
//	timeout ≤ 0 selects the configured default. The context propagates
//	client-disconnect cancellation into the underlying HTTP request.
func (m *Manager) Call(ctx context.Context, modelID, prompt string,
	maxTokens int, temperature float64, timeout time.Duration) (CallResult, error) {

	srv, ok := m.Get(modelID)
	if !ok {
		return CallResult{}, &CallError{Kind: ErrNotRunning, ModelID: modelID,
			Err: errors.New("no server handle")}
	}
	if !srv.Ready() {
		return CallResult{}, &CallError{Kind: ErrNotReady, ModelID: modelID,
			Err: errors.New("server has not reached readiness")}
	}
	if timeout <= 0 {
		timeout = m.cfg.CallTimeout
	}
	res, err := chatCall(ctx, m.client, m.cfg.BindHost, srv.Port,
		modelID, prompt, maxTokens, temperature, timeout)
	observeCall(modelID, res.Duration, err)
	return res, err
}

// remove deletes the handle only if it still maps to srv.
func (m *Manager) remove(modelID string, srv *Server) {
	m.mu.Lock()
	if current, ok := m.servers[modelID]; ok && current == srv {
		delete(m.servers, modelID)
	}
	m.mu.Unlock()
}

// killAndRemove force-kills srv's process group and removes the handle.
func (m *Manager) killAndRemove(modelID string, srv *Server) {
	_ = signalGroup(srv.PID, unix.SIGTERM)
	select {
	case <-srv.done:
	case <-time.After(2 * time.Second):
		_ = signalGroup(srv.PID, unix.SIGKILL)
		<-srv.done
	}
	m.remove(modelID, srv)
}

// signalGroup signals the whole process group of pid.
func signalGroup(pid int, sig unix.Signal) error {
	return unix.Kill(-pid, sig)
}

// emit publishes on the bus when wired.
func (m *Manager) emit(t events.Type, sev events.Severity, msg string, md map[string]any) {
	if m.bus != nil {
		m.bus.EmitSystem(t, sev, msg, md)
	}
}
