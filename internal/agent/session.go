// Package agent implements the protocol session against a stdio MCP tool
// server: it supervises the child process through the process package,
// pumps its output streams, correlates JSON-RPC responses back to their
// requests, and exposes typed handshake, discovery, and tool call
// operations on top.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/process"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

// State is the lifecycle phase of a Session.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultTerminateGrace = 5 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger for the session and everything it owns.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithRequestTimeout overrides the per-request response deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) { s.requestTimeout = d }
}

// WithTerminateGrace overrides how long Close waits for the child to exit
// after SIGTERM before force-killing it.
func WithTerminateGrace(d time.Duration) Option {
	return func(s *Session) { s.terminateGrace = d }
}

// WithNotificationHandler registers a sink for server notifications.
// Notifications are delivered in the order their lines were read on the
// stdout stream; they are never correlated.
func WithNotificationHandler(fn func(protocol.Message)) Option {
	return func(s *Session) { s.notify = fn }
}

// Session is one agent instance's connection to a tool server child
// process. It moves Uninitialized -> Handshaking -> Ready -> Closed; a
// session that never reaches Ready can still be closed without leaking
// the child.
type Session struct {
	id   string
	info protocol.Info
	spec process.Spec

	handle *process.Handle
	corr   *correlator
	diag   *stderrDiag

	serverInfo protocol.Info
	tools      []protocol.Tool

	requestTimeout time.Duration
	terminateGrace time.Duration
	notify         func(protocol.Message)
	logger         *slog.Logger

	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closeErr  error
}

// New creates a session for the child described by spec. The child is not
// started until Connect is called.
func New(spec process.Spec, info protocol.Info, options ...Option) *Session {
	s := &Session{
		id:             uuid.New().String(),
		info:           info,
		spec:           spec,
		diag:           &stderrDiag{},
		terminateGrace: defaultTerminateGrace,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// ID returns the unique identifier of this session.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ServerInfo returns the identity the server reported during the
// handshake.
func (s *Session) ServerInfo() protocol.Info { return s.serverInfo }

// Tools returns the discovered tool catalog. The slice is a copy; the
// catalog itself is populated once during Connect and read-only after.
func (s *Session) Tools() []protocol.Tool {
	tools := make([]protocol.Tool, len(s.tools))
	copy(tools, s.tools)
	return tools
}

// Connect spawns the child, drives the initialize/initialized handshake,
// and discovers the tool catalog. Any failure before Ready is fatal to
// session startup; the child is torn down before Connect returns the
// error.
func (s *Session) Connect(ctx context.Context) error {
	if st := s.State(); st != StateUninitialized {
		return fmt.Errorf("connect called in state %s", st)
	}

	handle, err := process.Start(ctx, s.spec)
	if err != nil {
		return fmt.Errorf("failed to start tool server: %w", err)
	}
	s.handle = handle

	s.corr = newCorrelator(handle.Stdin, s.requestTimeout, s.notify, s.logger)
	go s.corr.run()
	go pumpStdout(handle.Stdout, s.corr.lines, s.corr.done, s.logger)
	go pumpStderr(handle.Stderr, s.diag, s.logger)

	s.setState(StateHandshaking)

	if err := s.initialize(ctx); err != nil {
		closeErr := s.Close()
		if diag := s.diag.ConfigError(); diag != "" {
			err = fmt.Errorf("%w (server reported: %s)", err, diag)
		}
		if closeErr != nil {
			s.logger.Warn("teardown after failed handshake", "err", closeErr)
		}
		return fmt.Errorf("handshake failed: %w", err)
	}

	s.tools = s.discoverTools(ctx)
	s.setState(StateReady)

	s.logger.Info("session ready", "server", s.serverInfo.Name, "tools", len(s.tools))
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	params, err := json.Marshal(protocol.InitializeParams{
		ProtocolVersion: protocol.MCPVersion,
		Capabilities: protocol.ClientCapabilities{
			Roots:    &protocol.RootsCapability{ListChanged: true},
			Sampling: map[string]any{},
		},
		ClientInfo: s.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	raw, err := s.corr.call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return err
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != protocol.MCPVersion {
		s.logger.Warn("protocol version mismatch",
			"ours", protocol.MCPVersion, "theirs", result.ProtocolVersion)
	}
	s.serverInfo = result.ServerInfo

	// Fire-and-forget: the notification is not correlated, and a failed
	// send is not fatal to the handshake.
	if err := s.corr.notifyPeer(ctx, protocol.MethodInitialized, nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "err", err)
	}
	return nil
}

// discoverTools asks for the tool catalog, first with the canonical
// method, then with each fallback name while the catalog is still empty.
// Individual failures are logged and skipped; discovery degrades to an
// empty catalog rather than aborting the session.
func (s *Session) discoverTools(ctx context.Context) []protocol.Tool {
	seen := make(map[string]struct{})
	var tools []protocol.Tool

	collect := func(method string) {
		raw, err := s.corr.call(ctx, method, json.RawMessage(`{}`))
		if err != nil {
			s.logger.Warn("tool discovery call failed", "method", method, "err", err)
			return
		}
		var result protocol.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			s.logger.Warn("unusable tool discovery result", "method", method, "err", err)
			return
		}
		s.logger.Debug("tool discovery", "method", method, "tools", len(result.Tools))
		for _, t := range result.Tools {
			if _, ok := seen[t.Name]; ok {
				continue
			}
			seen[t.Name] = struct{}{}
			tools = append(tools, t)
		}
	}

	collect(protocol.MethodToolsList)
	if len(tools) == 0 {
		for _, method := range protocol.ToolsListFallbacks {
			collect(method)
		}
	}
	if len(tools) == 0 {
		s.logger.Warn("no tools discovered, continuing with empty catalog")
	}
	return tools
}

// CallTool invokes a discovered tool by name and returns its result. The
// error, if any, is scoped to this call; the session stays usable.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (protocol.CallToolResult, error) {
	if st := s.State(); st != StateReady {
		if st == StateClosed {
			return protocol.CallToolResult{}, &SessionClosedError{}
		}
		return protocol.CallToolResult{}, fmt.Errorf("call tool in state %s", st)
	}

	if args == nil {
		args = map[string]any{}
	}
	params, err := json.Marshal(protocol.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return protocol.CallToolResult{}, fmt.Errorf("failed to marshal call params: %w", err)
	}

	raw, err := s.corr.call(ctx, protocol.MethodToolsCall, params)
	if err != nil {
		return protocol.CallToolResult{}, err
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.CallToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return result, nil
}

// Close shuts the session down: outstanding requests fail immediately
// with SessionClosedError instead of waiting out their timeouts, then the
// child is terminated. Close is idempotent and safe from any state,
// including a session that never reached Ready.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.corr != nil {
			s.corr.stop()
		}
		if s.handle != nil {
			s.closeErr = s.handle.Terminate(s.terminateGrace)
		}
		s.logger.Info("session closed")
	})
	return s.closeErr
}
