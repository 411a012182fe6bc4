package dbtools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

// Server speaks newline-delimited JSON-RPC over a reader/writer pair,
// answering the closed set of methods the agent consumes: initialize,
// the initialized notification, tool discovery under its canonical and
// alias names, and tools/call. Anything else gets a method-not-found
// error rather than a silent drop.
type Server struct {
	info   protocol.Info
	reg    *Registry
	logger *slog.Logger
}

// NewServer creates a server over the given registry.
func NewServer(info protocol.Info, reg *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{info: info, reg: reg, logger: logger}
}

// Serve reads requests line by line until end of stream or context
// cancellation. Requests are handled sequentially, so responses go out in
// request order and the writer needs no extra serialization.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := br.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			s.handleLine(ctx, line, w)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line string, w io.Writer) {
	msg, ok := protocol.Parse(line)
	if !ok {
		s.logger.Warn("ignoring non-protocol input", "line", line)
		return
	}

	switch msg.Kind() {
	case protocol.KindNotification:
		// The only notification the agent sends is initialized; nothing
		// to do for it, and unknown notifications are not answerable.
		s.logger.Debug("notification received", "method", msg.Method)
		return
	case protocol.KindRequest:
	default:
		s.logger.Warn("ignoring unexpected message", "line", line)
		return
	}

	switch msg.Method {
	case protocol.MethodInitialize:
		s.reply(w, *msg.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.MCPVersion,
			Capabilities: protocol.ServerCapabilities{
				Tools: &protocol.ToolsCapability{},
			},
			ServerInfo: s.info,
		})

	case protocol.MethodToolsList, "list_tools", "get_tools", "capabilities":
		regs := s.reg.Registrations()
		tools := make([]protocol.Tool, 0, len(regs))
		for _, reg := range regs {
			tools = append(tools, protocol.Tool{
				Name:        reg.Name,
				Description: reg.Description,
				InputSchema: reg.InputSchema,
			})
		}
		s.reply(w, *msg.ID, protocol.ListToolsResult{Tools: tools})

	case protocol.MethodToolsCall:
		s.handleCall(ctx, w, msg)

	default:
		s.replyError(w, *msg.ID, protocol.Error{
			Code:    protocol.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		})
	}
}

func (s *Server) handleCall(ctx context.Context, w io.Writer, msg protocol.Message) {
	var params protocol.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyError(w, *msg.ID, protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("invalid tools/call params: %v", err),
		})
		return
	}

	text, err := s.reg.Call(ctx, params.Name, Arguments(params.Arguments))
	if errors.Is(err, ErrUnknownTool) {
		s.replyError(w, *msg.ID, protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("unknown tool %q", params.Name),
		})
		return
	}
	if err != nil {
		// Tool failures travel as isError results so the session stays
		// healthy and the agent can show the message.
		s.logger.Warn("tool call failed", "tool", params.Name, "err", err)
		result := protocol.TextResult(err.Error())
		result.IsError = true
		s.reply(w, *msg.ID, result)
		return
	}
	s.reply(w, *msg.ID, protocol.TextResult(text))
}

func (s *Server) reply(w io.Writer, id int64, result any) {
	bs, err := json.Marshal(result)
	if err != nil {
		s.replyError(w, id, protocol.Error{
			Code:    protocol.CodeInternalError,
			Message: fmt.Sprintf("failed to marshal result: %v", err),
		})
		return
	}
	s.write(w, protocol.Message{JSONRPC: protocol.Version, ID: &id, Result: bs})
}

func (s *Server) replyError(w io.Writer, id int64, perr protocol.Error) {
	s.write(w, protocol.Message{JSONRPC: protocol.Version, ID: &id, Error: &perr})
}

func (s *Server) write(w io.Writer, msg protocol.Message) {
	bs, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal response", "err", err)
		return
	}
	if _, err := w.Write(append(bs, '\n')); err != nil {
		s.logger.Error("failed to write response", "err", err)
	}
}
