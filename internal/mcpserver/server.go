package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"go2tv.app/mcp-avctl/internal/discovery"
	"go2tv.app/mcp-avctl/internal/domain"
	"go2tv.app/mcp-avctl/internal/session"
)

var (
	strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()

	filterReachable = discovery.FilterReachable
)

type Server struct {
	stream        *stream
	serverName    string
	serverVersion string
	logger        *slog.Logger
	tools         []tool
	handlers      map[string]toolHandler
	session       session.Control
	finder        session.Finder
}

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        *slog.Logger
	Session       session.Control
	Finder        session.Finder
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "mcp-avctl"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}

	s := &Server{
		stream:        newStream(in, out),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
		logger:        cfg.Logger,
		tools:         staticTools(),
		handlers:      toolHandlers(),
		session:       cfg.Session,
		finder:        cfg.Finder,
	}
	s.stream.onLock = func(jsonLine bool) {
		mode := "framed"
		if jsonLine {
			mode = "jsonline"
		}
		s.logLifecycle(slog.LevelDebug, "mcp_output_mode", slog.String("mode", mode))
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logLifecycle(slog.LevelInfo, "mcp_context_done", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		s.logLifecycle(slog.LevelDebug, "mcp_read_wait")
		payload, err := s.stream.read()
		if err != nil {
			if err == io.EOF {
				s.logLifecycle(slog.LevelInfo, "mcp_stream_eof")
				return nil
			}
			s.logLifecycle(slog.LevelError, "mcp_read_error", slog.String("error", err.Error()))
			return err
		}
		s.logLifecycle(slog.LevelDebug, "mcp_message_received", slog.Int("bytes", len(payload)))

		if err := s.handle(ctx, payload); err != nil {
			s.logLifecycle(slog.LevelError, "mcp_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := sonic.Unmarshal(payload, &req); err != nil {
		s.logCall("parse", "", startedAt, "-32700")
		return s.send(errorResponse(nil, rpcParseError))
	}

	if len(req.ID) == 0 {
		return nil
	}

	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		s.logCall(req.Method, "", startedAt, "-32600")
		return s.send(errorResponse(req.ID, rpcInvalidRequest))
	}

	switch req.Method {
	case "initialize":
		s.logCall("initialize", "", startedAt, "")
		return s.send(resultResponse(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: s.serverName, Version: s.serverVersion},
			Instructions:    "Call discover first, then select_server and select_renderer before browsing or controlling playback.",
		}))
	case "tools/list":
		s.logCall("tools/list", "", startedAt, "")
		return s.send(resultResponse(req.ID, toolsListResult{Tools: s.tools}))
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	default:
		s.logCall(req.Method, "", startedAt, "-32601")
		return s.send(errorResponse(req.ID, rpcMethodNotFound))
	}
}

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		return s.sendInvalidParams("tools/call", "", startedAt, id)
	}

	handler, ok := s.handlers[params.Name]
	if !ok {
		s.logCall(params.Name, "", startedAt, codeToolNotFound)
		return s.send(resultResponse(id, toolErrorResult(&domain.ToolError{
			Code:    codeToolNotFound,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		})))
	}
	if s.session == nil {
		s.logCall(params.Name, "", startedAt, codeSessionUnconfigured)
		return s.send(resultResponse(id, toolErrorResult(&domain.ToolError{
			Code:    codeSessionUnconfigured,
			Message: "media session is not configured",
		})))
	}

	outcome, err := handler(ctx, s, params.Arguments)
	if errors.Is(err, errInvalidParams) {
		return s.sendInvalidParams(params.Name, outcome.deviceID, startedAt, id)
	}
	if err != nil {
		tErr := asToolError(err)
		s.logCall(params.Name, outcome.deviceID, startedAt, tErr.Code)
		return s.send(resultResponse(id, toolErrorResult(tErr)))
	}
	s.logCall(params.Name, outcome.deviceID, startedAt, "")
	return s.send(resultResponse(id, outcomeResult(outcome)))
}

func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	nameRaw, ok := payload["name"]
	if !ok {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	var name string
	if err := sonic.Unmarshal(nameRaw, &name); err != nil {
		return toolsCallParams{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			normalized, err := sonic.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}

	if len(bytes.TrimSpace(arguments)) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	return toolsCallParams{
		Name:      name,
		Arguments: arguments,
	}, nil
}

// decodeStrict rejects unknown fields and anything after the first value.
func decodeStrict(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if !sonic.Valid(trimmed) {
		return fmt.Errorf("invalid JSON payload")
	}
	return strictJSON.Unmarshal(trimmed, out)
}

func (s *Server) sendInvalidParams(method, deviceID string, startedAt time.Time, id json.RawMessage) error {
	s.logCall(method, deviceID, startedAt, "-32602")
	return s.send(errorResponse(id, rpcInvalidParams))
}

func asToolError(err error) *domain.ToolError {
	var tErr *domain.ToolError
	if errors.As(err, &tErr) && tErr != nil && strings.TrimSpace(tErr.Code) != "" {
		return tErr
	}
	code := session.ErrorCode(err)
	message := err.Error()
	switch code {
	case session.CodeNoRendererSelected:
		message = "select a renderer first"
	case session.CodeNoServerSelected:
		message = "select a media server first"
	}
	return &domain.ToolError{Code: code, Message: message}
}

func (s *Server) logCall(method, deviceID string, startedAt time.Time, errorCode string) {
	if s == nil || s.logger == nil {
		return
	}
	level := slog.LevelInfo
	if strings.TrimSpace(errorCode) != "" {
		level = slog.LevelError
	}

	selectionID := ""
	if s.session != nil {
		selectionID = s.session.Snapshot().SelectionID
	}

	s.logger.Log(
		context.Background(),
		level,
		"mcp_call",
		slog.String("method", strings.TrimSpace(method)),
		slog.String("device_id", strings.TrimSpace(deviceID)),
		slog.String("selection_id", selectionID),
		slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		slog.String("error_code", strings.TrimSpace(errorCode)),
	)
}

func (s *Server) send(resp response) error {
	n, err := s.stream.write(resp)
	if err != nil {
		return err
	}
	s.logLifecycle(slog.LevelDebug, "mcp_send", slog.Int("bytes", n))
	return nil
}

func (s *Server) logLifecycle(level slog.Level, msg string, attrs ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}
