package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// handle adapts dispatch to jsonrpc2.HandlerWithError.
func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	result, rpcErr := s.dispatch(ctx, req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return result, nil
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc2.Request) (any, *jsonrpc2.Error) {
	s.logger.Debug("request", zap.String("method", req.Method), zap.Bool("notification", req.Notif))

	switch req.Method {
	case "initialize":
		return s.initialize(req.Params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return map[string]any{"tools": s.Tools()}, nil
	case "tools/call":
		return s.callTool(ctx, req.Params)
	}
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil, nil
	}
	return nil, rpcError(jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
}

func (s *Server) initialize(raw *json.RawMessage) (any, *jsonrpc2.Error) {
	var params initializeParams
	if raw != nil {
		if err := json.Unmarshal(*raw, &params); err != nil {
			return nil, rpcError(jsonrpc2.CodeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}
	version := ProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}
	s.logger.Info("client initialized",
		zap.String("protocol_version", version),
		zap.Any("client", params.ClientInfo),
	)
	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]string{
			"name":    ServerName,
			"version": s.version,
		},
	}, nil
}

func (s *Server) callTool(ctx context.Context, raw *json.RawMessage) (any, *jsonrpc2.Error) {
	if raw == nil {
		return nil, rpcError(jsonrpc2.CodeInvalidParams, "missing tools/call params")
	}
	var params callToolParams
	if err := json.Unmarshal(*raw, &params); err != nil {
		return nil, rpcError(jsonrpc2.CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	t, ok := s.byName[params.Name]
	if !ok {
		return nil, rpcError(jsonrpc2.CodeInvalidParams, "unknown tool: "+params.Name)
	}
	if err := t.validate(params.Arguments); err != nil {
		return nil, rpcError(jsonrpc2.CodeInvalidParams, params.Name+": "+err.Error())
	}

	s.calls.Add(1)
	out, err := t.call(ctx, params.Arguments)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("tool failed", zap.String("tool", params.Name), zap.Error(err))
		return CallToolResult{Content: []Content{{Type: "text", Text: err.Error()}}, IsError: true}, nil
	}

	text, ok := out.(string)
	if !ok {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, rpcError(jsonrpc2.CodeInternalError, "encode tool result: "+err.Error())
		}
		text = string(data)
	}
	return CallToolResult{Content: []Content{{Type: "text", Text: text}}}, nil
}
