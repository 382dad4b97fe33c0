package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

const maxRequestBytes = 1 << 20

// ServeHTTP accepts one JSON-RPC message per POST. Requests get a 200 with
// the response object, notifications a 202 with no body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	var req jsonrpc2.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeBareError(w, http.StatusBadRequest, rpcError(jsonrpc2.CodeParseError, "parse error: "+err.Error()))
		return
	}
	if req.Method == "" {
		s.writeBareError(w, http.StatusBadRequest, rpcError(jsonrpc2.CodeInvalidRequest, "missing method"))
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if req.Notif {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := &jsonrpc2.Response{ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = rpcError(jsonrpc2.CodeInternalError, "encode result: "+err.Error())
		} else {
			raw := json.RawMessage(data)
			resp.Result = &raw
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writeBareError answers a message whose id could not be read.
func (s *Server) writeBareError(w http.ResponseWriter, status int, rpcErr *jsonrpc2.Error) {
	s.writeJSON(w, status, map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error":   rpcErr,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
