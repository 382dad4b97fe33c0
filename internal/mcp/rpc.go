package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// ProtocolVersion is the MCP revision this server speaks when the client
// asks for one it does not know.
const ProtocolVersion = "2025-03-26"

var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// Tool is a tools/list entry.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// Content is a single MCP content block.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the tools/call result.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      map[string]any `json:"clientInfo,omitempty"`
}

func rpcError(code int64, message string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: code, Message: message}
}

// lineCodec frames one JSON-RPC object per line, which is how MCP clients
// talk over stdio.
type lineCodec struct {
	logger *zap.Logger
}

func (c lineCodec) WriteObject(stream io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = stream.Write(data)
	return err
}

// ReadObject skips blank lines and lines that are not JSON-RPC messages so a
// single bad line does not end the session.
func (c lineCodec) ReadObject(stream *bufio.Reader, v interface{}) error {
	for {
		line, err := stream.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			uerr := json.Unmarshal(trimmed, v)
			if uerr == nil {
				return nil
			}
			c.logger.Warn("skipping malformed message", zap.Error(uerr), zap.Int("bytes", len(trimmed)))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
	}
}

// stdioReadWriteCloser joins the process streams into one io.ReadWriteCloser.
// Close only closes the input so a blocked read returns.
type stdioReadWriteCloser struct {
	in  io.Reader
	out io.Writer
}

func (s *stdioReadWriteCloser) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdioReadWriteCloser) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s *stdioReadWriteCloser) Close() error {
	if c, ok := s.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
