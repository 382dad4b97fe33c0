package mcp

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// RunStdio serves JSON-RPC over the configured stdio streams until the
// client closes its end or ctx is cancelled. Both are a normal stop.
func (s *Server) RunStdio(ctx context.Context) error {
	rwc := &stdioReadWriteCloser{in: s.stdin, out: s.stdout}
	stream := jsonrpc2.NewBufferedStream(rwc, lineCodec{logger: s.logger})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(s.handle),
		jsonrpc2.SetLogger(zap.NewStdLog(s.logger.Named("jsonrpc2"))))

	s.logger.Info("stdio transport started")

	select {
	case <-conn.DisconnectNotify():
		s.logger.Info("stdio client disconnected")
	case <-ctx.Done():
		s.logger.Info("stdio transport interrupted")
		_ = conn.Close()
	}
	return nil
}
