// Package stdio implements the newline-delimited JSON-RPC stdio transport
// (spec.md §6): one JSON value per line on stdin, one per line on stdout.
// Grounded on the other_examples stdio transports' bufio.Scanner-with-
// enlarged-buffer idiom, adapted from a client dialing a subprocess to a
// server reading its own stdin.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/nexus-dbg/mcp-server/internal/mcp/dispatcher"
	"github.com/nexus-dbg/mcp-server/internal/mcp/jsonrpc"
	"github.com/nexus-dbg/mcp-server/internal/mcp/notify"
)

const maxLineBytes = 10 * 1024 * 1024

// Server serves MCP over stdin/stdout. Each request line is dispatched
// concurrently (tool calls against different sessions must not block one
// another); writes to stdout are serialized so responses never interleave
// mid-line.
type Server struct {
	in   io.Reader
	out  io.Writer
	disp *dispatcher.Dispatcher
	log  *zap.Logger

	writeMu sync.Mutex
}

func New(in io.Reader, out io.Writer, disp *dispatcher.Dispatcher, log *zap.Logger) *Server {
	return &Server{in: in, out: out, disp: disp, log: log.Named("stdio")}
}

// SubscribeNotifications forwards every Notification published on bus as
// an unsolicited JSON-RPC notification on stdout (spec.md §6), since
// stdio — unlike the request/response-only HTTP transport — can push
// asynchronously to the client at any time.
func (s *Server) SubscribeNotifications(bus *notify.Bus) {
	bus.Subscribe(func(n notify.Notification) {
		s.writeRaw(notificationEnvelope{JSONRPC: jsonrpc.Version, Method: n.Method, Params: n.Params})
	})
}

// notificationEnvelope is a JSON-RPC 2.0 notification: a request with no
// id, so the client never replies (JSON-RPC 2.0 §4.1).
type notificationEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Run reads lines from stdin until EOF or ctx is cancelled, dispatching
// each to the Dispatcher and writing its Response to stdout. Cancellation
// is checked only after a line has been read; a read blocked on stdin
// returns only when a line or EOF arrives.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytesTrim(line)) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, lineCopy)
		}()
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error: "+err.Error(), nil))
		return
	}
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		s.write(jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "invalid request", nil))
		return
	}

	resp := s.disp.Handle(ctx, req)
	if req.IsNotification() {
		return
	}
	s.write(resp)
}

func (s *Server) write(resp jsonrpc.Response) {
	s.writeRaw(resp)
}

func (s *Server) writeRaw(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal outbound message", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.log.Error("failed to write outbound message", zap.Error(err))
	}
}

func bytesTrim(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
