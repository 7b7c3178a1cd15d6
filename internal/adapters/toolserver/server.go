// Package toolserver answers newline-delimited JSON-RPC requests on a stream
// pair, exposing the in-memory alert history and the firewall as tools.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/eveguard/internal/adapters/rpc"
	"github.com/xoelrdgz/eveguard/internal/ports"
)

const (
	ServerName = "eveguard-suricata"

	maxRequestSize = 4 << 20
)

// Server handles requests concurrently; responses are written whole, one per
// line, in completion order.
type Server struct {
	alerts  ports.AlertStore
	blocker ports.Firewall
	version string

	writeMu sync.Mutex
	out     io.Writer
	wg      sync.WaitGroup
}

func New(alerts ports.AlertStore, blocker ports.Firewall, version string) *Server {
	return &Server{
		alerts:  alerts,
		blocker: blocker,
		version: version,
	}
}

// Serve reads requests from r until EOF or ctx cancellation and writes
// responses to w. In-flight requests finish before Serve returns.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return errors.Wrap(err, "read requests")
					}
				default:
				}
				log.Info().Msg("Request stream closed")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleLine(ctx, line)
			}()
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req rpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		log.Debug().Err(err).Msg("Unparsable request")
		s.writeError(json.RawMessage("null"), rpc.NewRPCError(rpc.CodeParseError, "Parse error"))
		return
	}
	if req.Method == "" {
		if !req.IsNotification() {
			s.writeError(req.ID, rpc.NewRPCError(rpc.CodeInvalidRequest, "Invalid request"))
		}
		return
	}

	result, rpcErr := s.dispatch(ctx, req)
	if req.IsNotification() {
		return
	}
	if rpcErr != nil {
		s.writeError(req.ID, rpcErr)
		return
	}
	s.write(rpc.Response{JSONRPC: rpc.Version, ID: req.ID, Result: result})
}

func (s *Server) dispatch(ctx context.Context, req rpc.Request) (any, *rpc.RPCError) {
	switch req.Method {
	case rpc.MethodInitialize:
		return s.initialize(req.Params), nil
	case rpc.MethodInitialized:
		log.Debug().Msg("Client initialized")
		return nil, nil
	case rpc.MethodPing:
		return struct{}{}, nil
	case rpc.MethodToolsList:
		return map[string]any{"tools": toolCatalog()}, nil
	case rpc.MethodToolsCall:
		var params rpc.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "Invalid params: tool name required")
		}
		return s.callTool(ctx, params.Name, params.Arguments), nil
	case rpc.MethodResourcesList:
		return map[string]any{"resources": resourceCatalog()}, nil
	case rpc.MethodResourcesRead:
		var params rpc.ReadResourceParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
			return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "Invalid params: uri required")
		}
		return s.readResource(params.URI)
	default:
		return nil, rpc.NewRPCError(rpc.CodeMethodNotFound, "Method not found: "+req.Method)
	}
}

func (s *Server) initialize(raw json.RawMessage) rpc.InitializeResult {
	var params rpc.InitializeParams
	_ = json.Unmarshal(raw, &params)
	if params.ClientInfo.Name != "" {
		log.Info().Str("client", params.ClientInfo.Name).Str("version", params.ClientInfo.Version).Msg("Client connected")
	}
	return rpc.InitializeResult{
		ProtocolVersion: rpc.ProtocolVersion,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		ServerInfo: rpc.Implementation{Name: ServerName, Version: s.version},
	}
}

func (s *Server) writeError(id json.RawMessage, rpcErr *rpc.RPCError) {
	s.write(rpc.Response{JSONRPC: rpc.Version, ID: id, Error: rpcErr})
}

func (s *Server) write(resp rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		data, _ = json.Marshal(rpc.Response{
			JSONRPC: rpc.Version,
			ID:      resp.ID,
			Error:   rpc.NewRPCError(rpc.CodeInternalError, "Internal error"),
		})
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
