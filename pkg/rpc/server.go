// Package rpc implements the JSON-RPC 2.0 server of the contract VM.
//
// Supported methods:
//   - Code: storeCode, getCode, analyzeCode, listCodes
//   - Cache: pinCode, unpinCode, removeCode, getCacheStats
//   - Calls: instantiate, execute, query
//   - Node: getHealth, getVersion
//
// Each contract keeps its state in its own namespace of the state
// database, keyed by the code checksum.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/wasmvm/pkg/address"
	"github.com/fortiblox/wasmvm/pkg/storage"
	"github.com/fortiblox/wasmvm/pkg/vm"
)

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64 `yaml:"max_request_size"`

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool `yaml:"enable_cors"`

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// LogRequests enables request logging.
	LogRequests bool `yaml:"log_requests"`

	// DefaultGasLimit applies to calls that set no gas limit.
	DefaultGasLimit uint64 `yaml:"default_gas_limit"`

	// MaxGasLimit caps the gas limit of a call.
	MaxGasLimit uint64 `yaml:"max_gas_limit"`

	// Version is reported by getVersion.
	Version string `yaml:"-"`
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":26658",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		MaxRequestSize:  8 << 20, // 8MB, room for base64 encoded code
		EnableCORS:      true,
		DefaultGasLimit: 500_000_000_000,
		MaxGasLimit:     10_000_000_000_000,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config

	// Dependencies
	vm     *vm.VM
	state  *storage.DB
	logger *zap.Logger

	// Method handlers
	handlers map[string]handlerFunc
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server.
func New(config Config, v *vm.VM, state *storage.DB, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:   config,
		vm:       v,
		state:    state,
		logger:   logger.Named("rpc"),
		handlers: make(map[string]handlerFunc),
	}

	// Register all method handlers
	s.registerHandlers()

	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	// Code methods
	s.handlers["storeCode"] = s.storeCode
	s.handlers["getCode"] = s.getCode
	s.handlers["analyzeCode"] = s.analyzeCode
	s.handlers["listCodes"] = s.listCodes

	// Cache methods
	s.handlers["pinCode"] = s.pinCode
	s.handlers["unpinCode"] = s.unpinCode
	s.handlers["removeCode"] = s.removeCode
	s.handlers["getCacheStats"] = s.getCacheStats

	// Call methods
	s.handlers["instantiate"] = s.instantiate
	s.handlers["execute"] = s.execute
	s.handlers["query"] = s.query

	// Node methods
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
}

// Handler returns the HTTP handler serving JSON-RPC requests. The caller
// owns the listener, so /metrics can share it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return s.corsMiddleware(mux)
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	// Read request body with size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	// Check if this is a batch request
	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(r.Context(), w, body)
		return
	}

	// Parse single request
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	// Validate request
	if req.JSONRPC != JSONRPCVersion {
		s.writeError(w, req.ID, ErrInvalidRequest)
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}

	s.writeResult(w, req.ID, result)
}

// handleBatchRequest handles batch JSON-RPC requests.
func (s *Server) handleBatchRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if len(requests) == 0 {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		if req.JSONRPC != JSONRPCVersion {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Error:   ErrInvalidRequest,
			}
			continue
		}

		result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
		if rpcErr != nil {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Error:   rpcErr,
			}
		} else {
			responses[i] = Response{
				JSONRPC: JSONRPCVersion,
				ID:      req.ID,
				Result:  result,
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responses)
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}

	start := time.Now()
	result, rpcErr := handler(ctx, params)
	if s.config.LogRequests {
		fields := []zap.Field{zap.String("method", method), zap.Duration("elapsed", time.Since(start))}
		if rpcErr != nil {
			fields = append(fields, zap.Int("code", rpcErr.Code), zap.String("error", rpcErr.Message))
		}
		s.logger.Info("rpc request", fields...)
	}
	return result, rpcErr
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, err *RPCError) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// callParams binds a call to the state namespace of checksum.
func (s *Server) callParams(ns []byte, gasLimit uint64) (vm.CallParams, *RPCError) {
	if gasLimit == 0 {
		gasLimit = s.config.DefaultGasLimit
	}
	if s.config.MaxGasLimit > 0 && gasLimit > s.config.MaxGasLimit {
		return vm.CallParams{}, InvalidParamsErrorf("gas limit %d exceeds maximum %d", gasLimit, s.config.MaxGasLimit)
	}
	store, err := s.state.Namespace(ns)
	if err != nil {
		return vm.CallParams{}, InternalServerErrorf("open state: %v", err)
	}
	return vm.CallParams{
		Store:    store,
		API:      address.Codec{},
		GasLimit: gasLimit,
	}, nil
}
