package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nkkko/ruleflow/internal/logging"
	"github.com/nkkko/ruleflow/internal/telemetry"
)

// Procedures implements the remote side of the contract
type Procedures interface {
	Execute(ctx context.Context, command string) (ExecuteResult, error)
	Alert(ctx context.Context, code, message string) error
	Generate(ctx context.Context, algorithm string, files, args []string) error
}

// ServerConfig contains server configuration
type ServerConfig struct {
	Addr string

	// Path the endpoint is mounted on
	Path string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Upper bound on request bodies
	MaxBodyBytes int64
}

// DefaultServerConfig returns a default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8090",
		Path:         "/RPC2",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		MaxBodyBytes: 1 << 20,
	}
}

// Server serves Procedures over JSON-RPC
type Server struct {
	config     ServerConfig
	procedures Procedures
	router     chi.Router
	server     *http.Server
	logger     zerolog.Logger
}

// NewServer creates a server for procedures
func NewServer(config ServerConfig, procedures Procedures) *Server {
	defaults := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}

	s := &Server{
		config:     config,
		procedures: procedures,
		logger:     log.With().Str("component", "rpc-server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware())
	r.Post(config.Path, s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router = r

	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Str("path", s.config.Path).Msg("Starting RPC server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down RPC server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodyBytes))
	if err != nil {
		writeResponse(w, nil, nil, &Error{Code: CodeParseError, Message: "failed to read request"})
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, nil, nil, &Error{Code: CodeParseError, Message: "parse error"})
		return
	}
	if req.JSONRPC != Version || req.Method == "" {
		writeResponse(w, req.ID, nil, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
		return
	}

	ctx, span := telemetry.StartSpan(telemetry.Extract(r.Context(), r.Header), "rpc.serve",
		attribute.String("rpc.method", req.Method))
	logger := logging.FromContext(ctx).With().
		Str("component", "rpc-server").
		Str("method", req.Method).
		Logger()

	result, rpcErr := s.call(ctx, &req)
	if rpcErr != nil {
		telemetry.EndSpan(span, rpcErr)
		logger.Warn().Int("code", rpcErr.Code).Str("error", rpcErr.Message).Msg("RPC call failed")
	} else {
		telemetry.EndSpan(span, nil)
		logger.Debug().Msg("RPC call served")
	}
	writeResponse(w, req.ID, result, rpcErr)
}

func (s *Server) call(ctx context.Context, req *Request) (any, *Error) {
	var params []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, invalidParams("params must be an array")
		}
	}

	switch req.Method {
	case MethodExecute:
		var command string
		if err := decodeParams(params, &command); err != nil {
			return nil, err
		}
		result, err := s.procedures.Execute(ctx, command)
		if err != nil {
			return nil, serverError(err)
		}
		return result, nil

	case MethodAlert:
		var code, message string
		if err := decodeParams(params, &code, &message); err != nil {
			return nil, err
		}
		if err := s.procedures.Alert(ctx, code, message); err != nil {
			return nil, serverError(err)
		}
		return true, nil

	case MethodGenerate:
		var (
			algorithm   string
			files, args []string
		)
		if err := decodeParams(params, &algorithm, &files, &args); err != nil {
			return nil, err
		}
		if err := s.procedures.Generate(ctx, algorithm, files, args); err != nil {
			return nil, serverError(err)
		}
		return true, nil

	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func decodeParams(params []json.RawMessage, targets ...any) *Error {
	if len(params) != len(targets) {
		return invalidParams(fmt.Sprintf("expected %d params, got %d", len(targets), len(params)))
	}
	for i, target := range targets {
		if err := json.Unmarshal(params[i], target); err != nil {
			return invalidParams(fmt.Sprintf("param %d: %v", i, err))
		}
	}
	return nil
}

func invalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

func serverError(err error) *Error {
	return &Error{Code: CodeServerError, Message: err.Error()}
}

func writeResponse(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *Error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := Response{JSONRPC: Version, ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &Error{Code: CodeInternalError, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
