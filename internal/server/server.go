// Package server implements the HTTP transfer server for beamdrop.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/beamdrop/beamdrop/internal/auth"
	"github.com/beamdrop/beamdrop/internal/event"
	"github.com/beamdrop/beamdrop/internal/logging/audit"
	"github.com/beamdrop/beamdrop/internal/storage"
	"github.com/beamdrop/beamdrop/internal/upload"
	"github.com/beamdrop/beamdrop/pkg/proto"
)

// ErrNoPortAvailable is returned by Bind when the preferred port and every
// fallback port are taken.
var ErrNoPortAvailable = errors.New("no listen port available")

// FreeSpace reports free bytes on the storage volume, when known.
type FreeSpace interface {
	FreeBytes() (free int64, ok bool)
}

// Options configures the transfer server.
type Options struct {
	Host          string // empty = all interfaces
	Port          int    // preferred port
	FallbackPorts []int  // tried in order when the preferred port is taken

	ChunkReadTimeout time.Duration // per-chunk network read deadline
	AssetsDir        string        // optional web UI root; empty disables static serving
	Version          string

	Engine  *upload.Engine
	Gate    *auth.Gate
	Bus     *event.Bus
	Free    FreeSpace     // may be nil
	Audit   *audit.Logger // may be nil
	Metrics *upload.Metrics
}

// Server is the device-local transfer server. It owns the listen socket and
// exposes the resumable upload protocol plus the status and pairing surface.
type Server struct {
	opts      Options
	mux       *http.ServeMux
	listener  net.Listener
	port      int
	startTime time.Time
}

// NewServer creates a transfer server. Call Bind before Serve.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("upload engine is required")
	}
	if opts.Gate == nil {
		opts.Gate = auth.NewGate("")
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLogger(log.Logger)
	}

	srv := &Server{
		opts:      opts,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	srv.setupRoutes()
	return srv, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/capabilities", s.instrument("capabilities", s.handleCapabilities))
	s.mux.HandleFunc("/api/v1/uploads", s.instrument("uploads", s.handleUploads))
	s.mux.HandleFunc("/api/v1/uploads/", s.instrument("upload", s.handleUploadByID))
	s.mux.HandleFunc("/api/v1/status", s.instrument("status", s.handleStatus))
	s.mux.HandleFunc("/api/v1/events", s.handleEvents)
	s.mux.HandleFunc("/api/v1/qr", s.handleQR)
	s.mux.Handle("/metrics", promhttp.Handler())

	if s.opts.AssetsDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.opts.AssetsDir)))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Bind claims the listen socket, trying the preferred port first and then
// each fallback port in order. The port actually bound is reported by Port.
func (s *Server) Bind() error {
	ports := append([]int{s.opts.Port}, s.opts.FallbackPorts...)
	for _, port := range ports {
		addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Warn().Int("port", port).Err(err).Msg("listen port unavailable, trying next")
			continue
		}
		s.listener = ln
		s.port = port
		if port != s.opts.Port {
			log.Info().
				Int("preferred", s.opts.Port).
				Int("bound", port).
				Msg("preferred port taken, bound fallback")
		}
		return nil
	}
	return fmt.Errorf("%w: tried %v", ErrNoPortAvailable, ports)
}

// BindErrorCode returns the wire error code describing a Bind failure, for
// surfacing in status reporting and logs.
func BindErrorCode(err error) string {
	if errors.Is(err, ErrNoPortAvailable) {
		return proto.CodeBindConflict
	}
	return proto.CodeInternalIO
}

// Port returns the bound port. Zero before Bind.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound listen address. Empty before Bind.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the URL clients should use to reach the server, using the
// given host when the bind host is a wildcard.
func (s *Server) URL(advertiseHost string) string {
	host := s.opts.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = advertiseHost
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(s.port)))
}

// Serve runs the HTTP server on the bound listener until ctx is cancelled,
// then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("server not bound")
	}

	httpSrv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(s.listener)
	}()
	log.Info().Str("addr", s.Addr()).Msg("transfer server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown transfer server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// withGate enforces the shared secret on mutating routes.
func (s *Server) withGate(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get(proto.HeaderSecret)
		if err := s.opts.Gate.Check(secret); err != nil {
			s.opts.Audit.LogAuth("header", "denied", err.Error(), remoteIP(r))
			switch {
			case errors.Is(err, auth.ErrAuthRequired):
				s.jsonError(w, proto.CodeAuthRequired, "upload secret required", http.StatusUnauthorized)
			default:
				s.jsonError(w, proto.CodeAuthFailed, "upload secret incorrect", http.StatusUnauthorized)
			}
			return
		}
		if s.opts.Gate.Enabled() {
			s.opts.Audit.LogAuth("header", "allowed", operation, remoteIP(r))
		}
		next(w, r)
	}
}

// instrument records request metrics for a protocol operation.
func (s *Server) instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordRequest(operation, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, code, message string, httpStatus int) {
	s.writeJSON(w, httpStatus, proto.ErrorResponse{
		Error:   http.StatusText(httpStatus),
		Code:    code,
		Message: message,
	})
}

// writeEngineError maps an engine error to its wire representation.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var offErr *upload.OffsetError
	if errors.As(err, &offErr) {
		w.Header().Set(proto.HeaderOffset, strconv.FormatInt(offErr.Expected, 10))
		s.writeJSON(w, http.StatusConflict, proto.ErrorResponse{
			Error:          http.StatusText(http.StatusConflict),
			Code:           proto.CodeOffsetMismatch,
			Message:        err.Error(),
			ExpectedOffset: &offErr.Expected,
			ActualOffset:   &offErr.Got,
		})
		return
	}

	switch {
	case errors.Is(err, upload.ErrBusy):
		s.jsonError(w, proto.CodeBusy, err.Error(), http.StatusConflict)
	case errors.Is(err, upload.ErrValidation):
		s.jsonError(w, proto.CodeValidation, err.Error(), http.StatusBadRequest)
	case errors.Is(err, upload.ErrNotFound):
		s.jsonError(w, proto.CodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, upload.ErrNotResumable):
		s.jsonError(w, proto.CodeNotResumable, err.Error(), http.StatusGone)
	case errors.Is(err, storage.ErrNoSpace):
		s.jsonError(w, proto.CodeStorageFull, err.Error(), http.StatusInsufficientStorage)
	default:
		s.jsonError(w, proto.CodeInternalIO, err.Error(), http.StatusInternalServerError)
	}
}

// engineErrorStatus maps an engine error to a bare status code for bodyless
// responses.
func engineErrorStatus(err error) int {
	switch {
	case errors.Is(err, upload.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrNotResumable):
		return http.StatusGone
	case errors.Is(err, upload.ErrBusy), errors.Is(err, upload.ErrOffsetMismatch):
		return http.StatusConflict
	case errors.Is(err, upload.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
