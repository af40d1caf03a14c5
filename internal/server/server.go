// Package server implements the node daemon's control protocol on a chi
// router: liveness, status, the object store, auth settings, the certificate
// download and module method calls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the object store the daemon serves.
type Store interface {
	Get(ctx context.Context, key, env string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, env string) error
	Delete(ctx context.Context, keys []string, env string) error
	Keys(ctx context.Context, env string) ([]string, error)
	Rename(ctx context.Context, oldKey, newKey, env string) error
	Clear(ctx context.Context, env string) error
	Count(ctx context.Context) (int64, error)
}

type Options struct {
	Name         string
	Version      string
	Store        Store
	Registry     *Registry
	AuthUser     string
	AuthPassword string
	DenAuth      bool
	Telemetry    bool
	// CertPath is served by GET /cert when set.
	CertPath string
}

type Server struct {
	opts    Options
	auth    *authGate
	started time.Time
	router  chi.Router
}

func New(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	s := &Server{
		opts:    opts,
		auth:    newAuthGate(opts.AuthUser, opts.AuthPassword, opts.DenAuth),
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(instrument)

	r.Get("/check", s.handleCheck)
	if s.opts.Telemetry {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Require)

		r.Get("/status", s.handleStatus)
		r.Get("/object", s.handleGetObject)
		r.Post("/object", s.handlePutObject)
		r.Post("/object/delete", s.handleDeleteObjects)
		r.Get("/keys", s.handleKeys)
		r.Post("/keys/clear", s.handleClear)
		r.Post("/rename", s.handleRename)
		r.Post("/settings", s.handleSettings)
		r.Get("/cert", s.handleCert)
		r.Post("/call/{module}/{method}", s.handleCall)
	})
	return r
}

// instrument records request counts and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.DaemonRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.DaemonRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		logging.Debugf("[daemon] %s %s -> %d (%s)", r.Method, route, status, time.Since(start).Round(time.Millisecond))
	})
}

// Serve listens on addr until ctx is cancelled. TLS is used when both
// certFile and keyFile are set.
func (s *Server) Serve(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			logging.Infof("[daemon] listening on https://%s", addr)
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			logging.Infof("[daemon] listening on http://%s", addr)
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logging.Infof("[daemon] shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
