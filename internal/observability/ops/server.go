// Package ops serves the operational HTTP endpoints: Prometheus metrics,
// a JSON health document and (optionally) net/http/pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "imbus/internal/runtime/supervisor"
	logx "imbus/pkg/logx"
)

type Config struct {
	Enabled     bool
	Addr        string
	Token       string
	Pprof       bool
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// HealthFunc reports whether the process is healthy plus a JSON-encodable body.
type HealthFunc func() (ok bool, body any)

type Server struct {
	log    logx.Logger
	health HealthFunc

	mu    sync.Mutex
	cfg   Config
	sup   *rtsup.Supervisor
	bound string
}

func New(cfg Config, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if health == nil {
		health = func() (bool, any) { return true, map[string]string{"status": "ok"} }
	}
	return &Server{cfg: cfg, health: health, log: log}
}

// Addr is the bound listen address, or "" while not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start is idempotent and a no-op when disabled.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Observability must never take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("ops.http", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("ops server stop", logx.Err(err))
	}
}

// Reconfigure starts, stops or restarts the server to match cfg.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.handler(cur),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cur.IdleTimeout,
	}

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.bound = ""
		s.mu.Unlock()
	}()
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof), logx.Bool("token_set", cur.Token != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		<-errCh
		s.log.Info("ops server stopped")
		return context.Canceled
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return errors.New("ops server exited unexpectedly")
		}
		return err
	}
}

// requestLimit bounds scrapes per client IP and window.
const (
	requestLimit  = 120
	requestWindow = time.Minute
)

func (s *Server) handler(cur Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(rateLimit(requestLimit, requestWindow))
	r.Use(withAuth(cur.Token))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.serveHealth)
	if cur.Pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	ok, body := s.health()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug("healthz encode", logx.Err(err))
	}
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(h http.Handler) http.Handler {
		if tok == "" {
			return h
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			got := strings.TrimSpace(strings.TrimPrefix(ah, p))
			if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
				h.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}
