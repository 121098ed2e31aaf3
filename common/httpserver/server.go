// common/httpserver/server.go

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
)

// Check — одна зависимость для /readyz (redis, postgres, kafka...).
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Config defines timeouts and paths for the probe server.
type Config struct {
	Addr            string // ":8090"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// CheckTimeout ограничивает каждую проверку готовности.
	CheckTimeout time.Duration
	MetricsPath  string
	HealthzPath  string
	ReadyzPath   string
}

func (c *Config) applyDefaults() {
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDur(&c.ReadTimeout, 10*time.Second)
	setDur(&c.WriteTimeout, 15*time.Second)
	setDur(&c.IdleTimeout, time.Minute)
	setDur(&c.ShutdownTimeout, 5*time.Second)
	setDur(&c.CheckTimeout, 2*time.Second)

	setPath := func(p *string, def string) {
		if *p == "" {
			*p = def
		}
	}
	setPath(&c.MetricsPath, "/metrics")
	setPath(&c.HealthzPath, "/healthz")
	setPath(&c.ReadyzPath, "/readyz")
}

// Server exposes /metrics and the liveness/readiness probes.
type Server struct {
	cfg     Config
	srv     *http.Server
	checks  []Check
	started time.Time
	log     *logger.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New validates cfg and builds the mux; the listener opens in Start.
func New(cfg Config, log *logger.Logger, checks ...Check) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("httpserver: Addr is required")
	}
	cfg.applyDefaults()
	for _, c := range checks {
		if c.Name == "" || c.Fn == nil {
			return nil, errors.New("httpserver: check needs a name and a func")
		}
	}

	s := &Server{
		cfg:     cfg,
		checks:  checks,
		started: time.Now(),
		log:     log.Named("http"),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      RecoverMiddleware(s.log, s.routes()),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(s.cfg.HealthzPath, s.healthz)
	mux.HandleFunc(s.cfg.ReadyzPath, s.readyz)
	return mux
}

type probeReply struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeReply{
		Status: "ok",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	})
}

// readyz гоняет проверки параллельно; любая ошибка даёт 503.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	res := s.Check(r.Context())
	reply := probeReply{Status: "ready", Checks: make(map[string]string, len(res))}
	code := http.StatusOK
	for name, err := range res {
		if err != nil {
			reply.Checks[name] = err.Error()
			reply.Status = "not ready"
			code = http.StatusServiceUnavailable
			continue
		}
		reply.Checks[name] = "ok"
	}
	writeJSON(w, code, reply)
}

// Check runs every readiness check and returns name → error (nil = ok).
func (s *Server) Check(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range s.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
			defer cancel()
			err := c.Fn(cctx)
			mu.Lock()
			out[c.Name] = err
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return out
}

// Names lists registered checks in stable order.
func (s *Server) Names() []string {
	names := make([]string, 0, len(s.checks))
	for _, c := range s.checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the root handler (used by tests).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Addr is the bound address once Start has opened the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens, serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http: serving", zap.Stringer("addr", ln.Addr()), zap.Strings("checks", s.Names()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http: shutdown", zap.Error(err))
		return err
	}
	s.log.Info("http: stopped")
	return serveErr
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
