package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/oopjit/backend"
	"github.com/chazu/oopjit/config"
	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/jitctx"
	"github.com/chazu/oopjit/recycler"
	"github.com/chazu/oopjit/wire"
)

var log = commonlog.GetLogger("oopjit.server")

// JITServer is the compiler server. It serves the Connect JIT service
// plus health and stats endpoints on one router.
type JITServer struct {
	cfg     *config.Config
	backend backend.Backend
	worker  *Worker
	threads *jitctx.Store[*jitctx.ThreadContext]
	scripts *jitctx.Store[*jitctx.ScriptContext]
	host    *hostmem.Space
	router  chi.Router
	stats   *counters

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// ServerOption configures a JITServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	backend backend.Backend
	host    *hostmem.Space
	workers int
}

// WithBackend sets the backend compilations run on. The default is a
// Literal backend bounded by server.max-depth.
func WithBackend(b backend.Backend) ServerOption {
	return func(c *serverConfig) { c.backend = b }
}

// WithHostMemory makes every thread context, and the heap it integrates
// numbers into, live in host. Without it each thread context gets its own
// simulated host memory.
func WithHostMemory(host *hostmem.Space) ServerOption {
	return func(c *serverConfig) { c.host = host }
}

// WithWorkers sets the number of concurrent compilations.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// New creates a JITServer from cfg.
func New(cfg *config.Config, opts ...ServerOption) *JITServer {
	sc := &serverConfig{
		backend: backend.Literal{MaxDepth: cfg.Server.MaxDepth},
		workers: cfg.Server.Workers,
	}
	for _, opt := range opts {
		opt(sc)
	}

	s := &JITServer{
		cfg:      cfg,
		backend:  sc.backend,
		worker:   NewWorker(sc.workers),
		threads:  jitctx.NewStore[*jitctx.ThreadContext](),
		scripts:  jitctx.NewStore[*jitctx.ScriptContext](),
		host:     sc.host,
		stats:    newCounters(),
		shutdown: make(chan struct{}),
	}

	svc := NewJITService(s)
	path, handler := NewJITServiceHandler(svc, connect.WithCodec(wire.Codec{}))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(path+"*", handler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/debug/stats", s.serveStats)
	s.router = r
	return s
}

// Handler returns the server's HTTP handler.
func (s *JITServer) Handler() http.Handler { return s.router }

// threadOptions derives the options of a new thread context.
func (s *JITServer) threadOptions(req *wire.InitializeThreadContextRequest) jitctx.ThreadOptions {
	a := s.cfg.Alloc
	host := s.host
	if host == nil {
		host = hostmem.NewSpace(hostmem.Options{PageSize: uint64(a.PageSize), Limit: uint64(a.HostLimit)})
	}
	return jitctx.ThreadOptions{
		Host: host,
		Heap: recycler.New(host, recycler.Options{
			SegmentPages: a.SegmentPages,
			BlockSize:    uint64(a.BlockSize),
			BlockLimit:   a.BlockLimit,
		}),
		RuntimeBase:      req.RuntimeBase,
		LocalRuntimeBase: s.cfg.Runtime.RuntimeBase,
		CRTBase:          req.CRTBase,
		LocalCRTBase:     s.cfg.Runtime.CRTBase,
		CodeRegionPages:  a.CodeRegionPages,
		InProcess:        req.InProcess || s.cfg.Server.InProcess,
	}
}

// Shutdown asks Run to stop. Safe to call more than once.
func (s *JITServer) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// ShuttingDown reports whether Shutdown has been called.
func (s *JITServer) ShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Close cleans up every context and stops the worker.
func (s *JITServer) Close() {
	s.Shutdown()
	for _, sc := range s.scripts.All() {
		sc.Cleanup()
	}
	for _, tc := range s.threads.All() {
		tc.Cleanup()
	}
	s.worker.Stop()
}

// Run serves on ln until ctx is canceled or Shutdown is called, running
// the maintenance loop alongside.
func (s *JITServer) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.maintain(ctx, s.cfg.Server.MaintenanceInterval.Duration)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.Close()
	return err
}

// ListenAndServe listens on addr and calls Run.
func (s *JITServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Run(ctx, ln)
}

// maintain runs a maintenance cycle on every thread context each
// interval until ctx is done or the server shuts down.
func (s *JITServer) maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.MaintainAll()
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		}
	}
}

// MaintainAll flushes and integrates the allocations of every thread.
func (s *JITServer) MaintainAll() {
	for _, tc := range s.threads.All() {
		if err := tc.Maintain(); err != nil {
			log.Warningf("maintenance: %s", err)
		}
	}
}

// Stats is the payload of /debug/stats.
type Stats struct {
	Threads  int                  `json:"threads"`
	Scripts  int                  `json:"scripts"`
	Compiles uint64               `json:"compiles"`
	Results  map[string]uint64    `json:"results"`
	Contexts []jitctx.ThreadStats `json:"contexts"`
}

// Stats returns a snapshot of the server's counters.
func (s *JITServer) Stats() Stats {
	st := Stats{
		Threads: s.threads.Len(),
		Scripts: s.scripts.Len(),
	}
	st.Compiles, st.Results = s.stats.snapshot()
	for _, tc := range s.threads.All() {
		st.Contexts = append(st.Contexts, tc.Stats())
	}
	return st
}

func (s *JITServer) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.Stats()); err != nil {
		log.Warningf("encode stats: %s", err)
	}
}
