// Package api wires TradeBridge together and serves its HTTP surfaces.
//
// Two listeners are run: the marketplace callback listener (one POST route) and the
// operator API, which also carries the game host WebSocket and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/TradeBridge/internal/audit"
	"github.com/BTreeMap/TradeBridge/internal/dispatch"
	"github.com/BTreeMap/TradeBridge/internal/engine"
	"github.com/BTreeMap/TradeBridge/internal/host"
	"github.com/BTreeMap/TradeBridge/internal/lockfile"
	"github.com/BTreeMap/TradeBridge/internal/metrics"
	"github.com/BTreeMap/TradeBridge/internal/poller"
	"github.com/BTreeMap/TradeBridge/internal/scheduler"
	"github.com/BTreeMap/TradeBridge/internal/shopapi"
	"github.com/BTreeMap/TradeBridge/internal/signature"
	"github.com/BTreeMap/TradeBridge/internal/store"
)

// Server configuration defaults
const (
	DefaultAddr            = "127.0.0.1:8081"
	DefaultCallbackAddr    = "0.0.0.0:8080"
	DefaultCallbackPath    = "/tradecallback"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultStatusTimeout   = 5 * time.Second
	DefaultReadTimeout     = 15 * time.Second
)

// Opts holds configuration for the server.
type Opts struct {
	StateDir        string
	Addr            string
	ShopIDs         []string
	CallbackKey     string
	CallbackEnabled bool
	CallbackAddr    string
	CallbackPath    string
	PollEnabled     bool
	AuditLogEnabled bool
	AuditDSN        string
	OperatorToken   string
	ShutdownTimeout time.Duration
}

// Option configures the server.
type Option func(*Opts)

// WithStateDir sets the directory holding data.yml, backups, logs and the lock file.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithAddr sets the operator API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShopIDs sets the marketplace shops to poll and report on.
func WithShopIDs(ids []string) Option {
	return func(o *Opts) { o.ShopIDs = ids }
}

// WithCallbackKey sets the shared secret callbacks are signed with.
func WithCallbackKey(key string) Option {
	return func(o *Opts) { o.CallbackKey = key }
}

// WithCallback enables or disables the callback listener.
func WithCallback(enabled bool) Option {
	return func(o *Opts) { o.CallbackEnabled = enabled }
}

// WithCallbackAddr sets the callback listen address (host:port).
func WithCallbackAddr(addr string) Option {
	return func(o *Opts) { o.CallbackAddr = addr }
}

// WithCallbackPath sets the callback route.
func WithCallbackPath(path string) Option {
	return func(o *Opts) { o.CallbackPath = path }
}

// WithPolling enables or disables the marketplace poller.
func WithPolling(enabled bool) Option {
	return func(o *Opts) { o.PollEnabled = enabled }
}

// WithAuditLog enables or disables the JSON purchase log.
func WithAuditLog(enabled bool) Option {
	return func(o *Opts) { o.AuditLogEnabled = enabled }
}

// WithAuditDSN sets the SQL audit sink. Empty disables it.
func WithAuditDSN(dsn string) Option {
	return func(o *Opts) { o.AuditDSN = dsn }
}

// WithOperatorToken sets the bearer token guarding /pending, /history and
// /debug/purchase. Empty leaves the read-only endpoints open and disables
// /debug/purchase.
func WithOperatorToken(token string) Option {
	return func(o *Opts) { o.OperatorToken = token }
}

// WithShutdownTimeout bounds the graceful shutdown sequence.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// Modules carries the per-module options built by main.
type Modules struct {
	State    []store.StateFileOption
	Shop     []shopapi.Option
	Poller   []poller.Option
	Dispatch []dispatch.Option
	Host     []host.Option
	API      []Option
}

// Server owns every TradeBridge component.
type Server struct {
	opts Opts

	lock       *lockfile.Lock
	metrics    *metrics.Metrics
	state      *store.StateFile
	dedup      *store.MemoryDedupStore
	pending    *store.MemoryPendingQueue
	auditLog   *audit.Log
	donations  store.DonationRepoCloser
	bridge     *host.Bridge
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
	shop       *shopapi.Client
	sched      *scheduler.Scheduler
	poller     *poller.Poller
	validator  *signature.Validator
	callback   *CallbackHandler

	apiSrv       *http.Server
	callbackSrv  *http.Server
	apiAddr      net.Addr
	callbackAddr net.Addr
	errCh        chan error
}

// NewServer builds every component and restores persisted state. Nothing is
// listening until Start.
func NewServer(mods Modules) (*Server, error) {
	opts := Opts{
		Addr:            DefaultAddr,
		CallbackEnabled: true,
		CallbackAddr:    DefaultCallbackAddr,
		CallbackPath:    DefaultCallbackPath,
		PollEnabled:     true,
		AuditLogEnabled: true,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range mods.API {
		opt(&opts)
	}
	if opts.StateDir == "" {
		return nil, errors.New("state directory not set")
	}

	s := &Server{opts: opts, metrics: metrics.New(), errCh: make(chan error, 2)}

	lock, err := lockfile.AcquireLock(opts.StateDir)
	if err != nil {
		return nil, err
	}
	s.lock = lock

	if err := s.build(mods); err != nil {
		s.closeSinks()
		s.lock.Release()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(mods Modules) error {
	stateOpts := append([]store.StateFileOption{store.WithDegradedHook(s.metrics.SetDegraded)}, mods.State...)
	s.state = store.NewStateFile(s.opts.StateDir, stateOpts...)
	st, err := s.state.Load()
	if err != nil {
		return err
	}
	s.dedup = store.NewMemoryDedupStore(s.state)
	s.dedup.Load(st.Processed)
	s.pending = store.NewMemoryPendingQueue(s.state)
	s.pending.Load(st.Pending)
	s.state.Attach(s.dedup, s.pending)

	dispatchOpts := append([]dispatch.Option{dispatch.WithMetrics(s.metrics)}, mods.Dispatch...)
	if s.opts.AuditLogEnabled {
		l, err := audit.Open(s.opts.StateDir)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		s.auditLog = l
		dispatchOpts = append(dispatchOpts, dispatch.WithAuditLog(l))
	}
	if s.opts.AuditDSN != "" {
		repo, err := store.OpenDonationRepo(s.opts.AuditDSN)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		s.donations = repo
		dispatchOpts = append(dispatchOpts, dispatch.WithAuditSink(repo))
	}

	s.bridge = host.NewBridge(mods.Host...)
	s.dispatcher = dispatch.New(s.bridge, s.bridge, dispatchOpts...)
	s.engine = engine.New(s.dedup, s.pending, s.bridge, s.dispatcher, engine.WithMetrics(s.metrics))
	s.dispatcher.SetRequeuer(s.engine)
	s.bridge.SetListener(s.engine)

	s.shop = shopapi.NewClient(mods.Shop...)
	s.sched = scheduler.NewScheduler()
	pollerOpts := append([]poller.Option{poller.WithShopIDs(s.opts.ShopIDs), poller.WithMetrics(s.metrics)}, mods.Poller...)
	s.poller = poller.New(s.shop, s.engine, s.sched, pollerOpts...)

	s.validator = signature.NewValidator(s.opts.CallbackKey)
	s.callback = NewCallbackHandler(s.validator, s.engine, s.metrics)

	slog.Info("Server.build: components ready",
		"state_file", s.state.Path(), "processed", s.dedup.Len(), "pending", s.pending.Len(),
		"audit_log", s.auditLog != nil, "audit_db", s.donations != nil)
	return nil
}

// Start opens both listeners, starts the dispatcher and the poller. Bind errors are
// returned before anything runs.
func (s *Server) Start(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind operator API on %s: %w", s.opts.Addr, err)
	}
	var callbackLn net.Listener
	if s.opts.CallbackEnabled {
		callbackLn, err = net.Listen("tcp", s.opts.CallbackAddr)
		if err != nil {
			apiLn.Close()
			return fmt.Errorf("failed to bind callback listener on %s: %w", s.opts.CallbackAddr, err)
		}
		if !s.validator.Configured() {
			slog.Warn("Server.Start: CALLBACK_KEY is not set, every callback will be rejected")
		}
	}

	if s.opts.OperatorToken == "" {
		slog.Warn("Server.Start: OPERATOR_TOKEN is not set, /debug/purchase is disabled and /pending, /history are unauthenticated")
	}

	s.apiAddr = apiLn.Addr()
	if callbackLn != nil {
		s.callbackAddr = callbackLn.Addr()
	}

	go s.dispatcher.Run(context.WithoutCancel(ctx))

	s.apiSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: DefaultReadTimeout}
	go s.serve("operator API", s.apiSrv, apiLn)

	if callbackLn != nil {
		mux := http.NewServeMux()
		mux.Handle(s.opts.CallbackPath, s.callback)
		s.callbackSrv = &http.Server{Handler: mux, ReadHeaderTimeout: DefaultReadTimeout}
		go s.serve("callback listener", s.callbackSrv, callbackLn)
		slog.Info("Server.Start: callback listener started", "addr", callbackLn.Addr().String(), "path", s.opts.CallbackPath)
	} else {
		slog.Info("Server.Start: callback listener disabled")
	}

	if s.opts.PollEnabled {
		if err := s.poller.Start(ctx); err != nil {
			return err
		}
	} else {
		slog.Info("Server.Start: polling disabled")
	}

	slog.Info("Server.Start: operator API started", "addr", apiLn.Addr().String())
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server.serve: listener failed", "listener", name, "error", err)
		s.errCh <- fmt.Errorf("%s: %w", name, err)
	}
}

// APIAddr returns the bound operator API address, or "" before Start.
func (s *Server) APIAddr() string {
	if s.apiAddr == nil {
		return ""
	}
	return s.apiAddr.String()
}

// CallbackAddr returns the bound callback address, or "" when not listening.
func (s *Server) CallbackAddr() string {
	if s.callbackAddr == nil {
		return ""
	}
	return s.callbackAddr.String()
}

// Errors delivers fatal listener errors.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Shutdown stops intake, drains deliveries and persists state, in that order.
// Every step runs even if an earlier one fails; the first error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			slog.Error("Server.Shutdown: step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		slog.Debug("Server.Shutdown: step done", "step", name)
	}

	step("callback drain", func() error { return s.callback.Drain(ctx) })
	step("poller", func() error {
		s.poller.Stop()
		s.sched.Stop()
		return nil
	})
	step("dispatcher", func() error { return s.dispatcher.Close(ctx) })
	step("state save", func() error { return s.state.Save(s.dedup, s.pending) })
	step("state backup", func() error {
		path, err := s.state.Backup()
		if err == nil && path != "" {
			slog.Info("Server.Shutdown: state backed up", "path", path)
		}
		return err
	})
	if s.callbackSrv != nil {
		step("callback listener", func() error { return s.callbackSrv.Shutdown(ctx) })
	}
	if s.apiSrv != nil {
		step("operator API", func() error {
			s.bridge.Close()
			return s.apiSrv.Shutdown(ctx)
		})
	}
	step("audit sinks", s.closeSinks)
	step("lock", s.lock.Release)

	return errors.Join(errs...)
}

func (s *Server) closeSinks() error {
	var errs []error
	if s.donations != nil {
		errs = append(errs, s.donations.Close())
	}
	if s.auditLog != nil {
		errs = append(errs, s.auditLog.Close())
	}
	return errors.Join(errs...)
}

// Run builds the server, serves until SIGINT/SIGTERM or a listener failure, then
// shuts down gracefully.
func Run(mods Modules) error {
	srv, err := NewServer(mods)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	if err := srv.Start(ctx); err != nil {
		runErr = err
	} else {
		select {
		case <-ctx.Done():
			slog.Info("Run: shutdown signal received")
		case runErr = <-srv.Errors():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
