// Package server assembles the supervisor: kernel backend, program catalog,
// process manager, lifecycle journal, the gRPC control service and the HTTP
// router carrying metrics, health and the dispatcher ports.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pmd/pmd/internal/access"
	"github.com/pmd/pmd/internal/api"
	"github.com/pmd/pmd/internal/config"
	"github.com/pmd/pmd/internal/dispatch"
	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/internal/loader"
	"github.com/pmd/pmd/internal/metrics"
	"github.com/pmd/pmd/internal/notify"
	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/transport/ws"
	"github.com/pmd/pmd/pkg/observability"
)

const pruneInterval = time.Hour

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	kernel  backend
	catalog *loader.Catalog
	watcher *loader.Watcher
	mgr     *pm.Manager
	broker  *events.Broker
	journal *journal
	metrics *metrics.Collector
	app     *api.App
	ipc     *ws.Server
	tracer  *sdktrace.TracerProvider
	logFile io.Closer

	httpServer *http.Server
	httpLn     net.Listener
	grpcServer *grpc.Server
	grpcLn     net.Listener
	health     *health.Server

	// notifications feeds the dispatcher loop.
	notifications chan uint32
	closeOnce     sync.Once
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	s := &Server{
		cfg:           cfg,
		broker:        events.NewBroker(),
		metrics:       metrics.New(),
		notifications: make(chan uint32, 8),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		logger, closer, err := observability.NewLogger(observability.LoggerConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			MaxSizeMB:  cfg.Logging.Rotation.MaxSizeMB,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		s.logger, s.logFile = logger, closer
	}
	s.broker.SetLogger(s.logger)
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	cfg := s.cfg
	ctx := context.Background()

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return err
		}
		observability.Install(tp)
		s.tracer = tp
	}

	k, err := newBackend(cfg, s.logger)
	if err != nil {
		return err
	}
	s.kernel = k

	s.catalog = loader.New(k, cfg.Catalog.Dir)
	s.catalog.SetLogger(s.logger)
	if err := s.catalog.Reload(); err != nil {
		return fmt.Errorf("load program catalog: %w", err)
	}
	if cfg.Catalog.Watch {
		debounce, _ := time.ParseDuration(cfg.Catalog.Debounce)
		s.watcher = loader.NewWatcher(s.catalog, debounce, func(err error) {
			if err != nil {
				s.logger.Warn("server: catalog reload failed", "dir", cfg.Catalog.Dir, "error", err)
				return
			}
			s.logger.Info("server: catalog reloaded", "dir", cfg.Catalog.Dir)
		})
	}

	if s.journal, err = openJournal(ctx, cfg, s.metrics, s.logger); err != nil {
		return err
	}

	blacklist, err := blacklistRules(cfg.Launch.Blacklist)
	if err != nil {
		return err
	}
	timeout, _ := time.ParseDuration(cfg.Termination.Timeout)
	storage := access.NewStorage()
	storage.SetLogger(s.logger)
	services := access.NewServices()
	services.SetLogger(s.logger)
	hub := notify.New(k, s.broker, notify.WithJournal(s.journal.store), notify.WithLogger(s.logger))
	s.mgr, err = pm.New(pm.Config{
		Kernel:             k,
		Loader:             s.catalog,
		Storage:            storage,
		Services:           services,
		Notifier:           hub,
		Events:             hub,
		RegistryCapacity:   cfg.Registry.Capacity,
		ServiceBlacklist:   blacklist,
		TerminationTimeout: timeout,
		Logger:             s.logger,
	})
	if err != nil {
		return err
	}
	if err := s.mgr.RegisterPreloaded(); err != nil {
		return err
	}

	appOpts := []api.Option{api.WithLogger(s.logger)}
	if s.journal.queryable {
		appOpts = append(appOpts, api.WithJournal(s.journal.store))
	}
	s.app = api.NewApp(s.mgr, s.broker, appOpts...)
	s.ipc = ws.NewServer()
	s.ipc.SetLogger(s.logger)

	readTimeout, _ := time.ParseDuration(cfg.Server.HTTP.ReadTimeout)
	writeTimeout, _ := time.ParseDuration(cfg.Server.HTTP.WriteTimeout)
	if s.httpLn, err = listen(cfg.Server.HTTP.Addr, s.logger); err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}

	if cfg.GRPCEnabled() {
		if s.grpcLn, err = listen(cfg.Server.GRPC.Addr, s.logger); err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		var opts []grpc.ServerOption
		if s.tracer != nil {
			opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
		}
		s.grpcServer = grpc.NewServer(opts...)
		api.RegisterGRPC(s.grpcServer, s.app)
		s.health = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus(api.GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	return nil
}

func blacklistRules(in []config.BlacklistRule) ([]pm.BlacklistRule, error) {
	out := make([]pm.BlacklistRule, 0, len(in))
	for _, r := range in {
		id, err := r.ParsedUniqueID()
		if err != nil {
			return nil, fmt.Errorf("launch.blacklist: %w", err)
		}
		out = append(out, pm.BlacklistRule{UniqueID: id, Services: r.Services})
	}
	return out, nil
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(s.cfg.Health.Path, s.handleHealth)
	if s.cfg.Metrics.Enabled {
		reg := s.mgr.Registry()
		r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metrics.Handler(metrics.HandlerOptions{
			RegistryUsed:     reg.Len,
			RegistryCapacity: reg.Capacity,
			DroppedEvents:    s.broker.DroppedCount,
			Subscribers:      s.broker.Subscribers,
		}))
	}
	r.Route("/v1", s.app.Routes)
	if s.cfg.IPC.Enabled {
		r.Route("/ipc", s.ipc.Routes)
	}
	if s.tracer != nil {
		return otelhttp.NewHandler(r, "pmd")
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.mgr.PreparingForReboot() {
		status = "preparing_for_reboot"
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":%q,"processes":%d}`+"\n", status, s.mgr.Registry().Len())
}

// Notify posts a notification to the dispatcher loop. NotifyShutdown stops
// the server.
func (s *Server) Notify(id uint32) {
	select {
	case s.notifications <- id:
	default:
		s.logger.Warn("server: notification dropped", "notification", fmt.Sprintf("0x%X", id))
	}
}

// Run serves until ctx is done, a shutdown notification arrives or SIGTERM
// is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.mgr.Run(ctx); err != nil {
			errCh <- fmt.Errorf("process manager: %w", err)
		}
	}()

	if s.cfg.IPC.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := dispatch.Run(ctx, dispatch.Config{
				Services:      s.app.Services(s.cfg.IPC.MaxSessions),
				Registrar:     s.ipc,
				Notifications: s.notifications,
				Logger:        s.logger,
			})
			if err != nil {
				errCh <- fmt.Errorf("dispatcher: %w", err)
				return
			}
			// A shutdown notification ends the loop with nil.
			cancel()
		}()
	}

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.logger.Warn("server: catalog watch disabled", "error", err)
		} else {
			defer func() { _ = s.watcher.Stop() }()
		}
	}

	if s.journal.sqlite != nil && s.journal.retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.journal.prune(ctx, s.logger)
			t := time.NewTicker(pruneInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					s.journal.prune(ctx, s.logger)
				}
			}
		}()
	}

	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.grpcServer != nil {
		go func() {
			if err := s.grpcServer.Serve(s.grpcLn); err != nil {
				errCh <- err
			}
		}()
	}
	s.logger.Info("server: started", "http", s.HTTPAddr(), "grpc", s.GRPCAddr(), "kernel", s.cfg.Kernel.Backend)

	var runErr error
	for done := false; !done; {
		select {
		case sig := <-sigCh:
			s.logger.Info("server: signal received", "signal", sig.String())
			if s.cfg.IPC.Enabled {
				s.Notify(dispatch.NotifyShutdown)
				continue
			}
			done = true
		case <-ctx.Done():
			done = true
		case err := <-errCh:
			runErr = fmt.Errorf("server: %w", err)
			done = true
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	_ = s.httpServer.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	s.logger.Info("server: stopped")
	return runErr
}

// Close releases everything New acquired. Call it after Run returns.
func (s *Server) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if s.httpLn != nil {
			_ = s.httpLn.Close()
		}
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		if s.grpcLn != nil {
			_ = s.grpcLn.Close()
		}
		if s.mgr != nil {
			if err := s.mgr.Close(); err != nil {
				firstErr = err
			}
		}
		if c, ok := s.kernel.(io.Closer); ok {
			_ = c.Close()
		}
		if s.journal != nil {
			if err := s.journal.store.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if s.tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.tracer.Shutdown(ctx)
		}
		if s.logFile != nil {
			_ = s.logFile.Close()
		}
	})
	return firstErr
}

func (s *Server) HTTPAddr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// Manager exposes the process manager, mainly for tests.
func (s *Server) Manager() *pm.Manager { return s.mgr }

// listen binds addr. The control surfaces are unauthenticated, so binding
// anything but loopback is logged.
func listen(addr string, logger *slog.Logger) (net.Listener, error) {
	if !isLoopbackListenAddr(addr) {
		logger.Warn("server: listening on a non-loopback address without authentication", "addr", addr)
	}
	return net.Listen("tcp", addr)
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		// If it's missing a port, treat as a hostname/IP.
		host = a
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	// Conservative: unknown hostnames could resolve non-loopback.
	return false
}
