// Package dispatch runs the request/reply loop behind the control surface.
// Sessions are accepted on named service ports; every request is handled on
// the loop goroutine, one at a time, and each session has at most one
// request in flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pmd/pmd/internal/result"
)

// NotifyShutdown asks the loop to close every session and return.
const NotifyShutdown uint32 = 0x100

// Request is one command received on a session.
type Request struct {
	ID      string
	Command string
	Args    *structpb.Struct
}

// Reply answers a Request. Result is zero on success.
type Reply struct {
	ID     string
	Result result.Code
	Error  string
	Data   *structpb.Struct
}

// Conn is one client session as seen by the transport.
type Conn interface {
	// Receive reads the next request. io.EOF or ErrClosed mean the remote
	// end went away.
	Receive(ctx context.Context) (*Request, error)
	Send(ctx context.Context, r *Reply) error
	Close() error
	RemoteAddr() string
}

// Port accepts sessions for one service.
type Port interface {
	Accept() <-chan Conn
	Close() error
}

// Registrar creates named service ports.
type Registrar interface {
	RegisterService(name string) (Port, error)
	UnregisterService(name string) error
}

// ContextAllocator creates and frees per-session state.
type ContextAllocator interface {
	Allocate(service string) (any, error)
	Free(v any)
}

// Handler serves one request. It runs on the loop goroutine.
type Handler func(ctx context.Context, s *Session, req *Request) *Reply

// Service describes a named port and its handler. A Service with Port set
// is a pre-created raw port and is not registered through the Registrar.
type Service struct {
	Name        string
	MaxSessions int
	Handler     Handler
	Port        Port
}

// Session is an accepted connection.
type Session struct {
	ID      uint64
	Service string
	Remote  string
	// Context holds what the ContextAllocator returned for this session.
	Context any

	conn Conn
	next chan struct{}
	done chan struct{}
}

type Config struct {
	Services  []Service
	Registrar Registrar
	Contexts  ContextAllocator
	// Notifications delivers notification ids. NotifyShutdown ends Run;
	// other ids go to NotificationHandlers.
	Notifications        <-chan uint32
	NotificationHandlers map[uint32]func(ctx context.Context, id uint32)
	Logger               *slog.Logger
}

var ErrNoServices = errors.New("dispatch: no services configured")

type incoming struct {
	s   *Session
	req *Request
	err error
}

type accepted struct {
	svc  int
	conn Conn
	ok   bool
}

type loop struct {
	cfg    Config
	logger *slog.Logger
	ports  []Port
	// registered holds the service names created through the Registrar.
	registered []string
	sessions   map[uint64]*Session
	counts     []int
	nextID     uint64

	requests chan incoming
	accepts  chan accepted
	wg       sync.WaitGroup
}

// Run serves until ctx is done or a shutdown notification arrives. Sessions
// and ports are closed and services unregistered before it returns.
func Run(ctx context.Context, cfg Config) error {
	if len(cfg.Services) == 0 {
		return ErrNoServices
	}
	l := &loop{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[uint64]*Session),
		counts:   make([]int, len(cfg.Services)),
		requests: make(chan incoming),
		accepts:  make(chan accepted),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.shutdown()
	}()

	if err := l.openPorts(ctx); err != nil {
		return err
	}
	return l.serve(ctx)
}

func (l *loop) openPorts(ctx context.Context) error {
	for i, svc := range l.cfg.Services {
		if svc.Handler == nil {
			return fmt.Errorf("dispatch: service %q has no handler", svc.Name)
		}
		p := svc.Port
		if p == nil {
			if l.cfg.Registrar == nil {
				return fmt.Errorf("dispatch: service %q needs a registrar", svc.Name)
			}
			var err error
			if p, err = l.cfg.Registrar.RegisterService(svc.Name); err != nil {
				return fmt.Errorf("dispatch: register %q: %w", svc.Name, err)
			}
			l.registered = append(l.registered, svc.Name)
		}
		l.ports = append(l.ports, p)
		l.wg.Add(1)
		go l.pumpAccepts(ctx, i, p)
	}
	return nil
}

func (l *loop) pumpAccepts(ctx context.Context, svc int, p Port) {
	defer l.wg.Done()
	for {
		select {
		case c, ok := <-p.Accept():
			select {
			case l.accepts <- accepted{svc: svc, conn: c, ok: ok}:
			case <-ctx.Done():
				if ok {
					_ = c.Close()
				}
				return
			}
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *loop) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case id, ok := <-l.cfg.Notifications:
			if !ok {
				l.cfg.Notifications = nil
				continue
			}
			if id == NotifyShutdown {
				l.logger.Info("dispatch: shutdown requested")
				return nil
			}
			if h := l.cfg.NotificationHandlers[id]; h != nil {
				h(ctx, id)
			} else {
				l.logger.Debug("dispatch: unhandled notification", "notification", fmt.Sprintf("0x%X", id))
			}

		case a := <-l.accepts:
			svc := l.cfg.Services[a.svc]
			if !a.ok {
				return fmt.Errorf("dispatch: port %q closed", svc.Name)
			}
			l.accept(ctx, a.svc, a.conn)

		case in := <-l.requests:
			if in.err != nil {
				l.closeSession(in.s, in.err)
				continue
			}
			reply := l.cfg.Services[l.serviceIndex(in.s.Service)].Handler(ctx, in.s, in.req)
			if reply == nil {
				reply = &Reply{}
			}
			reply.ID = in.req.ID
			if err := in.s.conn.Send(ctx, reply); err != nil {
				l.closeSession(in.s, err)
				continue
			}
			in.s.next <- struct{}{}
		}
	}
}

func (l *loop) serviceIndex(name string) int {
	for i, svc := range l.cfg.Services {
		if svc.Name == name {
			return i
		}
	}
	return -1
}

func (l *loop) accept(ctx context.Context, svc int, c Conn) {
	spec := l.cfg.Services[svc]
	if spec.MaxSessions > 0 && l.counts[svc] >= spec.MaxSessions {
		l.logger.Warn("dispatch: session limit reached", "service", spec.Name, "remote", c.RemoteAddr())
		_ = c.Send(ctx, &Reply{Result: result.ErrOutOfSessions, Error: result.ErrOutOfSessions.Error()})
		_ = c.Close()
		return
	}

	var sctx any
	if l.cfg.Contexts != nil {
		v, err := l.cfg.Contexts.Allocate(spec.Name)
		if err != nil {
			l.logger.Warn("dispatch: allocate session context", "service", spec.Name, "error", err)
			_ = c.Close()
			return
		}
		sctx = v
	}

	l.nextID++
	s := &Session{
		ID:      l.nextID,
		Service: spec.Name,
		Remote:  c.RemoteAddr(),
		Context: sctx,
		conn:    c,
		next:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	l.sessions[s.ID] = s
	l.counts[svc]++
	l.logger.Debug("dispatch: session opened", "service", spec.Name, "session", s.ID, "remote", s.Remote)

	l.wg.Add(1)
	go l.pumpRequests(ctx, s)
}

// pumpRequests reads one request at a time; the next read waits until the
// loop has replied.
func (l *loop) pumpRequests(ctx context.Context, s *Session) {
	defer l.wg.Done()
	for {
		req, err := s.conn.Receive(ctx)
		select {
		case l.requests <- incoming{s: s, req: req, err: err}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		select {
		case <-s.next:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *loop) closeSession(s *Session, cause error) {
	if _, ok := l.sessions[s.ID]; !ok {
		return
	}
	delete(l.sessions, s.ID)
	close(s.done)
	if i := l.serviceIndex(s.Service); i >= 0 {
		l.counts[i]--
	}
	_ = s.conn.Close()
	if l.cfg.Contexts != nil && s.Context != nil {
		l.cfg.Contexts.Free(s.Context)
	}
	// A remote close is a normal end of session.
	l.logger.Debug("dispatch: session closed", "service", s.Service, "session", s.ID, "cause", cause)
}

func (l *loop) shutdown() {
	for _, s := range l.sessions {
		l.closeSession(s, context.Canceled)
	}
	for _, p := range l.ports {
		_ = p.Close()
	}
	for _, name := range l.registered {
		if err := l.cfg.Registrar.UnregisterService(name); err != nil {
			l.logger.Warn("dispatch: unregister service", "service", name, "error", err)
		}
	}
	l.wg.Wait()
}

func (s *Session) String() string {
	return fmt.Sprintf("%s#%d", s.Service, s.ID)
}
