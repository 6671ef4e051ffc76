package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pmd/pmd/internal/result"
)

type pipeConn struct {
	in     chan *Request
	out    chan *Reply
	once   sync.Once
	closed chan struct{}
}

func newPipe() *pipeConn {
	return &pipeConn{in: make(chan *Request, 4), out: make(chan *Reply, 4), closed: make(chan struct{})}
}

func (c *pipeConn) Receive(ctx context.Context) (*Request, error) {
	select {
	case r, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return r, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Send(_ context.Context, r *Reply) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.out <- r
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) RemoteAddr() string { return "pipe" }

func (c *pipeConn) call(t *testing.T, cmd string) *Reply {
	t.Helper()
	c.in <- &Request{ID: cmd, Command: cmd}
	select {
	case r := <-c.out:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply to %s", cmd)
		return nil
	}
}

type chanPort struct {
	ch     chan Conn
	closed bool
	mu     sync.Mutex
}

func (p *chanPort) Accept() <-chan Conn { return p.ch }

func (p *chanPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeRegistrar struct {
	mu           sync.Mutex
	ports        map[string]*chanPort
	unregistered []string
}

func (r *fakeRegistrar) RegisterService(name string) (Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &chanPort{ch: make(chan Conn)}
	r.ports[name] = p
	return p, nil
}

func (r *fakeRegistrar) UnregisterService(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, name)
	return nil
}

func (r *fakeRegistrar) port(name string) *chanPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ports[name]
}

type countingContexts struct {
	mu    sync.Mutex
	live  int
	freed int
}

func (c *countingContexts) Allocate(string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live++
	return new(int), nil
}

func (c *countingContexts) Free(any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live--
	c.freed++
}

func (c *countingContexts) snapshot() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live, c.freed
}

func echo(_ context.Context, s *Session, req *Request) *Reply {
	*(s.Context.(*int))++
	data, _ := structpb.NewStruct(map[string]any{"command": req.Command, "calls": float64(*(s.Context.(*int)))})
	if req.Command == "fail" {
		return &Reply{Result: result.ErrInvalidCommand}
	}
	return &Reply{Data: data}
}

type harness struct {
	reg      *fakeRegistrar
	ctxs     *countingContexts
	notes    chan uint32
	done     chan error
	cancel   context.CancelFunc
	raw      *chanPort
	notified chan uint32
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:      &fakeRegistrar{ports: map[string]*chanPort{}},
		ctxs:     &countingContexts{},
		notes:    make(chan uint32, 1),
		done:     make(chan error, 1),
		raw:      &chanPort{ch: make(chan Conn)},
		notified: make(chan uint32, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	cfg := Config{
		Services: []Service{
			{Name: "pm:app", MaxSessions: 2, Handler: echo},
			{Name: "pm:dbg", MaxSessions: 1, Handler: echo},
			{Name: "raw", Handler: echo, Port: h.raw},
		},
		Registrar:     h.reg,
		Contexts:      h.ctxs,
		Notifications: h.notes,
		NotificationHandlers: map[uint32]func(context.Context, uint32){
			0x10C: func(_ context.Context, id uint32) { h.notified <- id },
		},
	}
	go func() { h.done <- Run(ctx, cfg) }()
	require.Eventually(t, func() bool { return h.reg.port("pm:dbg") != nil }, time.Second, time.Millisecond)
	t.Cleanup(cancel)
	return h
}

func (h *harness) connect(p *chanPort) *pipeConn {
	c := newPipe()
	p.ch <- c
	return c
}

func TestRequestsAreServedPerSession(t *testing.T) {
	h := start(t)
	a := h.connect(h.reg.port("pm:app"))
	b := h.connect(h.reg.port("pm:app"))

	r := a.call(t, "launch")
	assert.Equal(t, "launch", r.ID)
	assert.Equal(t, result.Success, r.Result)
	assert.Equal(t, float64(1), r.Data.AsMap()["calls"])
	assert.Equal(t, float64(2), a.call(t, "again").Data.AsMap()["calls"])
	assert.Equal(t, float64(1), b.call(t, "other").Data.AsMap()["calls"], "session contexts are separate")
	assert.Equal(t, result.ErrInvalidCommand, a.call(t, "fail").Result)

	raw := h.connect(h.raw)
	assert.Equal(t, result.Success, raw.call(t, "ping").Result)
}

func TestSessionLimitAndRemoteClose(t *testing.T) {
	h := start(t)
	port := h.reg.port("pm:dbg")
	first := h.connect(port)
	first.call(t, "hello")

	second := h.connect(port)
	select {
	case r := <-second.out:
		assert.Equal(t, result.ErrOutOfSessions, r.Result)
	case <-time.After(time.Second):
		t.Fatal("over-limit session was not rejected")
	}
	<-second.closed

	// Closing the first session frees its slot and its context.
	close(first.in)
	require.Eventually(t, func() bool {
		_, freed := h.ctxs.snapshot()
		return freed == 1
	}, time.Second, time.Millisecond)
	third := h.connect(port)
	assert.Equal(t, result.Success, third.call(t, "hello").Result)
}

func TestNotifications(t *testing.T) {
	h := start(t)
	c := h.connect(h.reg.port("pm:app"))
	c.call(t, "hello")

	h.notes <- 0x10C
	select {
	case id := <-h.notified:
		assert.Equal(t, uint32(0x10C), id)
	case <-time.After(time.Second):
		t.Fatal("notification handler not called")
	}

	h.notes <- NotifyShutdown
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	<-c.closed
	live, _ := h.ctxs.snapshot()
	assert.Zero(t, live)
	assert.ElementsMatch(t, []string{"pm:app", "pm:dbg"}, h.reg.unregistered)
	assert.True(t, h.raw.closed)
}

func TestRunValidatesConfig(t *testing.T) {
	assert.ErrorIs(t, Run(context.Background(), Config{}), ErrNoServices)
	err := Run(context.Background(), Config{Services: []Service{{Name: "x", Handler: echo}}})
	assert.Error(t, err)
}
