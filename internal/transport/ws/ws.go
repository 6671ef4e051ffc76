// Package ws carries dispatcher sessions over websockets. Each registered
// service is reachable at <mount>/{service}; every text frame is one
// protojson-encoded structpb.Struct.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pmd/pmd/internal/dispatch"
	"github.com/pmd/pmd/internal/result"
)

var ErrUnknownService = errors.New("ws: unknown service")

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// Server implements dispatch.Registrar over HTTP upgrades.
type Server struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	services map[string]*port
}

func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   slog.Default(),
		services: make(map[string]*port),
	}
}

func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Routes mounts the session endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/{service}", s.handleUpgrade)
}

func (s *Server) RegisterService(name string) (dispatch.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[name]; ok {
		return nil, fmt.Errorf("ws: service %q already registered", name)
	}
	p := &port{accept: make(chan dispatch.Conn), done: make(chan struct{})}
	s.services[name] = p
	return p, nil
}

func (s *Server) UnregisterService(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	delete(s.services, name)
	_ = p.Close()
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	s.mu.RLock()
	p := s.services[name]
	s.mu.RUnlock()
	if p == nil {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wsc.SetReadLimit(readLimit)
	c := &conn{ws: wsc, remote: r.RemoteAddr}

	select {
	case p.accept <- c:
	case <-p.done:
		_ = c.Close()
	case <-r.Context().Done():
		_ = c.Close()
	}
}

type port struct {
	accept chan dispatch.Conn
	once   sync.Once
	done   chan struct{}
}

func (p *port) Accept() <-chan dispatch.Conn { return p.accept }

func (p *port) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type conn struct {
	ws     *websocket.Conn
	remote string

	wmu  sync.Mutex
	once sync.Once
}

// Receive decodes one request frame. A remote close is reported as io.EOF.
func (c *conn) Receive(context.Context) (*dispatch.Request, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return DecodeRequest(data)
	}
}

func (c *conn) Send(_ context.Context, r *dispatch.Reply) error {
	b, err := EncodeReply(r)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) RemoteAddr() string { return c.remote }

// DecodeRequest parses {"id", "command", "args"}.
func DecodeRequest(b []byte) (*dispatch.Request, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	f := st.GetFields()
	req := &dispatch.Request{
		ID:      f["id"].GetStringValue(),
		Command: f["command"].GetStringValue(),
		Args:    f["args"].GetStructValue(),
	}
	if req.Args == nil {
		req.Args = &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return req, nil
}

// EncodeRequest is the client-side counterpart of DecodeRequest.
func EncodeRequest(r *dispatch.Request) ([]byte, error) {
	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":      structpb.NewStringValue(r.ID),
		"command": structpb.NewStringValue(r.Command),
	}}
	if r.Args != nil {
		st.Fields["args"] = structpb.NewStructValue(r.Args)
	}
	return protojson.Marshal(st)
}

func EncodeReply(r *dispatch.Reply) ([]byte, error) {
	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":     structpb.NewStringValue(r.ID),
		"result": structpb.NewNumberValue(float64(r.Result)),
	}}
	if r.Error != "" {
		st.Fields["error"] = structpb.NewStringValue(r.Error)
	}
	if r.Data != nil {
		st.Fields["data"] = structpb.NewStructValue(r.Data)
	}
	return protojson.Marshal(st)
}

func DecodeReply(b []byte) (*dispatch.Reply, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	f := st.GetFields()
	return &dispatch.Reply{
		ID:     f["id"].GetStringValue(),
		Result: result.Code(uint32(f["result"].GetNumberValue())),
		Error:  f["error"].GetStringValue(),
		Data:   f["data"].GetStructValue(),
	}, nil
}
