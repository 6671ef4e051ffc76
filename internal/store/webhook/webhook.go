// Package webhook batches lifecycle events and POSTs them as JSON arrays.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/pkg/types"
)

type Options struct {
	URL           string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	Headers       map[string]string
	// Topics limits delivery to event types or categories. Empty means all.
	Topics []string
}

type Store struct {
	opts   Options
	client *http.Client

	mu        sync.Mutex
	buf       []types.Event
	lastFlush time.Time
	closed    bool
}

func New(opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	for _, t := range opts.Topics {
		if !events.ValidTopic(t) {
			return nil, fmt.Errorf("webhook topic %q is not an event type or category", t)
		}
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers
	return &Store{
		opts:      opts,
		client:    &http.Client{Timeout: opts.Timeout},
		lastFlush: time.Now().UTC(),
	}, nil
}

func (s *Store) wants(ev types.Event) bool {
	if len(s.opts.Topics) == 0 {
		return true
	}
	cat := events.Category(ev.Type)
	for _, t := range s.opts.Topics {
		if t == events.AllTopics || t == ev.Type || t == cat {
			return true
		}
	}
	return false
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if !s.wants(ev) {
		return nil
	}
	var toFlush []types.Event

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, ev)
	now := time.Now().UTC()
	if len(s.buf) >= s.opts.BatchSize || now.Sub(s.lastFlush) >= s.opts.FlushInterval {
		toFlush = s.buf
		s.buf = nil
		s.lastFlush = now
	}
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	return s.flush(ctx, toFlush)
}

func (s *Store) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("webhook journal does not support queries")
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	toFlush := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	return s.flush(ctx, toFlush)
}

func (s *Store) flush(ctx context.Context, batch []types.Event) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
