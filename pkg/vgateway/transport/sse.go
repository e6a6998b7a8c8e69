package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
)

// SSEConfig configures a Server-Sent-Events backend transport.
type SSEConfig struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// SSE receives messages over a long-lived GET stream of server-sent events
// and sends outgoing messages via a companion POST, as the http variant
// does.
type SSE struct {
	cfg SSEConfig

	mu       sync.Mutex
	closed   bool
	lastErr  error
	incoming chan *rpc.Envelope
	cancel   context.CancelFunc
}

// NewSSE constructs an SSE transport.
func NewSSE(cfg SSEConfig) *SSE {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &SSE{cfg: cfg, incoming: make(chan *rpc.Envelope, 32)}
}

// Start opens the long-lived GET stream and begins reading events.
func (s *SSE) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("sse transport: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("sse transport: open stream: %w", err)
	}
	if resp.StatusCode >= 300 {
		cancel()
		resp.Body.Close()
		return fmt.Errorf("sse transport: backend returned status %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.readEvents(resp.Body)
	return nil
}

func (s *SSE) readEvents(body io.ReadCloser) {
	defer body.Close()
	defer s.fail(fmt.Errorf("sse transport: stream ended: %w", ErrClosed))

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				s.dispatchFrame(data.Bytes())
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
		default:
			// comment or other SSE field; ignored.
		}
	}
	if data.Len() > 0 {
		s.dispatchFrame(data.Bytes())
	}
}

func (s *SSE) dispatchFrame(raw []byte) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return
	}
	var env rpc.Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		logger.Warnw("sse transport: discarding malformed frame", "error", err.Error())
		return
	}
	s.mu.Lock()
	closed := s.closed
	ch := s.incoming
	s.mu.Unlock()
	if closed {
		return
	}
	ch <- &env
}

// Send POSTs the message to the companion endpoint; the response body, if
// any, is ignored (the SSE stream carries the reply).
func (s *SSE) Send(ctx context.Context, env *rpc.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sse transport: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sse transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sse transport: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse transport: backend returned status %d", resp.StatusCode)
	}
	return nil
}

// Incoming returns the channel of decoded events.
func (s *SSE) Incoming() <-chan *rpc.Envelope { return s.incoming }

// Err returns the reason the stream ended.
func (s *SSE) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *SSE) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.lastErr = err
	close(s.incoming)
}

// Close cancels the stream request, which unwinds the reader goroutine and
// lets it close Incoming via fail. If the stream was never started, Close
// closes Incoming itself.
func (s *SSE) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	started := cancel != nil
	s.mu.Unlock()

	if started {
		cancel()
		return nil
	}
	s.fail(nil)
	return nil
}
