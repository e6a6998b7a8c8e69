package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/rpc"
)

// HTTPConfig configures a plain-HTTP backend transport.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// HTTP transports each outgoing message as a POST and delivers the parsed
// response body on Incoming. There is no server-initiated push in this
// variant; backend notifications are not possible over plain HTTP.
type HTTP struct {
	cfg HTTPConfig

	mu       sync.Mutex
	closed   bool
	lastErr  error
	incoming chan *rpc.Envelope
}

// NewHTTP constructs an HTTP transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &HTTP{cfg: cfg, incoming: make(chan *rpc.Envelope, 8)}
}

// Start is a no-op beyond marking the transport usable; HTTP has no
// persistent connection to establish up front.
func (h *HTTP) Start(_ context.Context) error {
	return nil
}

// Send POSTs the message and enqueues the parsed response on Incoming.
func (h *HTTP) Send(ctx context.Context, env *rpc.Envelope) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("http transport: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		h.fail(fmt.Errorf("http transport: request: %w", err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("http transport: backend returned status %d", resp.StatusCode)
		return err
	}

	var reply rpc.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("http transport: decode response: %w", err)
	}

	return h.deliver(ctx, &reply)
}

// deliver enqueues env on Incoming, guarding against a concurrent Close
// closing the channel underneath a send.
func (h *HTTP) deliver(ctx context.Context, env *rpc.Envelope) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	ch := h.incoming
	h.mu.Unlock()

	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HTTP) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.lastErr = err
		close(h.incoming)
	}
}

// Incoming returns the channel of decoded responses.
func (h *HTTP) Incoming() <-chan *rpc.Envelope { return h.incoming }

// Err returns the reason the transport stopped, if any.
func (h *HTTP) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Close marks the transport closed and unblocks Incoming.
func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.incoming)
	return nil
}
