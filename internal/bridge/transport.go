// ABOUTME: Endpoint transports: stdio pipes, HTTP POST and WebSocket
// ABOUTME: Stream transports correlate responses to requests by JSON-RPC id

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/toolgate/internal/mcp"
)

// Transport delivers one JSON-RPC message to an endpoint. Requests return the
// matching response; notifications and responses return nil.
type Transport interface {
	Send(ctx context.Context, msg *mcp.Message) ([]byte, error)
	Close() error
}

// correlator tracks in-flight requests of a stream transport.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan []byte
	closed  chan struct{}
	err     error
	logger  *slog.Logger
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		pending: make(map[string]chan []byte),
		closed:  make(chan struct{}),
		logger:  logger,
	}
}

// register reserves a slot for the response to key.
func (c *correlator) register(key string) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, c.err
	default:
	}
	if _, exists := c.pending[key]; exists {
		return nil, fmt.Errorf("request id %s is already in flight", key)
	}
	ch := make(chan []byte, 1)
	c.pending[key] = ch
	return ch, nil
}

func (c *correlator) unregister(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

// deliver routes one line read from the endpoint.
func (c *correlator) deliver(line []byte) {
	msg, err := mcp.Parse(line)
	if err != nil {
		c.logger.Warn("dropping malformed message from endpoint", "error", err)
		return
	}
	if msg.Kind != mcp.KindResponse {
		c.logger.Debug("dropping server-initiated message", "kind", msg.Kind, "method", msg.Method)
		return
	}

	key := msg.IDKey()
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", "id", key)
		return
	}
	ch <- append([]byte(nil), msg.Raw...)
}

// fail ends every in-flight request with err. Later sends fail too.
func (c *correlator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}
	c.err = err
	close(c.closed)
	c.pending = make(map[string]chan []byte)
}

// roundTrip writes msg with write and waits for its response.
func (c *correlator) roundTrip(ctx context.Context, msg *mcp.Message, write func([]byte) error) ([]byte, error) {
	if msg.Kind != mcp.KindRequest {
		return nil, write(msg.Raw)
	}

	key := msg.IDKey()
	ch, err := c.register(key)
	if err != nil {
		return nil, err
	}
	if err := write(msg.Raw); err != nil {
		c.unregister(key)
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.closed:
		return nil, c.err
	case <-ctx.Done():
		c.unregister(key)
		return nil, ctx.Err()
	}
}

// stdioTransport speaks newline-delimited JSON-RPC over a child's pipes.
type stdioTransport struct {
	proc    Process
	writeMu sync.Mutex
	corr    *correlator
}

func newStdioTransport(proc Process, logger *slog.Logger) *stdioTransport {
	t := &stdioTransport{proc: proc, corr: newCorrelator(logger)}
	go t.readLoop()
	return t
}

func (t *stdioTransport) readLoop() {
	scanner := bufio.NewScanner(t.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), mcp.MaxMessageSize+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		t.corr.deliver(line)
	}
	err := ErrEndpointClosed
	if serr := scanner.Err(); serr != nil {
		err = fmt.Errorf("%w: %v", ErrEndpointClosed, serr)
	}
	t.corr.fail(err)
}

func (t *stdioTransport) write(raw []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// one message per line: interior whitespace must not split the frame
	var line bytes.Buffer
	line.Grow(len(raw) + 1)
	if err := json.Compact(&line, raw); err != nil {
		return fmt.Errorf("framing message: %w", err)
	}
	line.WriteByte('\n')
	if _, err := t.proc.Stdin().Write(line.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointClosed, err)
	}
	return nil
}

func (t *stdioTransport) Send(ctx context.Context, msg *mcp.Message) ([]byte, error) {
	return t.corr.roundTrip(ctx, msg, t.write)
}

func (t *stdioTransport) Close() error {
	t.corr.fail(ErrEndpointClosed)
	return nil
}

// SessionHeader carries the streamable HTTP session id.
const SessionHeader = "Mcp-Session-Id"

// httpTransport POSTs each message to a remote MCP endpoint.
type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	mu        sync.Mutex
	sessionID string
}

func newHTTPTransport(url string, headers map[string]string, client *http.Client) *httpTransport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &httpTransport{url: url, headers: headers, client: client}
}

func (t *httpTransport) Send(ctx context.Context, msg *mcp.Message) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(msg.Raw))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(SessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, mcp.MaxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	if msg.Kind != mcp.KindRequest {
		return nil, nil
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return firstEventResponse(body, msg.IDKey())
	}
	return bytes.TrimSpace(body), nil
}

// firstEventResponse returns the data of the first SSE event answering idKey.
func firstEventResponse(body []byte, idKey string) ([]byte, error) {
	var data []byte
	flush := func() []byte {
		defer func() { data = nil }()
		if len(data) == 0 {
			return nil
		}
		msg, err := mcp.Parse(data)
		if err != nil || msg.Kind != mcp.KindResponse || msg.IDKey() != idKey {
			return nil
		}
		return append([]byte(nil), msg.Raw...)
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), mcp.MaxMessageSize+1)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if reply := flush(); reply != nil {
				return reply, nil
			}
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	if reply := flush(); reply != nil {
		return reply, nil
	}
	return nil, errors.New("event stream ended without a response")
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// wsTransport exchanges JSON-RPC text frames over a WebSocket.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	corr    *correlator
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, url string, headers map[string]string, logger *slog.Logger) (*wsTransport, error) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	conn, resp, err := dialer.DialContext(ctx, url, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(mcp.MaxMessageSize)

	t := &wsTransport{conn: conn, corr: newCorrelator(logger)}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.corr.fail(fmt.Errorf("%w: %v", ErrEndpointClosed, err))
			return
		}
		t.corr.deliver(data)
	}
}

func (t *wsTransport) write(raw []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointClosed, err)
	}
	return nil
}

func (t *wsTransport) Send(ctx context.Context, msg *mcp.Message) ([]byte, error) {
	return t.corr.roundTrip(ctx, msg, t.write)
}

func (t *wsTransport) Close() error {
	t.corr.fail(ErrEndpointClosed)
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
