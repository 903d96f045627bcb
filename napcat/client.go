package napcat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// maxConcurrentHandlers caps how many pushed events are being handled at
// the same time. The receive loop itself never blocks on handlers.
const maxConcurrentHandlers = 50

var (
	ErrNotConnected = errors.New("napcat: not connected")
	ErrTimeout      = errors.New("napcat: call timed out")
	ErrClosed       = errors.New("napcat: connection closed")
)

type Config struct {
	WSURL       string
	AccessToken string
}

// Client is an OneBot API client over a single WebSocket connection to the
// NapCat bridge. Calls are correlated to replies by a generated echo token;
// pushed events fan out to registered handlers.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{} // closed on Disconnect, cancels in-flight calls

	writeMu sync.Mutex

	pending   map[string]chan json.RawMessage
	pendingMu sync.Mutex

	nextEcho atomic.Int64

	handlers []Handler
}

func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		pending: make(map[string]chan json.RawMessage),
	}
}

// AddMessageHandler registers a handler for pushed events. Handlers must be
// registered before Listen is started.
func (c *Client) AddMessageHandler(h Handler) {
	c.handlers = append(c.handlers, h)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the bridge. It is only valid on a fresh client or after a
// full Disconnect.
func (c *Client) Connect() error {
	wsURL := c.cfg.WSURL
	if c.cfg.AccessToken != "" {
		wsURL += "?access_token=" + url.QueryEscape(c.cfg.AccessToken)
	}

	slog.Info("connecting to napcat", "url", c.cfg.WSURL)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.WSURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()

	slog.Info("napcat connected")
	return nil
}

// Disconnect closes the connection. Every call still waiting on a reply
// resolves with ErrClosed. Connect may be called again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	slog.Info("napcat disconnected")
}

// Listen runs the receive loop until the transport closes or a read fails.
// The caller is expected to Disconnect and reconnect after a delay.
func (c *Client) Listen() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// Fresh limiter per session: a reconnect starts with a full window.
	sem := make(chan struct{}, maxConcurrentHandlers)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("napcat connection lost", "err", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(sem, data)
	}
}

// handleFrame classifies one inbound frame: API reply, meta event, or
// pushed event. Replies resolve their pending call and are never forwarded
// to handlers; meta events (heartbeat, lifecycle) are discarded.
func (c *Client) handleFrame(sem chan struct{}, data []byte) {
	var peek framePeek
	if err := json.Unmarshal(data, &peek); err != nil {
		slog.Warn("unparseable frame", "err", err)
		return
	}

	if peek.Echo != nil && (peek.Status != nil || peek.Retcode != nil) {
		echo := *peek.Echo
		c.pendingMu.Lock()
		ch, ok := c.pending[echo]
		if ok {
			delete(c.pending, echo)
		}
		c.pendingMu.Unlock()
		if !ok {
			// Late reply for a call that already timed out.
			slog.Debug("reply with unmatched echo dropped", "echo", echo)
			return
		}
		ch <- append(json.RawMessage(nil), data...)
		return
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("unparseable event", "err", err)
		return
	}
	if ev.PostType == "meta_event" {
		return
	}
	ev.Raw = append(json.RawMessage(nil), data...)

	go c.dispatch(sem, ev)
}

func (c *Client) dispatch(sem chan struct{}, ev Event) {
	sem <- struct{}{}
	defer func() { <-sem }()

	for _, h := range c.handlers {
		c.invoke(h, ev)
	}
}

// invoke runs one handler for one event. A failing or panicking handler is
// logged and never affects other handlers or the receive loop.
func (c *Client) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "panic", r)
		}
	}()
	if err := h(ev); err != nil {
		slog.Error("handler error", "err", err)
	}
}

// Call sends an API request and waits for the matching reply. On timeout
// the pending entry is removed; a reply arriving later is dropped by the
// receive loop without resolving anything.
func (c *Client) Call(action string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	echo := "echo_" + strconv.FormatInt(c.nextEcho.Add(1), 10)
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	if err := c.send(apiRequest{Action: action, Params: normalizeParams(params), Echo: echo}); err != nil {
		return nil, err
	}
	slog.Debug("api request sent", "action", action, "echo", echo)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-ch:
		slog.Debug("api reply received", "action", action, "echo", echo)
		return raw, nil
	case <-timer.C:
		slog.Warn("api call timed out", "action", action, "echo", echo)
		return nil, fmt.Errorf("%s: %w", action, ErrTimeout)
	case <-done:
		return nil, ErrClosed
	}
}

// CallNoWait sends an API request without registering for the reply.
// Intended for non-critical sends where a reply is not worth waiting on.
func (c *Client) CallNoWait(action string, params any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.send(apiRequest{Action: action, Params: normalizeParams(params)}); err != nil {
		return err
	}
	slog.Debug("api request sent, no reply expected", "action", action)
	return nil
}

func (c *Client) send(req apiRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.Action, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", req.Action, err)
	}
	return nil
}

func normalizeParams(params any) any {
	if params == nil {
		return map[string]any{}
	}
	return params
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
