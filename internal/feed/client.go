package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/infra"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/market"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/metrics"
)

// State is the feed client connection phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateFailed // terminal: needs an external credential refresh
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Router receives every decoded tick and knows which tokens the feed
// must stay subscribed to. Implemented by the chain registry.
type Router interface {
	Route(market.Tick)
	ActiveTokens() []uint32
}

// AuthSink is told when the session dies of an authentication error
// so downstream clients get an explicit notice instead of silence.
// Implemented by the broadcast hub.
type AuthSink interface {
	NotifyAuthRequired()
}

// control messages exchanged during the handshake and mid-stream.
type controlMsg struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
}

type authRequest struct {
	Action     string `json:"action"`
	Token      string `json:"token"`
	ClientCode string `json:"client_code,omitempty"`
}

type subscribeRequest struct {
	Action string   `json:"action"`
	Mode   int      `json:"mode"`
	Tokens []uint32 `json:"tokens"`
}

// Client manages the upstream feed socket lifecycle: connect,
// authenticate, subscribe, stream, reconnect with jittered backoff.
// Authentication rejections are terminal; every other error retries.
type Client struct {
	url    string
	creds  CredentialSource
	store  *market.Store
	router Router
	auth   AuthSink

	ReadTimeout      time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	state atomic.Int32

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a feed client. Decoded ticks go to the store and
// the router; authentication loss is reported to the auth sink.
func NewClient(url string, creds CredentialSource, store *market.Store, router Router, auth AuthSink) *Client {
	return &Client{
		url:              url,
		creds:            creds,
		store:            store,
		router:           router,
		auth:             auth,
		ReadTimeout:      30 * time.Second,
		PingInterval:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// State returns the current connection phase.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		slog.Info("feed client state change", "from", old.String(), "to", s.String())
	}
}

// Start runs the connection loop in the background.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop terminates the client and waits for its goroutines.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
}

func (c *Client) run(ctx context.Context) {
	retry := 0

	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
		}

		err := c.session(ctx)
		if err == nil || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		if IsAuthError(err) {
			// Terminal: the session cannot recover without an external
			// credential refresh. Tell the broadcaster so downstream
			// clients hear "authentication required", not a generic error.
			metrics.AuthFailures.Inc()
			c.setState(StateFailed)
			slog.Error("feed authentication lost, halting reconnects", "err", err)
			if c.auth != nil {
				c.auth.NotifyAuthRequired()
			}
			return
		}

		retry++
		metrics.Reconnects.Inc()
		c.setState(StateReconnecting)
		delay := infra.Backoff(retry - 1)
		slog.Warn("feed session ended, reconnecting", "err", err, "retry", retry, "delay", delay)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// session runs one full connect→stream cycle and reports why it ended.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)

	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("fetch credential: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+cred.Bearer)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Reason: resp.Status}
		}
		return fmt.Errorf("dial feed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.closeConn()

	c.setState(StateAuthenticating)
	if err := c.authenticate(conn, cred); err != nil {
		return err
	}

	// Reconnects replay the registry's full active token set so
	// coverage never silently shrinks.
	c.setState(StateSubscribing)
	if err := c.subscribe(); err != nil {
		return err
	}

	c.setState(StateStreaming)

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(pingCtx, conn)
	}()

	return c.readLoop(ctx, conn)
}

func (c *Client) authenticate(conn *websocket.Conn, cred Credential) error {
	req := authRequest{Action: "auth", Token: cred.Bearer, ClientCode: cred.ClientCode}
	if err := c.writeJSON(req); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth ack: %w", err)
	}

	var ack controlMsg
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("parse auth ack: %w", err)
	}
	if ack.Status != "ok" {
		return &AuthError{Reason: ack.Code}
	}
	return nil
}

// Resubscribe pushes the current active token set on a live session.
// Called by the control plane when subscriptions change mid-stream.
func (c *Client) Resubscribe() error {
	if c.State() != StateStreaming {
		return nil
	}
	return c.subscribe()
}

func (c *Client) subscribe() error {
	tokens := c.router.ActiveTokens()
	if len(tokens) == 0 {
		return nil
	}
	req := subscribeRequest{Action: "subscribe", Mode: 3, Tokens: tokens}
	if err := c.writeJSON(req); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	slog.Info("feed subscriptions issued", "tokens", len(tokens))
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.handleFrame(raw)
		case websocket.TextMessage:
			if err := c.handleControl(raw); err != nil {
				return err
			}
		}
	}
}

// handleFrame decodes one binary frame and routes its ticks. A
// malformed frame is logged and dropped; the connection stays open.
func (c *Client) handleFrame(raw []byte) {
	ticks, err := Decode(raw)
	if err != nil {
		var de *DecodeError
		kind := "unknown"
		if errors.As(err, &de) {
			kind = de.Kind.String()
		}
		metrics.DecodeErrors.WithLabelValues(kind).Inc()
		slog.Warn("dropped malformed frame", "err", err)
		return
	}

	for _, t := range ticks {
		metrics.TicksDecoded.Inc()
		if !c.store.Update(t) {
			metrics.StaleDrops.Inc()
			continue
		}
		c.router.Route(t)
	}
}

// handleControl processes mid-stream text messages. Auth expiry from
// the vendor arrives here rather than as a socket error.
func (c *Client) handleControl(raw []byte) error {
	var msg controlMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("unparseable control message", "raw", string(raw))
		return nil
	}
	if msg.Status == "error" && strings.HasPrefix(msg.Code, "AUTH") {
		return &AuthError{Reason: msg.Code}
	}
	return nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				// The read loop will notice the dead socket.
				return
			}
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("feed not connected")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
