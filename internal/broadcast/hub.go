package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/analytics"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/chain"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/infra"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/metrics"
)

// envelope is the downstream wire message. Exactly one payload field
// is set, selected by Type.
type envelope struct {
	Type      string            `json:"type"`
	Symbol    string            `json:"symbol,omitempty"`
	Expiry    string            `json:"expiry,omitempty"`
	Chain     *chain.Snapshot   `json:"chain,omitempty"`
	Analytics *analytics.Result `json:"analytics,omitempty"`
	Message   string            `json:"message,omitempty"`
}

const (
	msgChain        = "chain"
	msgAnalytics    = "analytics"
	msgAuthRequired = "auth_required"
	msgError        = "error"
	msgAck          = "ack"
)

// HubConfig tunes per-connection queueing and per-topic push rate.
type HubConfig struct {
	QueueSize int
	// PushPerSecond caps chain snapshot deliveries per (symbol, expiry).
	// Tick bursts collapse into at most this many pushes; the bounded
	// queue plus latest-state-wins covers the rest.
	PushPerSecond float64
	PushBurst     int
}

func DefaultHubConfig() HubConfig {
	return HubConfig{QueueSize: defaultQueueSize, PushPerSecond: 4, PushBurst: 2}
}

// Hub owns every live downstream connection and the (symbol, expiry)
// topic index. Publishing never blocks: slow consumers are isolated
// behind their own bounded queues.
type Hub struct {
	registry *chain.Registry
	cfg      HubConfig

	mu       sync.RWMutex
	conns    map[string]*Conn
	topics   map[chain.Key]map[string]*Conn
	limiters map[chain.Key]*infra.RateLimiter

	onChange func()
}

func NewHub(registry *chain.Registry, cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PushPerSecond <= 0 {
		cfg.PushPerSecond = 4
	}
	if cfg.PushBurst <= 0 {
		cfg.PushBurst = 2
	}
	return &Hub{
		registry: registry,
		cfg:      cfg,
		conns:    make(map[string]*Conn),
		topics:   make(map[chain.Key]map[string]*Conn),
		limiters: make(map[chain.Key]*infra.RateLimiter),
	}
}

// SetSubscriptionHook registers a callback fired after the registry's
// active token set may have changed, so the feed client can replay
// its upstream subscriptions.
func (h *Hub) SetSubscriptionHook(fn func()) { h.onChange = fn }

func (h *Hub) subsChanged() {
	if h.onChange != nil {
		h.onChange()
	}
}

// Register admits a new downstream connection and starts its writer.
func (h *Hub) Register(ws wire) *Conn {
	c := newConn(uuid.NewString(), ws, h.cfg.QueueSize, h.release)

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	slog.Info("downstream connected", "conn", c.id)
	return c
}

// Subscribe attaches the connection to a chain topic, creating the
// builder through the registry if this is the first interest.
func (h *Hub) Subscribe(c *Conn, symbol, expiry string) {
	b := h.registry.Subscribe(symbol, expiry, c.id)
	key := b.Key()
	if !c.addSub(key) {
		// The writer already tore this connection down, so release ran
		// before we took the registry ref. Hand it straight back or the
		// chain never retires.
		h.registry.Unsubscribe(symbol, expiry, c.id)
		return
	}

	h.mu.Lock()
	set, ok := h.topics[key]
	if !ok {
		set = make(map[string]*Conn)
		h.topics[key] = set
		h.limiters[key] = infra.NewRateLimiter(h.cfg.PushBurst, h.cfg.PushPerSecond)
	}
	set[c.id] = c
	h.mu.Unlock()

	if c.isClosed() {
		// close raced the admission above; undo it. Unsubscribe is
		// idempotent per connection, a double release is harmless.
		c.removeSub(key)
		h.detach(c, key)
		h.registry.Unsubscribe(symbol, expiry, c.id)
		return
	}

	slog.Info("downstream subscribed", "conn", c.id, "symbol", symbol, "expiry", expiry)
	h.subsChanged()
}

// Unsubscribe detaches the connection from a topic and releases its
// registry reference.
func (h *Hub) Unsubscribe(c *Conn, symbol, expiry string) {
	key := chain.Key{Symbol: symbol, Expiry: expiry}
	if !c.subscribed(key) {
		return
	}
	c.removeSub(key)
	h.detach(c, key)
	h.registry.Unsubscribe(symbol, expiry, c.id)
	h.subsChanged()
}

// PublishChain fans a fresh chain snapshot out to the topic's
// connections, rate limited per topic so tick bursts collapse.
func (h *Hub) PublishChain(key chain.Key, snap *chain.Snapshot) {
	h.mu.RLock()
	limiter := h.limiters[key]
	h.mu.RUnlock()
	if limiter != nil && !limiter.TryAcquire() {
		metrics.BroadcastDrops.WithLabelValues("rate_limited").Inc()
		return
	}

	h.fanOut(key, envelope{
		Type:   msgChain,
		Symbol: key.Symbol,
		Expiry: key.Expiry,
		Chain:  snap,
	})
}

// PublishAnalytics implements analytics.Publisher. Analytics samples
// arrive on a slow fixed timer, so they bypass the topic limiter.
func (h *Hub) PublishAnalytics(key chain.Key, res *analytics.Result) {
	h.fanOut(key, envelope{
		Type:      msgAnalytics,
		Symbol:    key.Symbol,
		Expiry:    key.Expiry,
		Analytics: res,
	})
}

// NotifyAuthRequired tells every downstream client that the upstream
// session lost authentication, then closes them. Clients get the
// explicit condition, never a generic server error.
func (h *Hub) NotifyAuthRequired() {
	payload, err := json.Marshal(envelope{Type: msgAuthRequired, Message: "authentication required"})
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	slog.Warn("notifying downstream of authentication loss", "conns", len(conns))
	for _, c := range conns {
		c.enqueue(outbound{payload: payload, final: true})
	}
}

// DropChain force-detaches every subscriber of a retired chain. Wired
// as the registry's onRetire callback for expiry sweeps.
func (h *Hub) DropChain(key chain.Key) {
	h.mu.Lock()
	set := h.topics[key]
	delete(h.topics, key)
	delete(h.limiters, key)
	h.mu.Unlock()

	for _, c := range set {
		c.removeSub(key)
	}
}

func (h *Hub) fanOut(key chain.Key, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("marshal broadcast envelope", "err", err)
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.topics[key]))
	for _, c := range h.topics[key] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(outbound{payload: payload})
	}
}

// release is the Conn close hook: drop it from all indexes and give
// its subscriptions back to the registry.
func (h *Hub) release(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	subs := c.subscriptions()
	for _, key := range subs {
		h.detach(c, key)
		h.registry.Unsubscribe(key.Symbol, key.Expiry, c.id)
	}
	if len(subs) > 0 {
		h.subsChanged()
	}

	metrics.Subscribers.Dec()
	slog.Info("downstream disconnected", "conn", c.id)
}

func (h *Hub) detach(c *Conn, key chain.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[key]
	if !ok {
		return
	}
	delete(set, c.id)
	if len(set) == 0 {
		delete(h.topics, key)
		delete(h.limiters, key)
	}
}
