package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/chain"
	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/metrics"
)

// wire is the transport a Conn writes to. Satisfied by
// *websocket.Conn; tests substitute a capture.
type wire interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

const (
	defaultQueueSize = 16
	writeTimeout     = 5 * time.Second

	// maxWriteFailures consecutive outbound errors close the
	// connection and release its subscriptions.
	maxWriteFailures = 2
)

// outbound is one queued delivery. final closes the connection after
// the payload goes out, used for the authentication-required notice.
type outbound struct {
	payload []byte
	final   bool
}

// Conn is one downstream client. Delivery runs on a dedicated writer
// goroutine fed by a bounded queue; when the queue is full the oldest
// update is dropped so the newest always gets in (latest-state-wins).
// A slow client therefore skips generations but never stalls the hub.
type Conn struct {
	id string
	ws wire

	queue chan outbound
	done  chan struct{}

	mu     sync.Mutex
	subs   map[chain.Key]struct{}
	closed bool

	onClose func(*Conn)
}

func newConn(id string, ws wire, queueSize int, onClose func(*Conn)) *Conn {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	c := &Conn{
		id:      id,
		ws:      ws,
		queue:   make(chan outbound, queueSize),
		done:    make(chan struct{}),
		subs:    make(map[chain.Key]struct{}),
		onClose: onClose,
	}
	go c.writeLoop()
	return c
}

// ID is the connection's identity for subscription refcounting.
func (c *Conn) ID() string { return c.id }

// addSub records a subscription. It refuses once the connection is
// closed: release has already run by then, so anything added after
// would never be given back to the registry.
func (c *Conn) addSub(key chain.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs[key] = struct{}{}
	return true
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) removeSub(key chain.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, key)
}

func (c *Conn) subscriptions() []chain.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]chain.Key, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	return keys
}

func (c *Conn) subscribed(key chain.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[key]
	return ok
}

// enqueue offers a payload without ever blocking the caller. On a full
// queue it evicts the oldest entry and retries, so the bound holds and
// the newest update is always retained.
func (c *Conn) enqueue(msg outbound) {
	for {
		select {
		case <-c.done:
			return
		case c.queue <- msg:
			return
		default:
		}

		select {
		case <-c.queue:
			metrics.BroadcastDrops.WithLabelValues("queue_full").Inc()
		default:
		}
	}
}

func (c *Conn) writeLoop() {
	failures := 0
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			if wsConn, ok := c.ws.(*websocket.Conn); ok {
				wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			err := c.ws.WriteMessage(websocket.TextMessage, msg.payload)
			if err != nil {
				failures++
				metrics.BroadcastDrops.WithLabelValues("write_error").Inc()
				if failures >= maxWriteFailures {
					slog.Warn("closing downstream connection after repeated write failures",
						"conn", c.id, "failures", failures, "err", err)
					c.close()
					return
				}
			} else {
				failures = 0
			}
			if msg.final {
				c.close()
				return
			}
		}
	}
}

// close tears the connection down exactly once and reports it to the
// hub so subscriptions are released.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.ws.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}
