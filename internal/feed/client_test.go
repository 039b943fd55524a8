package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/internal/market"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type recordingRouter struct {
	tokens []uint32
	routed atomic.Int64
}

func (r *recordingRouter) Route(market.Tick) { r.routed.Add(1) }

func (r *recordingRouter) ActiveTokens() []uint32 { return r.tokens }

type recordingAuthSink struct {
	notified atomic.Bool
}

func (s *recordingAuthSink) NotifyAuthRequired() { s.notified.Store(true) }

// mockFeedServer accepts one websocket session, acks the auth request
// and invokes serve with the live connection.
func mockFeedServer(t *testing.T, authStatus string, serve func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var auth authRequest
		if err := conn.ReadJSON(&auth); err != nil {
			t.Errorf("read auth: %v", err)
			return
		}
		if auth.Action != "auth" || auth.Token == "" {
			t.Errorf("malformed auth request: %+v", auth)
		}

		ack := controlMsg{Status: authStatus}
		if authStatus != "ok" {
			ack.Code = "AUTH_INVALID_TOKEN"
		}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
		if authStatus != "ok" {
			return
		}
		serve(conn)
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func snapQuoteFrame(token uint32, seq uint64, ltpPaise int64) []byte {
	frame := make([]byte, headerSize+snapQuoteRecordSize)
	frame[0] = msgSnapQuote
	binary.LittleEndian.PutUint16(frame[1:3], 1)
	rec := frame[headerSize:]
	binary.LittleEndian.PutUint32(rec[0:4], token)
	binary.LittleEndian.PutUint64(rec[4:12], seq)
	binary.LittleEndian.PutUint64(rec[12:20], uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint64(rec[20:28], uint64(ltpPaise))
	return frame
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestClientAuthSubscribeStream(t *testing.T) {
	var gotSubscribe atomic.Bool

	srv := mockFeedServer(t, "ok", func(conn *websocket.Conn) {
		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Action != "subscribe" || len(sub.Tokens) != 2 {
			t.Errorf("unexpected subscribe request: %+v", sub)
		}
		gotSubscribe.Store(true)

		conn.WriteMessage(websocket.BinaryMessage, snapQuoteFrame(26000, 1, 1050025))
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	store := market.NewStore()
	router := &recordingRouter{tokens: []uint32{26000, 26001}}
	client := NewClient(wsURL(srv), StaticCredentials{Token: "token-1", ClientCode: "CC1"}, store, router, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitFor(t, 2*time.Second, func() bool { return router.routed.Load() >= 1 })

	if !gotSubscribe.Load() {
		t.Fatal("server never saw the subscribe request")
	}
	q, ok := store.Get(26000)
	if !ok {
		t.Fatal("tick never reached the store")
	}
	if q.Seq != 1 {
		t.Fatalf("stored seq = %d, want 1", q.Seq)
	}
	if client.State() != StateStreaming && client.State() != StateReconnecting {
		t.Fatalf("state = %s after streaming", client.State())
	}
}

func TestClientAuthRejectionIsTerminal(t *testing.T) {
	srv := mockFeedServer(t, "error", nil)
	defer srv.Close()

	store := market.NewStore()
	router := &recordingRouter{tokens: []uint32{26000}}
	sink := &recordingAuthSink{}
	client := NewClient(wsURL(srv), StaticCredentials{Token: "bad-token"}, store, router, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitFor(t, 2*time.Second, func() bool { return client.State() == StateFailed })

	if !sink.notified.Load() {
		t.Fatal("auth sink was not notified")
	}

	// Terminal means terminal: no reconnect attempt follows.
	time.Sleep(100 * time.Millisecond)
	if got := client.State(); got != StateFailed {
		t.Fatalf("state left FAILED: %s", got)
	}
}

func TestClientReconnectsAfterTransportError(t *testing.T) {
	var sessions atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := sessions.Add(1)

		var auth authRequest
		conn.ReadJSON(&auth)
		conn.WriteJSON(controlMsg{Status: "ok"})

		var sub subscribeRequest
		conn.ReadJSON(&sub)

		if n == 1 {
			// Kill the first session mid-stream.
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	store := market.NewStore()
	router := &recordingRouter{tokens: []uint32{26000}}
	client := NewClient(wsURL(srv), StaticCredentials{Token: "token-1"}, store, router, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	// Backoff for the first retry is bounded by ~1s.
	waitFor(t, 5*time.Second, func() bool { return sessions.Load() >= 2 })
}

func TestClientDropsMalformedFrameAndStaysConnected(t *testing.T) {
	srv := mockFeedServer(t, "ok", func(conn *websocket.Conn) {
		var sub subscribeRequest
		conn.ReadJSON(&sub)

		// Garbage body length, then a valid frame on the same session.
		conn.WriteMessage(websocket.BinaryMessage, []byte{msgSnapQuote, 1, 0, 0xde, 0xad})
		conn.WriteMessage(websocket.BinaryMessage, snapQuoteFrame(26000, 7, 200000))
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	store := market.NewStore()
	router := &recordingRouter{tokens: []uint32{26000}}
	client := NewClient(wsURL(srv), StaticCredentials{Token: "token-1"}, store, router, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitFor(t, 2*time.Second, func() bool {
		q, ok := store.Get(26000)
		return ok && q.Seq == 7
	})
}

func TestClientMidStreamAuthExpiry(t *testing.T) {
	srv := mockFeedServer(t, "ok", func(conn *websocket.Conn) {
		var sub subscribeRequest
		conn.ReadJSON(&sub)

		notice, _ := json.Marshal(controlMsg{Status: "error", Code: "AUTH_SESSION_EXPIRED"})
		conn.WriteMessage(websocket.TextMessage, notice)
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	store := market.NewStore()
	router := &recordingRouter{tokens: []uint32{26000}}
	sink := &recordingAuthSink{}
	client := NewClient(wsURL(srv), StaticCredentials{Token: "token-1"}, store, router, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitFor(t, 2*time.Second, func() bool { return client.State() == StateFailed })
	if !sink.notified.Load() {
		t.Fatal("auth sink was not notified of mid-stream expiry")
	}
}
