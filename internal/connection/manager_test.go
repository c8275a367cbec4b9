package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// venueServer is a WebSocket endpoint that records every accepted socket
// and every frame received from the gateway.
type venueServer struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn

	frames chan string
}

func newVenueServer(t *testing.T) *venueServer {
	t.Helper()
	vs := &venueServer{frames: make(chan string, 64)}
	upgrader := websocket.Upgrader{}
	vs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		vs.mu.Lock()
		vs.conns = append(vs.conns, ws)
		vs.mu.Unlock()
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			vs.frames <- string(frame)
		}
	}))
	t.Cleanup(vs.Server.Close)
	return vs
}

func (vs *venueServer) wsURL() string {
	return "ws" + strings.TrimPrefix(vs.URL, "http")
}

func (vs *venueServer) connCount() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.conns)
}

func (vs *venueServer) conn(i int) *websocket.Conn {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.conns[i]
}

func (vs *venueServer) waitConns(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for vs.connCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("server saw %d connections, want %d", vs.connCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (vs *venueServer) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case frame := <-vs.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame from the gateway")
		return ""
	}
}

func TestAddAndSend(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("binance")
	defer m.Close()

	received := make(chan inbound, 16)
	m.SetMessageHandler(func(id string, frame []byte) {
		received <- inbound{id: id, frame: frame}
	})

	ctx := context.Background()
	if err := m.Add(ctx, "perp:main", vs.wsURL()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !m.Has("perp:main") {
		t.Fatal("Has = false after Add")
	}

	if err := m.Send(ctx, "perp:main", []byte(`{"method":"SUBSCRIBE"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := vs.nextFrame(t); got != `{"method":"SUBSCRIBE"}` {
		t.Errorf("server received %q", got)
	}

	if err := vs.conn(0).WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade"}`)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	select {
	case in := <-received:
		if in.id != "perp:main" || string(in.frame) != `{"e":"aggTrade"}` {
			t.Errorf("got message %q on %q", in.frame, in.id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message handler never saw the inbound frame")
	}
}

func TestAddIsIdempotentForLiveConnection(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("binance")
	defer m.Close()

	ctx := context.Background()
	if err := m.Add(ctx, "spot:main", vs.wsURL()); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := m.Add(ctx, "spot:main", vs.wsURL()); err != nil {
		t.Fatalf("second Add failed: %v", err)
	}

	// Give a hypothetical second dial a moment to land before asserting.
	time.Sleep(50 * time.Millisecond)
	if got := vs.connCount(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
}

func TestSendUnknownConnection(t *testing.T) {
	m := NewManager("binance")
	defer m.Close()

	err := m.Send(context.Background(), "spot:main", []byte("x"))
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Send error = %v, want ErrUnknownConnection", err)
	}
}

func TestAddDialFailure(t *testing.T) {
	vs := newVenueServer(t)
	url := vs.wsURL()
	vs.Close()

	m := NewManager("binance")
	defer m.Close()

	if err := m.Add(context.Background(), "spot:main", url); err == nil {
		t.Fatal("Add succeeded against a closed server")
	}
	if m.Has("spot:main") {
		t.Error("Has = true after failed Add")
	}
}

func TestSendOrderIsFIFO(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("binance")
	defer m.Close()

	ctx := context.Background()
	if err := m.Add(ctx, "perp:main", vs.wsURL()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	want := []string{"first", "second", "third", "fourth"}
	for _, payload := range want {
		if err := m.Send(ctx, "perp:main", []byte(payload)); err != nil {
			t.Fatalf("Send %q failed: %v", payload, err)
		}
	}
	for i, w := range want {
		if got := vs.nextFrame(t); got != w {
			t.Errorf("frame %d = %q, want %q", i, got, w)
		}
	}
}

func TestReconnectSwapsSocketAndNotifies(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("binance")
	defer m.Close()

	reconnected := make(chan string, 1)
	m.SetReconnectHandler(func(id string) {
		reconnected <- id
	})
	received := make(chan inbound, 16)
	m.SetMessageHandler(func(id string, frame []byte) {
		received <- inbound{id: id, frame: frame}
	})

	ctx := context.Background()
	if err := m.Add(ctx, "perp:main", vs.wsURL()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	before, _ := m.Info("perp:main")

	// Kill the first socket server-side; the receive loop must queue a
	// reconnect and swap in a fresh connection.
	vs.conn(0).Close()
	vs.waitConns(t, 2)

	select {
	case id := <-reconnected:
		if id != "perp:main" {
			t.Errorf("reconnect handler got id %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect handler was never invoked")
	}

	if !m.Has("perp:main") {
		t.Fatal("Has = false after reconnect")
	}
	after, _ := m.Info("perp:main")
	if after.CreatedAt.Before(before.CreatedAt) {
		t.Error("reconnect did not refresh the creation timestamp")
	}

	// Traffic flows on the new socket in both directions.
	if err := m.Send(ctx, "perp:main", []byte("resub")); err != nil {
		t.Fatalf("Send after reconnect failed: %v", err)
	}
	if got := vs.nextFrame(t); got != "resub" {
		t.Errorf("frame after reconnect = %q", got)
	}
	if err := vs.conn(1).WriteMessage(websocket.TextMessage, []byte("fresh")); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	select {
	case in := <-received:
		if string(in.frame) != "fresh" {
			t.Errorf("got %q after reconnect", in.frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound frame after reconnect")
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("binance")
	defer m.Close()

	ctx := context.Background()
	if err := m.Add(ctx, "spot:main", vs.wsURL()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := m.Remove(ctx, "spot:main"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Has("spot:main") {
		if time.Now().After(deadline) {
			t.Fatal("entry still present after Remove")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := m.Send(ctx, "spot:main", []byte("x"))
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Send after Remove = %v, want ErrUnknownConnection", err)
	}
}

func TestSendFailureRemovesConnection(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("binance")
	defer m.Close()

	ctx := context.Background()
	if err := m.Add(ctx, "perp:main", vs.wsURL()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Poison the socket under the manager and take the venue away so the
	// triggered reconnect cannot resurrect it.
	m.tableMu.RLock()
	ws := m.table["perp:main"].ws
	m.tableMu.RUnlock()
	ws.UnderlyingConn().Close()
	vs.Close()

	if err := m.Send(ctx, "perp:main", []byte("doomed")); err == nil {
		t.Fatal("Send on a dead socket succeeded")
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Has("perp:main") {
		if time.Now().After(deadline) {
			t.Fatal("connection still present after send failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("binance")

	ctx := context.Background()
	if err := m.Add(ctx, "spot:main", vs.wsURL()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := m.Add(ctx, "perp:main", vs.wsURL()); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after Close = %v, want ErrClosed", err)
	}
	if err := m.Send(ctx, "spot:main", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestInfoSnapshot(t *testing.T) {
	vs := newVenueServer(t)
	m := NewManager("kraken")
	defer m.Close()

	if _, ok := m.Info("spot:main"); ok {
		t.Fatal("Info reported an entry before Add")
	}
	if err := m.Add(context.Background(), "spot:main", vs.wsURL()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	info, ok := m.Info("spot:main")
	if !ok {
		t.Fatal("Info missing after Add")
	}
	if info.URI != vs.wsURL() || info.Closed {
		t.Errorf("Info = %+v", info)
	}
	ids := m.IDs()
	if len(ids) != 1 || ids[0] != "spot:main" {
		t.Errorf("IDs = %v", ids)
	}
}
