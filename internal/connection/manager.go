// Package connection owns the gateway's upstream WebSockets. All mutations
// of the connection table flow through a single update queue drained by one
// processor goroutine; inbound frames flow through a single message queue.
// Callers observe completion of Add and Send through per-request channels.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/metrics"
)

var (
	// ErrClosed reports an operation on a manager that has been shut down.
	ErrClosed = errors.New("connection manager closed")
	// ErrUnknownConnection reports an operation on an id with no table entry.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrConnectionClosed reports a send on an entry already marked closed.
	ErrConnectionClosed = errors.New("connection closed")
)

type reqKind int

const (
	reqAdd reqKind = iota
	reqRemove
	reqReconnect
	reqSend
)

// request is one tagged entry on the update queue. done is nil for
// fire-and-forget requests; otherwise it has capacity 1 so the processor
// never blocks completing it.
type request struct {
	kind    reqKind
	id      string
	uri     string
	payload []byte
	gen     uint64
	done    chan error
}

type inbound struct {
	id    string
	frame []byte
}

// conn is one table entry. Only the update processor writes it; readers go
// through the table lock.
type conn struct {
	ws        *websocket.Conn
	uri       string
	createdAt time.Time
	closed    bool
	gen       uint64
	retry     *backoff.ExponentialBackOff
}

// Info is a read-only snapshot of a table entry.
type Info struct {
	URI       string
	CreatedAt time.Time
	Closed    bool
}

// MessageHandler receives every inbound frame in arrival order per
// connection.
type MessageHandler func(connectionID string, frame []byte)

// ReconnectHandler is invoked after a reconnect swapped in a new socket, on
// a detached goroutine so it may call Send.
type ReconnectHandler func(connectionID string)

// Manager multiplexes a named set of upstream WebSockets for one venue.
type Manager struct {
	venue  string
	dialer websocket.Dialer

	updates  chan request
	messages chan inbound

	tableMu sync.RWMutex
	table   map[string]*conn

	submitGuard sync.Mutex
	submitMu    map[string]*sync.Mutex

	onMessage   MessageHandler
	onReconnect ReconnectHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	recvWG sync.WaitGroup
	genSeq atomic.Uint64
	closed atomic.Bool
}

// NewManager starts a manager for one venue. Handlers must be registered
// before the first Add.
func NewManager(venue string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		venue:    venue,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		updates:  make(chan request, 64),
		messages: make(chan inbound, 1024),
		table:    make(map[string]*conn),
		submitMu: make(map[string]*sync.Mutex),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.wg.Add(2)
	go m.updateProcessor()
	go m.messageProcessor()
	return m
}

// SetMessageHandler registers the inbound frame callback.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.onMessage = h
}

// SetReconnectHandler registers the post-reconnect callback.
func (m *Manager) SetReconnectHandler(h ReconnectHandler) {
	m.onReconnect = h
}

// submitLock returns the per-connection lock that linearizes update-queue
// submission for one id.
func (m *Manager) submitLock(id string) *sync.Mutex {
	m.submitGuard.Lock()
	defer m.submitGuard.Unlock()
	mu, ok := m.submitMu[id]
	if !ok {
		mu = &sync.Mutex{}
		m.submitMu[id] = mu
	}
	return mu
}

// enqueue places a request on the update queue, giving up if the manager or
// the caller's context ends first.
func (m *Manager) enqueue(ctx context.Context, req request) error {
	if m.closed.Load() {
		return ErrClosed
	}
	select {
	case m.updates <- req:
		return nil
	case <-m.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await blocks until the processor completes the request.
func (m *Manager) await(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-m.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add opens a connection and completes when the handshake finishes or
// fails. Adding an id that already has a live socket succeeds without
// dialing.
func (m *Manager) Add(ctx context.Context, id, uri string) error {
	mu := m.submitLock(id)
	mu.Lock()
	defer mu.Unlock()

	done := make(chan error, 1)
	if err := m.enqueue(ctx, request{kind: reqAdd, id: id, uri: uri, done: done}); err != nil {
		return err
	}
	return m.await(ctx, done)
}

// Send writes a frame on a connection and completes when the frame is
// handed to the socket or fails. Concurrent Sends for one id enter the
// update queue in FIFO order.
func (m *Manager) Send(ctx context.Context, id string, payload []byte) error {
	mu := m.submitLock(id)
	mu.Lock()
	defer mu.Unlock()

	done := make(chan error, 1)
	if err := m.enqueue(ctx, request{kind: reqSend, id: id, payload: payload, done: done}); err != nil {
		return err
	}
	return m.await(ctx, done)
}

// Remove deletes a connection and closes its socket in the background.
// Removing an unknown id is a no-op.
func (m *Manager) Remove(ctx context.Context, id string) error {
	mu := m.submitLock(id)
	mu.Lock()
	defer mu.Unlock()

	return m.enqueue(ctx, request{kind: reqRemove, id: id})
}

// Reconnect queues an unconditional reconnect for the given id.
func (m *Manager) Reconnect(id string) error {
	mu := m.submitLock(id)
	mu.Lock()
	defer mu.Unlock()

	return m.enqueue(context.Background(), request{kind: reqReconnect, id: id})
}

// Has reports whether the id has a live table entry.
func (m *Manager) Has(id string) bool {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	entry, ok := m.table[id]
	return ok && !entry.closed
}

// Info returns a snapshot of a table entry.
func (m *Manager) Info(id string) (Info, bool) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	entry, ok := m.table[id]
	if !ok {
		return Info{}, false
	}
	return Info{URI: entry.uri, CreatedAt: entry.createdAt, Closed: entry.closed}, true
}

// IDs lists the current connection ids, sorted.
func (m *Manager) IDs() []string {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	ids := make([]string, 0, len(m.table))
	for id := range m.table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close drains the queues, stops both processors, closes every live socket
// and waits for all receive loops to exit.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.wg.Wait()

	// Fail whatever was still queued.
	for {
		select {
		case req := <-m.updates:
			if req.done != nil {
				req.done <- ErrClosed
			}
			continue
		default:
		}
		break
	}
	for {
		select {
		case <-m.messages:
			continue
		default:
		}
		break
	}

	m.tableMu.Lock()
	for id, entry := range m.table {
		entry.closed = true
		_ = entry.ws.Close()
		delete(m.table, id)
		metrics.RecordConnectionStatus(m.venue, id, false)
	}
	m.tableMu.Unlock()

	m.recvWG.Wait()
	log.Info().Str("exchange", m.venue).Msg("Connection manager closed")
	return nil
}

// updateProcessor is the only goroutine that mutates the connection table.
func (m *Manager) updateProcessor() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case req := <-m.updates:
			switch req.kind {
			case reqAdd:
				m.handleAdd(req)
			case reqRemove:
				m.handleRemove(req)
			case reqReconnect:
				m.handleReconnect(req)
			case reqSend:
				m.handleSend(req)
			}
		}
	}
}

// messageProcessor delivers inbound frames to the message handler in queue
// order.
func (m *Manager) messageProcessor() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case in := <-m.messages:
			if m.onMessage != nil {
				m.onMessage(in.id, in.frame)
			}
		}
	}
}

func (m *Manager) complete(req request, err error) {
	if req.done != nil {
		req.done <- err
	}
}

func (m *Manager) handleAdd(req request) {
	m.tableMu.RLock()
	entry, ok := m.table[req.id]
	m.tableMu.RUnlock()
	if ok && !entry.closed {
		m.complete(req, nil)
		return
	}

	ws, _, err := m.dialer.DialContext(m.ctx, req.uri, nil)
	if err != nil {
		metrics.RecordConnectionError(m.venue, "dial")
		m.complete(req, fmt.Errorf("websocket dial failed: %w", err))
		return
	}

	gen := m.genSeq.Add(1)
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	// backoff/v4 only: v5 has no elapsed-time cutoff, and v4 requires Reset
	// after the fields are configured.
	retry.MaxElapsedTime = 0
	retry.Reset()

	m.tableMu.Lock()
	m.table[req.id] = &conn{
		ws:        ws,
		uri:       req.uri,
		createdAt: time.Now(),
		gen:       gen,
		retry:     retry,
	}
	m.tableMu.Unlock()

	m.recvWG.Add(1)
	go m.receiveLoop(req.id, ws, gen)

	metrics.RecordConnectionStatus(m.venue, req.id, true)
	log.Info().
		Str("exchange", m.venue).
		Str("connection_id", req.id).
		Str("uri", req.uri).
		Msg("WebSocket connected")
	m.complete(req, nil)
}

func (m *Manager) handleRemove(req request) {
	m.tableMu.Lock()
	entry, ok := m.table[req.id]
	if !ok {
		m.tableMu.Unlock()
		m.complete(req, nil)
		return
	}
	entry.closed = true
	delete(m.table, req.id)
	m.tableMu.Unlock()

	go entry.ws.Close()

	metrics.RecordConnectionStatus(m.venue, req.id, false)
	log.Info().
		Str("exchange", m.venue).
		Str("connection_id", req.id).
		Msg("WebSocket removed")
	m.complete(req, nil)
}

func (m *Manager) handleReconnect(req request) {
	m.tableMu.RLock()
	entry, ok := m.table[req.id]
	m.tableMu.RUnlock()
	if !ok {
		log.Warn().
			Str("exchange", m.venue).
			Str("connection_id", req.id).
			Msg("Reconnect requested for unknown connection")
		m.complete(req, nil)
		return
	}
	// A generation-tagged request is a closure notice from a receive loop;
	// ignore it when the socket has already been swapped.
	if req.gen != 0 && entry.gen != req.gen {
		m.complete(req, nil)
		return
	}

	metrics.RecordReconnect(m.venue, req.id)
	metrics.RecordConnectionStatus(m.venue, req.id, false)

	ws, _, err := m.dialer.DialContext(m.ctx, entry.uri, nil)
	if err != nil {
		metrics.RecordConnectionError(m.venue, "dial")
		delay := entry.retry.NextBackOff()
		if delay == backoff.Stop {
			delay = entry.retry.MaxInterval
		}
		log.Warn().
			Err(err).
			Str("exchange", m.venue).
			Str("connection_id", req.id).
			Dur("retry_in", delay).
			Msg("Reconnect dial failed, retrying")
		gen := entry.gen
		time.AfterFunc(delay, func() {
			if m.closed.Load() {
				return
			}
			select {
			case m.updates <- request{kind: reqReconnect, id: req.id, gen: gen}:
			case <-m.ctx.Done():
			}
		})
		m.complete(req, nil)
		return
	}

	gen := m.genSeq.Add(1)
	m.tableMu.Lock()
	old := entry.ws
	entry.ws = ws
	entry.createdAt = time.Now()
	entry.closed = false
	entry.gen = gen
	m.tableMu.Unlock()

	entry.retry.Reset()

	m.recvWG.Add(1)
	go m.receiveLoop(req.id, ws, gen)

	go old.Close()

	metrics.RecordConnectionStatus(m.venue, req.id, true)
	log.Info().
		Str("exchange", m.venue).
		Str("connection_id", req.id).
		Msg("WebSocket reconnected")

	if m.onReconnect != nil {
		go m.onReconnect(req.id)
	}
	m.complete(req, nil)
}

func (m *Manager) handleSend(req request) {
	m.tableMu.RLock()
	entry, ok := m.table[req.id]
	m.tableMu.RUnlock()
	if !ok {
		m.complete(req, fmt.Errorf("send on %s: %w", req.id, ErrUnknownConnection))
		return
	}
	if entry.closed {
		m.complete(req, fmt.Errorf("send on %s: %w", req.id, ErrConnectionClosed))
		return
	}

	if err := entry.ws.WriteMessage(websocket.TextMessage, req.payload); err != nil {
		metrics.RecordConnectionError(m.venue, "send")
		log.Error().
			Err(err).
			Str("exchange", m.venue).
			Str("connection_id", req.id).
			Msg("WebSocket send failed, removing connection")

		// Send failure also tears the connection down.
		m.tableMu.Lock()
		entry.closed = true
		delete(m.table, req.id)
		m.tableMu.Unlock()
		go entry.ws.Close()
		metrics.RecordConnectionStatus(m.venue, req.id, false)

		m.complete(req, fmt.Errorf("websocket send failed: %w", err))
		return
	}
	m.complete(req, nil)
}

// receiveLoop reads one socket until it dies. It is bound to the socket
// generation it was started with; a closure observed after the table entry
// moved on is ignored.
func (m *Manager) receiveLoop(id string, ws *websocket.Conn, gen uint64) {
	defer m.recvWG.Done()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if m.closed.Load() {
				return
			}
			m.tableMu.RLock()
			entry, ok := m.table[id]
			live := ok && !entry.closed && entry.gen == gen
			m.tableMu.RUnlock()
			if !live {
				return
			}

			metrics.RecordConnectionError(m.venue, "read")
			log.Warn().
				Err(err).
				Str("exchange", m.venue).
				Str("connection_id", id).
				Msg("WebSocket read failed, queueing reconnect")
			select {
			case m.updates <- request{kind: reqReconnect, id: id, gen: gen}:
			case <-m.ctx.Done():
			}
			return
		}

		select {
		case m.messages <- inbound{id: id, frame: frame}:
		case <-m.ctx.Done():
			return
		}
	}
}
