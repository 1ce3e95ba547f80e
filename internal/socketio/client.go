package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendBuffer       = 16
	writeWait               = 5 * time.Second
)

var (
	ErrNotConnected     = errors.New("socketio: not connected")
	ErrClosed           = errors.New("socketio: client closed")
	ErrHeartbeatTimeout = errors.New("socketio: heartbeat timeout")
	ErrServerDisconnect = errors.New("socketio: disconnected by server")
	ErrConnectRefused   = errors.New("socketio: namespace connect refused")
)

// EventHandler receives the arguments of an inbound event.
type EventHandler func(args []json.RawMessage)

// Client is a Socket.IO client speaking Engine.IO v4 over the websocket
// transport. One Client owns at most one live connection at a time.
type Client struct {
	url       string
	namespace string
	dialer    *websocket.Dialer
	reconnect Reconnect

	mu           sync.RWMutex
	handlers     map[string][]EventHandler
	onConnect    []func(sid string)
	onDisconnect []func(err error)
	conn         *connection

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// connection is one established websocket session.
type connection struct {
	sid    string
	send   chan outbound
	closed chan struct{}
}

// outbound is one queued packet. written, when set, is closed once the packet
// is on the wire.
type outbound struct {
	data    []byte
	written chan struct{}
}

type Option func(*Client)

func WithNamespace(ns string) Option {
	return func(c *Client) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

func WithReconnect(r Reconnect) Option {
	return func(c *Client) {
		if r != nil {
			c.reconnect = r
		}
	}
}

// New creates a client for serverURL. No connection is made until Connect.
func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		url:       serverURL,
		namespace: namespaceOf(serverURL),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		reconnect: NoReconnect{},
		handlers:  make(map[string][]EventHandler),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// On registers a handler for an inbound event. Handlers run on the reader
// goroutine and must not block.
func (c *Client) On(event string, h EventHandler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

func (c *Client) OnConnect(fn func(sid string)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *Client) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// Connect starts the connection loop in the background. Connection failures
// are logged and handed to the reconnect strategy; they are not returned.
func (c *Client) Connect(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go c.run(ctx)
	})
}

// Close disconnects and stops any reconnect attempts. It is safe to call
// more than once and before Connect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		started := true
		c.startOnce.Do(func() { started = false })
		if !started {
			close(c.done)
			return
		}
		c.cancel()
		<-c.done
	})
}

// Done is closed once the connection loop has exited for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// SID returns the Socket.IO session id of the live connection.
func (c *Client) SID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.sid
}

// Emit queues an event without waiting. It fails with ErrNotConnected when
// there is no live connection or its send buffer is full.
func (c *Client) Emit(event string, args ...any) error {
	msg, conn, err := c.prepare(event, args)
	if err != nil {
		return err
	}
	select {
	case conn.send <- outbound{data: msg}:
		return nil
	case <-conn.closed:
		return ErrNotConnected
	default:
		return fmt.Errorf("%w: send buffer full", ErrNotConnected)
	}
}

// EmitContext queues an event, blocking until the writer accepts it, the
// connection drops or ctx is done.
func (c *Client) EmitContext(ctx context.Context, event string, args ...any) error {
	msg, conn, err := c.prepare(event, args)
	if err != nil {
		return err
	}
	select {
	case conn.send <- outbound{data: msg}:
		return nil
	case <-conn.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitWritten is EmitContext that also waits until the packet has been
// written to the websocket. ctx only bounds the wait for a queue slot; once
// queued, the packet is either written or lost with the connection before
// EmitWritten returns.
func (c *Client) EmitWritten(ctx context.Context, event string, args ...any) error {
	msg, conn, err := c.prepare(event, args)
	if err != nil {
		return err
	}
	out := outbound{data: msg, written: make(chan struct{})}
	select {
	case conn.send <- out:
	case <-conn.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-out.written:
		return nil
	case <-conn.closed:
		// the writer has exited, so written is final
		select {
		case <-out.written:
			return nil
		default:
			return ErrNotConnected
		}
	}
}

func (c *Client) prepare(event string, args []any) ([]byte, *connection, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, nil, ErrNotConnected
	}
	p, err := EventPacket(c.namespace, event, args...)
	if err != nil {
		return nil, nil, err
	}
	return EncodePacket(p), conn, nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("socketio: %s: %v", c.url, err)
		}
		if established {
			attempt = 0
		}
		attempt++
		delay, ok := c.reconnect.Next(attempt)
		if !ok {
			log.Printf("socketio: %s: not reconnecting", c.url)
			return
		}
		log.Printf("socketio: reconnecting to %s in %v (attempt %d)", c.url, delay, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session dials, runs one connection until it drops and reports whether the
// namespace connect succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	wsURL, err := websocketURL(c.url)
	if err != nil {
		return false, err
	}
	ws, err := c.dial(ctx, wsURL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	hs, sid, err := c.handshake(ctx, ws)
	if err != nil {
		return false, err
	}

	conn := &connection{
		sid:    sid,
		send:   make(chan outbound, defaultSendBuffer),
		closed: make(chan struct{}),
	}
	c.setConnection(conn)

	err = c.serve(ctx, ws, conn, hs)

	c.clearConnection(conn)
	close(conn.closed)
	if ctx.Err() != nil {
		// client-initiated close: leave the namespace politely
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, EncodePacket(Packet{Type: PacketDisconnect, Namespace: c.namespace, AckID: NoAck}))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = nil
	}
	c.fireDisconnect(err)
	return true, err
}

// dial opens the websocket. The dialer only honours ctx while connecting, so
// a close during the HTTP upgrade expires the raw connection instead.
func (c *Client) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	var (
		mu   sync.Mutex
		stop []func() bool
	)
	d := *c.dialer
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		var nd net.Dialer
		nc, err := nd.DialContext(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		stop = append(stop, context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) }))
		mu.Unlock()
		return nc, nil
	}
	ws, _, err := d.DialContext(ctx, wsURL, nil)
	mu.Lock()
	for _, s := range stop {
		s()
	}
	mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if ctx.Err() != nil {
		ws.Close()
		return nil, ctx.Err()
	}
	return ws, nil
}

func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) (Handshake, string, error) {
	deadline := time.Now().Add(defaultHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	// unblock the reads below if the client is closed mid-handshake
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.SetReadDeadline(time.Now())
		case <-finished:
		}
	}()

	_, data, err := ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Handshake{}, "", ctx.Err()
		}
		return Handshake{}, "", fmt.Errorf("reading open packet: %w", err)
	}
	hs, err := parseHandshake(data)
	if err != nil {
		return Handshake{}, "", err
	}

	connect := EncodePacket(Packet{Type: PacketConnect, Namespace: c.namespace, AckID: NoAck})
	if err := ws.WriteMessage(websocket.TextMessage, connect); err != nil {
		return Handshake{}, "", fmt.Errorf("sending connect: %w", err)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Handshake{}, "", ctx.Err()
			}
			return Handshake{}, "", fmt.Errorf("awaiting connect: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case enginePing:
			if err := ws.WriteMessage(websocket.TextMessage, []byte{enginePong}); err != nil {
				return Handshake{}, "", fmt.Errorf("sending pong: %w", err)
			}
			continue
		case engineMessage:
		default:
			continue
		}
		p, err := DecodePacket(data[1:])
		if err != nil {
			return Handshake{}, "", err
		}
		if p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			if len(p.Data) > 0 {
				_ = json.Unmarshal(p.Data, &ack)
			}
			if ack.SID == "" {
				ack.SID = hs.SID
			}
			return hs, ack.SID, nil
		case PacketConnectError:
			return Handshake{}, "", fmt.Errorf("%w: %s", ErrConnectRefused, connectErrorMessage(p.Data))
		}
	}
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn, conn *connection, hs Handshake) error {
	g, gctx := errgroup.WithContext(ctx)
	pong := make(chan struct{}, 1)
	pinged := make(chan struct{}, 1)

	// unblock the reader once the group is done
	g.Go(func() error {
		<-gctx.Done()
		_ = ws.SetReadDeadline(time.Now())
		return nil
	})

	g.Go(func() error {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			if len(data) == 0 {
				continue
			}
			switch data[0] {
			case enginePing:
				select {
				case pinged <- struct{}{}:
				default:
				}
				select {
				case pong <- struct{}{}:
				default:
				}
			case engineClose:
				return ErrServerDisconnect
			case engineMessage:
				if err := c.handleMessage(data[1:]); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			var out outbound
			select {
			case <-gctx.Done():
				return nil
			case <-pong:
				out.data = []byte{enginePong}
			case out = <-conn.send:
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, out.data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			if out.written != nil {
				close(out.written)
			}
		}
	})

	if hs.PingInterval > 0 {
		limit := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
		g.Go(func() error {
			timer := time.NewTimer(limit)
			defer timer.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-pinged:
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(limit)
				case <-timer.C:
					return ErrHeartbeatTimeout
				}
			}
		})
	}

	return g.Wait()
}

func (c *Client) handleMessage(data []byte) error {
	p, err := DecodePacket(data)
	if err != nil {
		log.Printf("socketio: dropping packet: %v", err)
		return nil
	}
	if p.Namespace != c.namespace {
		return nil
	}
	switch p.Type {
	case PacketDisconnect:
		return ErrServerDisconnect
	case PacketEvent:
		name, args, err := p.Event()
		if err != nil {
			log.Printf("socketio: dropping event: %v", err)
			return nil
		}
		c.mu.RLock()
		handlers := append([]EventHandler(nil), c.handlers[name]...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(args)
		}
	}
	return nil
}

func (c *Client) setConnection(conn *connection) {
	c.mu.Lock()
	c.conn = conn
	fns := append([]func(string){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(conn.sid)
	}
}

func (c *Client) clearConnection(conn *connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) fireDisconnect(err error) {
	c.mu.RLock()
	fns := append([]func(error){}, c.onDisconnect...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func connectErrorMessage(data json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(data)
}

// namespaceOf returns the namespace encoded in a server URL path, the way
// socket.io clients read "http://host/admin" as namespace "/admin".
func namespaceOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return defaultNamespace
	}
	return strings.TrimSuffix(u.Path, "/")
}

// websocketURL turns an http(s) or ws(s) server address into the Engine.IO
// websocket endpoint.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL must have a host")
	}
	u.Path = "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
