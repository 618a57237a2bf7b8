package transport

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lockstep-net/lockstep/pkg/logging"
)

// The websocket substrate maps one binary websocket message to one datagram.
// It exists for peers that cannot open a raw UDP socket; delivery is
// reliable underneath but the runtime treats it exactly like a lossy link.

// WSListener accepts websocket peers and multiplexes their messages into a
// single DatagramConn. Register it as an http.Handler.
type WSListener struct {
	upgrader websocket.Upgrader
	local    net.Addr

	inbox chan pipeDatagram
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	peers map[string]*websocket.Conn
}

// NewWSListener creates a listener; local is reported from LocalAddr.
func NewWSListener(local net.Addr) *WSListener {
	return &WSListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxDatagramSize,
			WriteBufferSize: MaxDatagramSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		local: local,
		inbox: make(chan pipeDatagram, 1024),
		done:  make(chan struct{}),
		peers: make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the request and pumps the peer's messages into the
// shared inbox until the socket dies.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	addr := conn.RemoteAddr()

	l.mu.Lock()
	l.peers[addr.String()] = conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.peers, addr.String())
		l.mu.Unlock()
		conn.Close()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case l.inbox <- pipeDatagram{data: data, from: addr}:
		case <-l.done:
			return
		default:
			// Inbox full: shed the datagram like a congested link.
		}
	}
}

func (l *WSListener) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case dgram := <-l.inbox:
		n := copy(p, dgram.data)
		return n, dgram.from, nil
	case <-l.done:
		return 0, nil, net.ErrClosed
	}
}

func (l *WSListener) WriteTo(p []byte, addr net.Addr) (int, error) {
	l.mu.Lock()
	conn, ok := l.peers[addr.String()]
	l.mu.Unlock()
	if !ok {
		// Peer already gone; an unreliable substrate just loses the packet.
		return len(p), nil
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *WSListener) LocalAddr() net.Addr {
	return l.local
}

func (l *WSListener) Close() error {
	l.once.Do(func() { close(l.done) })
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.peers {
		conn.Close()
	}
	l.peers = map[string]*websocket.Conn{}
	return nil
}

// wsClientConn is the dialing side of the websocket substrate.
type wsClientConn struct {
	conn  *websocket.Conn
	inbox chan pipeDatagram
	done  chan struct{}
	once  sync.Once
}

// DialWebSocket connects to a WSListener endpoint (ws:// or wss:// URL).
func DialWebSocket(url string) (DatagramConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsClientConn{
		conn:  conn,
		inbox: make(chan pipeDatagram, 256),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *wsClientConn) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbox <- pipeDatagram{data: data, from: c.conn.RemoteAddr()}:
		case <-c.done:
			return
		default:
		}
	}
}

func (c *wsClientConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case dgram := <-c.inbox:
		n := copy(p, dgram.data)
		return n, dgram.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *wsClientConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsClientConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *wsClientConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}
