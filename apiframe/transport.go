package apiframe

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is a message-oriented, bidirectional byte channel.
type Transport interface {
	// Send writes one message.
	Send(data []byte) error
	// Receive blocks for the next message.
	Receive() ([]byte, error)
	// Close tears the transport down; blocked Receives return an error.
	Close() error
}

// WebsocketTransport adapts a gorilla websocket connection.
type WebsocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketTransport wraps an established websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	return &WebsocketTransport{conn: conn}
}

// DialWebsocket connects to a websocket URL.
func DialWebsocket(ctx context.Context, url string) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionError, url, err)
	}
	return NewWebsocketTransport(conn), nil
}

// UpgradeWebsocket upgrades an HTTP request into a transport, server side.
func UpgradeWebsocket(w http.ResponseWriter, r *http.Request) (*WebsocketTransport, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: upgrade: %v", ErrConnectionError, err)
	}
	return NewWebsocketTransport(conn), nil
}

// Send implements Transport.
func (t *WebsocketTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Receive implements Transport.
func (t *WebsocketTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionError, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return data, nil
}

// Close implements Transport.
func (t *WebsocketTransport) Close() error {
	return t.conn.Close()
}

// PipeTransport is an in-process transport for tests and single-process
// wiring. NewPipe returns the two connected ends.
type PipeTransport struct {
	sendCh chan<- []byte
	recvCh <-chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	peer      *PipeTransport
}

// NewPipe returns two connected transports.
func NewPipe() (*PipeTransport, *PipeTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &PipeTransport{sendCh: ab, recvCh: ba, closed: make(chan struct{})}
	b := &PipeTransport{sendCh: ba, recvCh: ab, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Send implements Transport.
func (t *PipeTransport) Send(data []byte) error {
	select {
	case <-t.closed:
		return ErrConnectionClosed
	case <-t.peer.closed:
		return ErrConnectionClosed
	case t.sendCh <- data:
		return nil
	}
}

// Receive implements Transport.
func (t *PipeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.recvCh:
		return data, nil
	case <-t.closed:
		return nil, ErrConnectionClosed
	case <-t.peer.closed:
		// Drain anything already in flight before reporting closure.
		select {
		case data := <-t.recvCh:
			return data, nil
		default:
			return nil, ErrConnectionClosed
		}
	}
}

// Close implements Transport.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
