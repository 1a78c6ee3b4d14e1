package apiframe

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type clientState int

const (
	clientOpening clientState = iota
	clientOpen
	clientClosed
)

// ClientConn is the client side of one API connection: it numbers requests,
// matches responses by id, queues requests issued before the transport
// opens, and fails everything cleanly on close.
type ClientConn struct {
	codec  *Codec
	logger *zap.Logger

	mu        sync.Mutex
	state     clientState
	transport Transport
	nextID    int64
	pending   map[int64]chan *Response
	queue     [][]byte
}

// NewClientConn returns a connection in the opening state. Calls issued now
// are queued in order and flushed when Open attaches a transport.
func NewClientConn(codec *Codec, logger *zap.Logger) *ClientConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientConn{
		codec:   codec,
		logger:  logger,
		pending: make(map[int64]chan *Response),
	}
}

// Open attaches the transport, flushes the pre-open queue in order, and
// starts the response reader.
func (c *ClientConn) Open(transport Transport) error {
	c.mu.Lock()
	if c.state != clientOpening {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.state = clientOpen
	c.transport = transport
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, data := range queued {
		if err := transport.Send(data); err != nil {
			c.fail(ErrConnectionClosed)
			return err
		}
	}
	go c.readLoop()
	return nil
}

// Call issues one request and blocks for its response or ctx cancellation.
// Server-side failures come back as *RemoteError.
func (c *ClientConn) Call(ctx context.Context, targetID, method string, args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	if c.state == clientClosed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	id := c.nextID
	c.nextID++
	msg := &Message{ID: id, TargetID: targetID, Method: method, Args: args}
	data, err := c.codec.EncodeMessage(msg)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	var transport Transport
	if c.state == clientOpening {
		c.queue = append(c.queue, data)
	} else {
		transport = c.transport
	}
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Send(data); err != nil {
			c.fail(ErrConnectionClosed)
			return nil, ErrConnectionClosed
		}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if resp.OK {
			return resp.Result, nil
		}
		return nil, resp.Error
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Authorize runs the challenge-response flow for targetID using the shared
// secret, unlocking the target on the server side.
func (c *ClientConn) Authorize(ctx context.Context, targetID string, secret []byte) error {
	challengeRaw, err := c.Call(ctx, "meta", "makeChallenge", targetID)
	if err != nil {
		return err
	}
	challenge, ok := challengeRaw.(string)
	if !ok || len(challenge) < 16 {
		return fmt.Errorf("%w: malformed challenge", ErrConnectionNonsense)
	}
	_, err = c.Call(ctx, "meta", "authWithChallengeResponse", challenge, ChallengeResponse(secret, challenge))
	return err
}

// ConnectionID fetches the server-assigned connection id.
func (c *ClientConn) ConnectionID(ctx context.Context) (string, error) {
	raw, err := c.Call(ctx, "meta", "connectionId")
	if err != nil {
		return "", err
	}
	id, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: connectionId returned %T", ErrConnectionNonsense, raw)
	}
	return id, nil
}

// Ping round-trips the connection.
func (c *ClientConn) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "meta", "ping")
	return err
}

// Close tears the connection down; in-flight and future calls fail with
// ErrConnectionClosed.
func (c *ClientConn) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

func (c *ClientConn) readLoop() {
	for {
		c.mu.Lock()
		transport := c.transport
		state := c.state
		c.mu.Unlock()
		if state != clientOpen {
			return
		}
		data, err := transport.Receive()
		if err != nil {
			c.fail(ErrConnectionClosed)
			return
		}
		resp, err := c.codec.DecodeResponse(data)
		if err != nil {
			c.logger.Warn("Undecodable response; terminating connection", zap.Error(err))
			c.fail(ErrConnectionNonsense)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			// A response we never asked for is a protocol violation.
			c.logger.Warn("Response for unknown request id; terminating connection",
				zap.Int64("response_id", resp.ID))
			c.fail(ErrConnectionNonsense)
			return
		}
		ch <- resp
	}
}

// fail closes the connection and resolves every pending call with reason.
func (c *ClientConn) fail(reason error) {
	c.mu.Lock()
	if c.state == clientClosed {
		c.mu.Unlock()
		return
	}
	c.state = clientClosed
	transport := c.transport
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.queue = nil
	c.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	for id, ch := range pending {
		ch <- &Response{ID: id, OK: false, Error: &RemoteError{
			Name: ErrorName(reason),
			Info: map[string]interface{}{"message": reason.Error()},
		}}
	}
}
