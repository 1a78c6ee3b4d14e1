package apiframe

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TargetProvider builds the target object for a target id once its
// connection has authorized it.
type TargetProvider interface {
	// TargetFor returns the target to expose for targetID on this
	// connection.
	TargetFor(ctx context.Context, targetID string) (Target, error)
}

// TargetProviderFunc adapts a function to TargetProvider.
type TargetProviderFunc func(ctx context.Context, targetID string) (Target, error)

// TargetFor implements TargetProvider.
func (f TargetProviderFunc) TargetFor(ctx context.Context, targetID string) (Target, error) {
	return f(ctx, targetID)
}

// Connection is the server side of one API connection. It owns the per-
// connection target map, decodes incoming requests, dispatches them in
// arrival order, and writes responses back as each call finishes.
type Connection struct {
	id        string
	transport Transport
	codec     *Codec
	secrets   KeySource
	provider  TargetProvider
	logger    *zap.Logger

	targetMu sync.RWMutex
	targets  map[string]Target

	sendMu sync.Mutex

	closeMu   sync.Mutex
	onClose   []func()
	closeDone bool

	calls sync.WaitGroup
}

// NewConnection builds a server connection over an open transport. Every
// connection starts with the built-in meta target.
func NewConnection(transport Transport, codec *Codec, secrets KeySource, provider TargetProvider, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		id:        uuid.NewString(),
		transport: transport,
		codec:     codec,
		secrets:   secrets,
		provider:  provider,
		targets:   make(map[string]Target),
	}
	c.logger = logger.With(zap.String("connection_id", c.id))
	c.targets["meta"] = newMetaTarget(c)
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// SetTargetProvider installs the provider used after auth. Must be called
// before Run when the provider needs the connection itself.
func (c *Connection) SetTargetProvider(provider TargetProvider) {
	c.provider = provider
}

// AddTarget exposes a target on this connection.
func (c *Connection) AddTarget(targetID string, target Target) {
	c.targetMu.Lock()
	defer c.targetMu.Unlock()
	c.targets[targetID] = target
}

// OnClose registers a hook run once when the connection ends; used for
// session garbage collection.
func (c *Connection) OnClose(fn func()) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeDone {
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
}

// Run reads and dispatches requests until the transport fails or ctx is
// canceled. Cancellation of ctx propagates into every in-flight call, which
// is how a disconnect cancels parked long-polls.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.transport.Close()
		c.calls.Wait()
		c.runCloseHooks()
	}()

	go func() {
		<-ctx.Done()
		// Unblock the Receive below.
		c.transport.Close()
	}()

	for {
		data, err := c.transport.Receive()
		if err != nil {
			c.logger.Debug("Connection transport ended", zap.Error(err))
			return nil
		}
		msg, err := c.codec.DecodeMessage(data)
		if err != nil {
			// A peer speaking gibberish is a protocol violation; the
			// connection is terminated rather than limped along.
			c.logger.Warn("Dropping connection on undecodable message", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrConnectionNonsense, err)
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch starts one request. Starts happen in arrival order; completions
// may interleave and are matched by response id.
func (c *Connection) dispatch(ctx context.Context, msg *Message) {
	c.targetMu.RLock()
	target, ok := c.targets[msg.TargetID]
	c.targetMu.RUnlock()

	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		var result interface{}
		var err error
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownTarget, msg.TargetID)
		} else {
			result, err = target.Call(ctx, msg.Method, msg.Args)
		}
		if err != nil {
			c.logger.Debug("Request failed",
				zap.Int64("request_id", msg.ID),
				zap.String("target", msg.TargetID),
				zap.String("method", msg.Method),
				zap.Error(err))
		}
		c.send(ResponseFor(msg.ID, result, err))
	}()
}

func (c *Connection) send(resp *Response) {
	data, err := c.codec.EncodeResponse(resp)
	if err != nil {
		c.logger.Error("Failed to encode response",
			zap.Int64("request_id", resp.ID),
			zap.Error(err))
		data, err = c.codec.EncodeResponse(ResponseFor(resp.ID, nil, fmt.Errorf("%w: unencodable result", ErrBadData)))
		if err != nil {
			return
		}
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.transport.Send(data); err != nil {
		c.logger.Debug("Failed to send response", zap.Error(err))
	}
}

func (c *Connection) runCloseHooks() {
	c.closeMu.Lock()
	hooks := c.onClose
	c.onClose = nil
	c.closeDone = true
	c.closeMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
