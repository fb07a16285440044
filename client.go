package courier

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// Client is the outbound side of a connection: dial once, then Send one-way
// messages or Exchange request/response pairs over the same persistent
// stream. Inbound frames satisfy the oldest pending Exchange first and fall
// through to the OnMessage callback (if configured) otherwise.
type Client struct {
	conn *Conn

	// sendMu makes waiter registration and the request write atomic, so
	// responses pair with requests in the order the requests hit the wire.
	sendMu sync.Mutex

	mu      sync.Mutex
	waiters []*pendingReply
}

// pendingReply tracks one in-flight Exchange. The wire has no correlation
// field, so each entry owns exactly one reply slot in arrival order. An
// abandoned entry stays in the queue and consumes its reply when it
// arrives; removing it instead would hand that reply to the next Exchange.
type pendingReply struct {
	ch        chan *Message
	abandoned atomic.Bool
}

// Dial opens an outbound connection to host:port and starts its worker.
// The connection is already reading when Dial returns. An OnMessage option
// is not required: a client that only Sends or Exchanges can omit it.
func Dial(host string, port int, opt ...Option) (*Client, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	cl := &Client{}

	// Route inbound frames: pending Exchange waiter first, then the
	// application callback.
	userHandler := opts.onMessage
	opts.onMessage = func(m *Message, peer Endpoint) error {
		if cl.deliver(m) {
			return nil
		}
		if userHandler != nil {
			return userHandler(m, peer)
		}
		opts.logger.Warn("inbound message dropped, no handler", "peer", peer, "kind", m.Kind())
		return nil
	}

	// A closing connection must release every blocked Exchange.
	userClose := opts.onClose
	opts.onClose = func(peer Endpoint, err error) {
		cl.failWaiters()
		if userClose != nil {
			userClose(peer, err)
		}
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	raw, err := net.Dial("tcp", Endpoint{Host: host, Port: port}.Addr())
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	cl.conn = newConnWithOptions(raw, Outbound, opts)
	go func() {
		_ = cl.conn.Run(context.Background())
	}()

	return cl, nil
}

// Send delivers m to the peer without waiting for a reply.
func (cl *Client) Send(m *Message) error {
	return cl.conn.Send(m)
}

// Exchange sends m and blocks until the peer's reply frame arrives, the
// context is canceled, or the connection closes. Concurrent Exchange calls
// on one client are answered strictly in the order their requests were
// written (the peer replies to requests in order on a single stream). A
// canceled Exchange still owns its slot in that order: the reply that
// eventually arrives for it is discarded, not given to the next caller.
func (cl *Client) Exchange(ctx context.Context, m *Message) (*Message, error) {
	if cl.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	w := &pendingReply{ch: make(chan *Message, 1)}

	cl.sendMu.Lock()
	cl.addWaiter(w)
	err := cl.conn.Send(m)
	if err != nil {
		// The request never hit the wire, so no reply slot exists for it.
		cl.removeWaiter(w)
	}
	cl.sendMu.Unlock()

	if err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-w.ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return reply, nil
	case <-ctx.Done():
		// The request is already on the wire and the peer will still
		// answer it. The entry stays queued to absorb that reply.
		w.abandoned.Store(true)
		return nil, ctx.Err()
	}
}

// Close terminates the connection and releases any blocked Exchange calls.
func (cl *Client) Close() error {
	return cl.conn.Close()
}

// Remote returns the peer's endpoint.
func (cl *Client) Remote() Endpoint {
	return cl.conn.RemoteEndpoint()
}

// IsClosed reports whether the underlying connection has been closed.
func (cl *Client) IsClosed() bool {
	return cl.conn.IsClosed()
}

// deliver hands an inbound frame to the oldest pending waiter. A reply
// owed to a canceled Exchange is consumed and dropped.
func (cl *Client) deliver(m *Message) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.waiters) == 0 {
		return false
	}
	w := cl.waiters[0]
	cl.waiters = cl.waiters[1:]
	if w.abandoned.Load() {
		return true
	}
	w.ch <- m // buffered, never blocks the read loop
	return true
}

func (cl *Client) addWaiter(w *pendingReply) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.waiters = append(cl.waiters, w)
}

func (cl *Client) removeWaiter(w *pendingReply) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for i, cand := range cl.waiters {
		if cand == w {
			cl.waiters = append(cl.waiters[:i], cl.waiters[i+1:]...)
			return
		}
	}
}

// failWaiters wakes every pending Exchange with a closed channel.
func (cl *Client) failWaiters() {
	cl.mu.Lock()
	ws := cl.waiters
	cl.waiters = nil
	cl.mu.Unlock()
	for _, w := range ws {
		close(w.ch)
	}
}
