package courier

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// acceptBackoff is the pause after a non-timeout accept failure, so a
// persistent condition like fd exhaustion does not spin the loop.
const acceptBackoff = 100 * time.Millisecond

// Listener accepts inbound connections on a bound endpoint and runs one
// connection worker per accepted socket. Workers are independent: messages
// on one connection never wait on another connection's handler.
type Listener struct {
	ln        net.Listener
	logger    Logger
	opts      options
	onRequest RequestHandler
	limiter   *rate.Limiter
	cancel    context.CancelFunc

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	stopped bool
}

// Listen binds host:port and begins accepting connections in the
// background. Every accepted connection immediately starts reading frames
// and dispatching them to onMessage. Accept failures are logged and the
// loop keeps accepting; only Stop ends it. Port 0 picks an ephemeral port,
// observable through Addr.
func Listen(host string, port int, onMessage MessageHandler, opt ...Option) (*Listener, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	opts.onMessage = onMessage
	return listen(host, port, opts, nil)
}

// ListenExchange binds like Listen but serves request/response traffic:
// every decoded frame is handed to handler and the returned message is
// written back on the connection it arrived on, before the worker reads the
// next frame. A nil reply with a nil error sends nothing. Passing an
// OnMessageOption alongside the request handler is rejected with
// ErrConflictingHandlers.
func ListenExchange(host string, port int, handler RequestHandler, opt ...Option) (*Listener, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return listen(host, port, opts, handler)
}

func listen(host string, port int, opts options, onRequest RequestHandler) (*Listener, error) {
	if opts.onMessage == nil && onRequest == nil {
		return nil, ErrMissingOnMessage
	}
	if opts.onMessage != nil && onRequest != nil {
		return nil, ErrConflictingHandlers
	}
	if onRequest != nil {
		// Placeholder; serveConn installs the real reply dispatch per
		// connection, which needs the connection handle.
		opts.onMessage = func(*Message, Endpoint) error { return nil }
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}
	if port < 0 || port > math.MaxUint16 {
		return nil, errors.Errorf("port %d out of range", port)
	}

	ln, err := net.Listen("tcp", Endpoint{Host: host, Port: port}.Addr())
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}

	l := &Listener{
		ln:        ln,
		logger:    opts.logger,
		opts:      opts,
		onRequest: onRequest,
		conns:     make(map[*Conn]struct{}),
	}
	if opts.acceptRate > 0 {
		burst := opts.acceptBurst
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(opts.acceptRate, burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.acceptLoop(ctx)

	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Endpoint returns the listener's bound address as an Endpoint.
func (l *Listener) Endpoint() Endpoint {
	return endpointFromAddr(l.ln.Addr())
}

// Stop halts further accepts and closes every tracked connection.
// Idempotent and safe to call concurrently with in-flight accepts; a
// blocked Accept returns promptly instead of waiting out a timeout.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = nil
	l.mu.Unlock()

	l.cancel()
	_ = l.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (l *Listener) acceptLoop(ctx context.Context) {
	l.logger.Info("listener started", "addr", l.ln.Addr())

	for {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
		}

		raw, err := l.ln.Accept()
		if err != nil {
			if l.isStopped() || errors.Is(err, net.ErrClosed) {
				l.logger.Info("listener stopped", "addr", l.ln.Addr())
				return
			}

			// Accept failures must not take the listener down.
			l.logger.Error("accept failed", "error", err)
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			time.Sleep(acceptBackoff)
			continue
		}

		l.logger.Debug("accepted connection", "remote", raw.RemoteAddr())
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		go l.serveConn(ctx, raw)
	}
}

// serveConn runs one connection worker to completion.
func (l *Listener) serveConn(ctx context.Context, raw net.Conn) {
	opts := l.opts

	var c *Conn
	if l.onRequest != nil {
		handler := l.onRequest
		opts.onMessage = func(m *Message, peer Endpoint) error {
			reply, err := handler(m, peer)
			if err != nil || reply == nil {
				return err
			}
			return c.Send(reply)
		}
	}
	c = newConnWithOptions(raw, Inbound, opts)

	if !l.track(c) {
		// Lost the race with Stop.
		_ = raw.Close()
		return
	}
	defer l.untrack(c)

	_ = c.Run(ctx)
}

func (l *Listener) track(c *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

func (l *Listener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// connCount reports the number of live tracked connections.
func (l *Listener) connCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
