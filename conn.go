// Package courier is a lightweight point-to-point messaging library: one
// process sends a structured message (key/value pairs or a raw string) to
// another over a plain TCP connection, with no broker and no persistence in
// between. The package owns the wire framing, the per-connection
// read/dispatch worker, and the listener lifecycle; peers are addressed
// directly or by name through a config-file backed Registry.
package courier

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Direction records which side opened the connection.
type Direction int

const (
	// Inbound connections were accepted by a Listener.
	Inbound Direction = iota
	// Outbound connections were opened by Dial.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// ConnState is the observable position of a connection in its lifecycle:
// Open → Reading → Dispatching → Reading → … → Closed. Any state can
// transition to Closed on error or explicit Close.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateReading
	StateDispatching
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// readBufferSize is the bufio buffer in front of the raw stream. Frames
// larger than this are still read correctly, just in more syscalls.
const readBufferSize = 64 * 1024

// limitedReader wraps a reader and returns ErrMessageTooLarge once the
// per-frame byte allowance is spent.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset restores the allowance before each frame. Only the counter is reset:
// the underlying bufio.Reader keeps its buffer state and continues from
// where the previous frame ended.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// Conn manages one bidirectional byte stream between two endpoints. It owns
// the socket exclusively: the stream is closed when the worker terminates,
// on protocol error, or on peer disconnect.
type Conn struct {
	raw     net.Conn
	reader  *bufio.Reader
	limited *limitedReader
	logger  Logger

	opts options

	local  Endpoint
	remote Endpoint
	dir    Direction

	writeMu    sync.Mutex
	state      atomic.Int32
	closed     atomic.Bool
	notifyOnce sync.Once

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewConn wraps an established byte stream in a connection handler. Any
// net.Conn works: a real TCP connection, or a net.Pipe end, which is what
// the tests use to exercise the handler without networking.
func NewConn(raw net.Conn, dir Direction, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return newConnWithOptions(raw, dir, opts), nil
}

// newConnWithOptions assumes opts have already been validated.
func newConnWithOptions(raw net.Conn, dir Direction, opts options) *Conn {
	reader := bufio.NewReaderSize(raw, readBufferSize)
	c := &Conn{
		raw:     raw,
		reader:  reader,
		limited: newLimitedReader(reader, int64(opts.maxMessageSize)),
		logger:  opts.logger,
		opts:    opts,
		local:   endpointFromAddr(raw.LocalAddr()),
		remote:  endpointFromAddr(raw.RemoteAddr()),
		dir:     dir,
	}
	c.state.Store(int32(StateOpen))
	return c
}

// Run drives the read/dispatch loop until the peer disconnects, an
// unrecoverable error occurs, or the context is canceled. The socket is
// closed by the time Run returns and the close callback has fired exactly
// once. The returned error is nil for a clean disconnect or local close.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "remote", c.remote, "direction", c.dir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	if c.closed.Load() {
		// Close won the race before the cancel func was published.
		cancel()
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop()
	})

	group.Go(func() error {
		// Closing the socket is the only way to interrupt a blocked read.
		<-child.Done()
		c.closeRaw()
		return nil
	})

	return c.finish(group.Wait())
}

// readLoop is the connection's serial worker: read one frame, dispatch it,
// repeat. It never returns nil; a clean disconnect comes back as io.EOF so
// the errgroup always cancels the watcher goroutine.
func (c *Conn) readLoop() error {
	for {
		c.state.Store(int32(StateReading))

		if c.opts.readTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		}
		c.limited.reset(int64(c.opts.maxMessageSize))

		m, err := Decode(c.limited)
		if err != nil {
			return c.classifyReadError(err)
		}

		c.state.Store(int32(StateDispatching))
		c.dispatch(m)
	}
}

// classifyReadError maps a decode failure onto the error taxonomy and
// reports anything the application should hear about before the connection
// comes down.
func (c *Conn) classifyReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		// Peer disconnected between frames, or the socket was closed
		// locally. Both are clean shutdowns. io.ErrClosedPipe is what a
		// locally closed net.Pipe end reports instead of net.ErrClosed.
		return io.EOF
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		c.reportError(perr)
		return perr
	}

	if errors.Is(err, ErrMessageTooLarge) {
		c.reportError(err)
		return err
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		c.reportError(ErrTimeout)
		return ErrTimeout
	}

	terr := &TransportError{Op: "read", Err: err}
	c.reportError(terr)
	return terr
}

// dispatch hands a decoded message to the application callback. Handler
// errors and panics must not kill the worker: they are reported and the
// connection keeps reading.
func (c *Conn) dispatch(m *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.reportError(errors.Errorf("message handler panic: %v", r))
		}
	}()

	if err := c.opts.onMessage(m, c.remote); err != nil {
		c.reportError(errors.Wrap(err, "message handler"))
	}
}

func (c *Conn) reportError(err error) {
	if c.opts.onError != nil {
		c.opts.onError(err)
		return
	}
	c.logger.Error("connection error", "remote", c.remote, "error", err)
}

// finish tears the connection down and delivers the single close
// notification. io.EOF and context cancellation are not failures.
func (c *Conn) finish(err error) error {
	c.closeRaw()
	c.state.Store(int32(StateClosed))

	if err != nil && (errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)) {
		err = nil
	}

	c.notifyOnce.Do(func() {
		if c.opts.onClose != nil {
			c.opts.onClose(c.remote, err)
		}
	})

	if err != nil {
		c.logger.Info("connection closed with error", "remote", c.remote, "error", err)
	} else {
		c.logger.Info("connection closed", "remote", c.remote)
	}
	return err
}

// Send encodes m and writes the frame to the peer. The frame goes out in a
// single write under the connection's write lock, so concurrent Sends never
// interleave bytes and corrupt the peer's framing. Encode failures
// (ErrPayloadTooLarge) leave the connection usable; write failures close it.
// There is no outbound queue: Send blocks until the OS accepts the bytes.
func (c *Conn) Send(m *Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}

	if _, err := c.raw.Write(frame); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		_ = c.Close()
		return terr
	}
	return nil
}

// Close terminates the connection. Safe to call multiple times and from any
// goroutine; a blocked read is unblocked immediately.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.state.Store(int32(StateClosed))
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.raw.Close()
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState {
	if c.closed.Load() {
		return StateClosed
	}
	return ConnState(c.state.Load())
}

// LocalEndpoint returns the local side of the connection.
func (c *Conn) LocalEndpoint() Endpoint { return c.local }

// RemoteEndpoint returns the peer's side of the connection.
func (c *Conn) RemoteEndpoint() Endpoint { return c.remote }

// Direction reports which side opened the connection.
func (c *Conn) Direction() Direction { return c.dir }

func (c *Conn) closeRaw() {
	c.closed.Store(true)
	_ = c.raw.Close()
}
