package courier

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrMissingOnMessage is returned when a listener is created without a
// message handler.
var ErrMissingOnMessage = errors.New("missing message handler")

// ErrConflictingHandlers is returned when ListenExchange is given an
// OnMessageOption. An exchange listener dispatches every frame to its
// request handler; there is no second path for a message handler.
var ErrConflictingHandlers = errors.New("conflicting message and request handlers")

// MessageHandler is invoked once per successfully decoded frame, on the
// connection's serial worker: frames from one connection are delivered in
// arrival order and never concurrently with each other. A returned error is
// reported through the error callback; it does not terminate the connection.
type MessageHandler func(m *Message, peer Endpoint) error

// RequestHandler produces a reply for an inbound frame. Used by
// ListenExchange: the reply is written back on the arrival connection
// before the worker reads the next frame. Returning (nil, nil) sends no
// reply.
type RequestHandler func(m *Message, peer Endpoint) (*Message, error)

// ErrorHandler receives errors the connection cannot return to a caller:
// decode failures, message handler failures, write failures. Whether the
// connection closes afterwards is determined by the error class, not by the
// handler.
type ErrorHandler func(err error)

// CloseHandler is invoked exactly once when a connection reaches its
// terminal state. err is nil on a clean peer disconnect or a local Close.
type CloseHandler func(peer Endpoint, err error)

// Default configuration values.
const (
	// defaultMaxMessageSize caps a single inbound frame at 1MB.
	defaultMaxMessageSize = 1024 * 1024
)

// options holds the configuration shared by connections and listeners.
type options struct {
	logger Logger

	onMessage MessageHandler
	onError   ErrorHandler
	onClose   CloseHandler

	readTimeout    time.Duration // zero means block indefinitely
	maxMessageSize int           // cap on a single inbound frame

	acceptRate  rate.Limit // accept throttle, zero means unlimited
	acceptBurst int
}

// Option is a function that configures a connection or listener.
type Option func(*options)

// OnMessageOption sets the message handler. Listen takes the handler as a
// positional argument; this option exists for NewConn and Dial.
func OnMessageOption(h MessageHandler) Option {
	return func(o *options) {
		o.onMessage = h
	}
}

// OnErrorOption sets the error callback. Without one, errors are written to
// the logger.
func OnErrorOption(h ErrorHandler) Option {
	return func(o *options) {
		o.onError = h
	}
}

// OnCloseOption sets the callback fired once when a connection closes.
func OnCloseOption(h CloseHandler) Option {
	return func(o *options) {
		o.onClose = h
	}
}

// ReadTimeoutOption bounds the wait for each inbound frame. When the
// timeout elapses the read aborts with ErrTimeout and the connection is
// closed. Zero (the default) blocks indefinitely.
func ReadTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// MessageMaxSizeOption caps the size of a single inbound frame. Frames
// larger than this abort the connection with ErrMessageTooLarge.
func MessageMaxSizeOption(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// LoggerOption sets the logger. The default is slog.Default().
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// AcceptRateOption throttles a listener's accept loop to r connections per
// second with the given burst. Only meaningful for Listen.
func AcceptRateOption(r rate.Limit, burst int) Option {
	return func(o *options) {
		o.acceptRate = r
		o.acceptBurst = burst
	}
}

// checkOptions validates options and fills in defaults.
func checkOptions(opts *options) error {
	if opts.onMessage == nil {
		return ErrMissingOnMessage
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = defaultMaxMessageSize
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}
