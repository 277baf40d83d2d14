// Package audit provides structured audit logging for sign-in, token and
// authorization events.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action names an audited operation.
type Action string

const (
	ActionSignUp          Action = "sign_up"
	ActionConfirm         Action = "confirm"
	ActionLogin           Action = "login"
	ActionTokenIssued     Action = "token_issued"
	ActionTokenRefreshed  Action = "token_refreshed"
	ActionTokenRevoked    Action = "token_revoked"
	ActionAuthorizeDenied Action = "authorize_denied"
)

// Results
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Action    Action    `json:"action"`
	Result    string    `json:"result"`
	Subject   string    `json:"subject,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	// Reason is the internal failure kind. It is never sent to callers.
	Reason    string `json:"reason,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers from a single goroutine.
type Logger struct {
	handlers []Handler
	now      func() time.Time
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup

	// mu guards closed; Log holds it shared while enqueueing so Close
	// cannot finish draining underneath a send.
	mu     sync.RWMutex
	closed bool
}

// Clock stamps events. iam.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithZapHandler adds a handler that writes events through logger.
func WithZapHandler(logger *zap.Logger) Option {
	return func(l *Logger) {
		logger := logger.Named("audit")
		l.AddHandler(func(e Event) {
			logger.Info("audit event",
				zap.Time("timestamp", e.Timestamp),
				zap.String("action", string(e.Action)),
				zap.String("result", e.Result),
				zap.String("subject", e.Subject),
				zap.String("client_id", e.ClientID),
				zap.String("resource", e.Resource),
				zap.String("reason", e.Reason),
				zap.String("request_id", e.RequestID),
				zap.String("ip", e.IP),
			)
		})
	}
}

// WithClock stamps events that carry no Timestamp with c.
func WithClock(c Clock) Option {
	return func(l *Logger) {
		if c != nil {
			l.now = c.Now
		}
	}
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.AddHandler(h)
	}
}

// New creates a new audit logger with buffered async emission.
// bufferSize: event queue buffer size (default: 1000).
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	l := &Logger{
		now:   time.Now,
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.process()

	return l
}

// AddHandler adds a handler to receive audit events. Call it before the
// first Log.
func (l *Logger) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Log emits an audit event asynchronously. A nil or closed Logger discards
// events.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	l.queue <- event
}

// LogContext is Log with the request id taken from ctx.
func (l *Logger) LogContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = RequestID(ctx)
	}
	l.Log(event)
}

func (l *Logger) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.dispatch(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(event Event) {
	for _, h := range l.handlers {
		h(event)
	}
}

// Close flushes pending events and stops the logger. It is safe to call
// more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

// FromContext retrieves the audit logger from context.
func FromContext(ctx context.Context) *Logger {
	logger, _ := ctx.Value(contextKeyLogger).(*Logger)
	return logger
}

// WithContext stores the audit logger in context.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, logger)
}

// RequestID retrieves the request ID from context.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// WithRequestID stores the request ID in context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, id)
}

type contextKey string

const (
	contextKeyLogger    contextKey = "audit.logger"
	contextKeyRequestID contextKey = "audit.request_id"
)
