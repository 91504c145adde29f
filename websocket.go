package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketClient implements a client transport over a WebSocket connection. Every
// message travels as one text frame, and every session dials a new connection.
type WebSocketClient struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	logger       *slog.Logger

	maxPayloadSize int64
}

// WebSocketClientOption configures a WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type webSocketSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

const (
	webSocketCloseTimeout = time.Second
	webSocketPongWait     = 60 * time.Second
)

// WithWebSocketDialer replaces the dialer used to open connections.
func WithWebSocketDialer(dialer *websocket.Dialer) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.dialer = dialer
	}
}

// WithWebSocketHeader adds a header to the opening handshake request.
func WithWebSocketHeader(key, value string) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.header.Add(key, value)
	}
}

// WithWebSocketMaxPayloadSize limits the size of an inbound frame. An oversized frame
// ends the session.
func WithWebSocketMaxPayloadSize(size int64) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.maxPayloadSize = size
	}
}

// WithWebSocketPingInterval enables WebSocket ping frames at interval. A connection that
// stops answering them is closed.
func WithWebSocketPingInterval(interval time.Duration) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.pingInterval = interval
	}
}

// WithWebSocketLogger sets the logger of the transport.
func WithWebSocketLogger(logger *slog.Logger) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.logger = logger
	}
}

// NewWebSocketClient creates a transport that connects to the ws:// or wss:// url.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	w := &WebSocketClient{
		url:            url,
		header:         make(http.Header),
		dialer:         websocket.DefaultDialer,
		logger:         slog.Default(),
		maxPayloadSize: defaultMaxMessageSize,
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// StartSession implements ClientTransport by dialing the server.
func (w *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: status %d: %w", w.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", w.url, err)
	}
	if w.maxPayloadSize > 0 {
		conn.SetReadLimit(w.maxPayloadSize)
	}

	s := &webSocketSession{
		id:     uuid.New().String(),
		conn:   conn,
		logger: w.logger,
		done:   make(chan struct{}),
	}
	if w.pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(webSocketPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(webSocketPongWait))
		})
		go s.keepAlive(w.pingInterval)
	}
	return s, nil
}

func (s *webSocketSession) ID() string { return s.id }

// Send writes one message as a text frame. Writes are serialized, as the connection
// allows only one concurrent writer.
func (s *webSocketSession) Send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Messages yields the data of every inbound text or binary frame. A normal closure by
// the server ends the iteration without an error.
func (s *webSocketSession) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.done:
					return
				default:
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				yield(nil, err)
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// Close sends a close frame and closes the connection.
func (s *webSocketSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		// WriteControl may run concurrently with a blocked Send.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(webSocketCloseTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("failed to send close frame", "err", err, "session", s.id)
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *webSocketSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
		if err != nil {
			s.logger.Warn("failed to send websocket ping", "err", err, "session", s.id)
			return
		}
	}
}
