package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient implements a client transport for servers that speak the HTTP+SSE transport:
// server-to-client messages arrive as "message" events on a long-lived GET stream, and
// client-to-server messages are POSTed to the endpoint the server announces in an
// "endpoint" event. Every session opens a new stream.
//
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	header     http.Header
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseClientSession struct {
	id         string
	httpClient *http.Client
	base       *url.URL
	header     http.Header
	logger     *slog.Logger

	mu         sync.RWMutex
	messageURL string

	events    chan sseEvent
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type sseEvent struct {
	data []byte
	err  error
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		header:     make(http.Header),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event the client accepts from
// the server. An oversized event ends the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHeader adds a header to every request the client makes, such as an
// Authorization header.
func WithSSEClientHeader(key, value string) SSEClientOption {
	return func(s *SSEClient) {
		s.header.Add(key, value)
	}
}

// WithSSEClientLogger sets the logger of the transport.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// StartSession implements ClientTransport. It opens the event stream and returns once the
// server has announced its message endpoint. The stream outlives ctx and ends when the
// session is closed.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connect URL: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = s.header.Clone()
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		// streamCtx only reports Canceled, so surface the caller's own reason.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		base:       base,
		header:     s.header,
		logger:     s.logger,
		events:     make(chan sseEvent),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	endpoint := make(chan error, 1)
	go sess.listen(resp.Body, s.maxPayloadSize, endpoint)

	select {
	case err = <-endpoint:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil && !stop() {
		err = ctx.Err()
	}
	if err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func (s *sseClientSession) ID() string { return s.id }

// Send POSTs one message to the announced endpoint.
func (s *sseClientSession) Send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	s.mu.RLock()
	endpoint := s.messageURL
	s.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = s.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}

func (s *sseClientSession) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			var ev sseEvent
			var ok bool
			select {
			case <-s.done:
				return
			case ev, ok = <-s.events:
			}
			if !ok {
				return
			}
			if ev.err != nil {
				yield(nil, ev.err)
				return
			}
			if !yield(ev.data, nil) {
				return
			}
		}
	}
}

func (s *sseClientSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// listen reads the event stream. The first "endpoint" event is reported on endpoint; any
// failure before it is too.
func (s *sseClientSession) listen(body io.ReadCloser, maxPayloadSize int, endpoint chan<- error) {
	defer body.Close()
	defer close(s.events)

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	announced := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !announced {
				endpoint <- fmt.Errorf("failed to read endpoint event: %w", err)
				return
			}
			select {
			case <-s.done:
			default:
				s.logger.Error("failed to read SSE message", "err", err)
				s.push(sseEvent{err: err})
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := s.resolve(ev.Data)
			if err != nil {
				if !announced {
					endpoint <- err
					return
				}
				s.logger.Error("ignored invalid endpoint event", "err", err)
				continue
			}
			s.mu.Lock()
			s.messageURL = u
			s.mu.Unlock()
			if !announced {
				announced = true
				endpoint <- nil
			}
		case "message", "":
			if !announced {
				s.logger.Error("received message before endpoint URL")
				continue
			}
			if !s.push(sseEvent{data: []byte(ev.Data)}) {
				return
			}
		default:
			s.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}

	if !announced {
		endpoint <- errors.New("event stream ended before the endpoint event")
	}
}

func (s *sseClientSession) push(ev sseEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// resolve turns the announced endpoint into an absolute URL. Relative endpoints are
// resolved against the connect URL, and the result must share its origin.
func (s *sseClientSession) resolve(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty endpoint URL")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	u := s.base.ResolveReference(ref)
	if u.Scheme != s.base.Scheme || u.Host != s.base.Host {
		return "", fmt.Errorf("endpoint %q is not on the origin of %q", u, s.base)
	}
	return u.String(), nil
}
