package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// ConnectionState is the lifecycle state of a client's connection.
type ConnectionState int32

// ReconnectPolicy controls how a lost connection is re-established.
type ReconnectPolicy struct {
	// Enabled turns automatic reconnection on. Only connections that completed a handshake
	// are re-established; the first connection attempt is never retried.
	Enabled bool
	// MaxAttempts bounds the number of connection attempts per outage. Zero means no bound.
	MaxAttempts int
	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
}

// connectionHooks are the client operations the connection drives.
type connectionHooks struct {
	// serve runs the inbound loop of a session.
	serve func(ctx context.Context, sess Session, generation uint64) error
	// handshake negotiates a fresh session with neg.
	handshake func(ctx context.Context, neg *negotiator) (NegotiatedSession, error)
	// negotiator creates the negotiator for a new session.
	negotiator func() *negotiator
	// lost fails everything outstanding on a session that ended.
	lost func(err error)
}

// connection supervises the client's session: it opens it, watches it, and replaces it
// when it fails. Each session is tagged with a generation number, and every outstanding
// request is bound to the generation it was sent on.
type connection struct {
	transport ClientTransport
	reconnect ReconnectPolicy
	health    *HealthChecker
	hooks     connectionHooks
	stats     *clientStats
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	state     ConnectionState
	sess      Session
	gen       uint64
	neg       *negotiator
	readyGen  uint64
	everReady bool
}

// ConnectionState values.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateReconnecting
	StateClosed
)

// DefaultReconnectPolicy returns an enabled policy that keeps trying with backoff capped at
// 30 seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:         true,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

func (p ReconnectPolicy) validate() error {
	if !p.Enabled {
		return nil
	}
	switch {
	case p.MaxAttempts < 0:
		return errors.New("reconnect max attempts must not be negative")
	case p.InitialInterval <= 0:
		return errors.New("reconnect initial interval must be positive")
	case p.MaxInterval < p.InitialInterval:
		return errors.New("reconnect max interval is below the initial interval")
	case p.Multiplier < 1:
		return errors.New("reconnect multiplier must be at least 1")
	}
	return nil
}

func newConnection(
	transport ClientTransport,
	reconnect ReconnectPolicy,
	health *HealthChecker,
	hooks connectionHooks,
	stats *clientStats,
	logger *slog.Logger,
) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		transport: transport,
		reconnect: reconnect,
		health:    health,
		hooks:     hooks,
		stats:     stats,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// open starts the first session and runs the handshake on it.
func (c *connection) open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClientClosed
	case StateDisconnected:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: client is %s", ErrAlreadyInitialized, c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		c.settle(StateDisconnected)
		return fmt.Errorf("failed to start session: %w", err)
	}
	if err := c.activate(ctx, sess); err != nil {
		c.settle(StateDisconnected)
		return err
	}
	return nil
}

// activate makes sess the current session under a new generation, starts its inbound loop
// and health probe, and negotiates it.
func (c *connection) activate(ctx context.Context, sess Session) error {
	neg := c.hooks.negotiator()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = sess.Close()
		return ErrClientClosed
	}
	c.gen++
	gen := c.gen
	c.sess, c.neg = sess, neg
	c.state = StateHandshaking
	c.mu.Unlock()

	c.health.reset()

	gCtx, gCancel := context.WithCancel(c.ctx)
	g, gCtx := errgroup.WithContext(gCtx)
	g.Go(func() error {
		return c.hooks.serve(gCtx, sess, gen)
	})
	g.Go(func() error {
		return c.health.Run(gCtx, func() bool { return c.State() != StateReady })
	})
	g.Go(func() error {
		<-gCtx.Done()
		if err := sess.Close(); err != nil {
			c.logger.Debug("failed to close session", "err", err, "session", sess.ID())
		}
		return nil
	})

	c.wg.Add(1)
	go c.supervise(g, gCancel, gen)

	hsCtx, hsCancel := mergeCancel(ctx, gCtx)
	defer hsCancel()
	if _, err := c.hooks.handshake(hsCtx, neg); err != nil {
		c.teardown(gen, err)
		gCancel()
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return fmt.Errorf("%w: session ended during handshake", ErrConnectionLost)
	}
	c.state = StateReady
	c.readyGen = gen
	c.everReady = true
	c.mu.Unlock()

	c.logger.Info("connection ready", "session", sess.ID(), "generation", gen)
	return nil
}

// supervise waits for the session of generation gen to end and replaces it when the
// session had been ready and the policy allows it.
func (c *connection) supervise(g *errgroup.Group, cancel context.CancelFunc, gen uint64) {
	defer c.wg.Done()
	defer cancel()

	err := g.Wait()
	if c.ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("session ended")
	}

	c.mu.RLock()
	wasReady := c.readyGen == gen
	c.mu.RUnlock()

	if !c.teardown(gen, err) {
		return
	}
	c.logger.Warn("connection lost", "err", err, "generation", gen)
	if wasReady && c.reconnect.Enabled {
		c.reconnectLoop()
	}
}

// teardown retires generation gen: the session stops being current and everything
// outstanding on it fails. It reports false when gen was already retired.
func (c *connection) teardown(gen uint64, cause error) bool {
	c.mu.Lock()
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.gen++
	sess := c.sess
	c.sess, c.neg = nil, nil
	if c.everReady && c.reconnect.Enabled {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if !errors.Is(cause, ErrConnectionLost) {
		cause = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	c.hooks.lost(cause)
	if sess != nil {
		_ = sess.Close()
	}
	return true
}

func (c *connection) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnect.InitialInterval
	bo.MaxInterval = c.reconnect.MaxInterval
	bo.Multiplier = c.reconnect.Multiplier

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.logger.Warn("failed to reconnect", "err", err, "attempt", attempt, "retry_in", delay)
		}),
	}
	if c.reconnect.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(c.reconnect.MaxAttempts)))
	}

	_, err := backoff.Retry(c.ctx, func() (struct{}, error) {
		attempt++
		sess, err := c.transport.StartSession(c.ctx)
		if err != nil {
			err = fmt.Errorf("failed to start session: %w", err)
			if errors.Is(err, ErrSessionUnavailable) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if err := c.activate(c.ctx, sess); err != nil {
			if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrUnsupportedProtocolVersion) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("failed to reconnect, giving up", "err", err, "attempts", attempt)
			c.settle(StateDisconnected)
		}
		return
	}

	c.stats.reconnects.Add(1)
	c.logger.Info("reconnected", "attempts", attempt, "generation", c.generation())
}

// close ends the connection for good. Everything outstanding fails with ErrClientClosed.
func (c *connection) close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.gen++
	sess := c.sess
	c.sess, c.neg = nil, nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if sess != nil {
		err = sess.Close()
	}
	c.hooks.lost(ErrClientClosed)
	c.wg.Wait()
	return err
}

// current returns the session method may be sent on now, with its generation.
func (c *connection) current(method string) (Session, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateReady:
		return c.sess, c.gen, nil
	case StateHandshaking:
		if handshakeMethod(method) {
			return c.sess, c.gen, nil
		}
	case StateClosed:
		return nil, 0, ErrClientClosed
	}
	if c.everReady {
		return nil, 0, fmt.Errorf("%w: client is %s", ErrConnectionLost, c.state)
	}
	return nil, 0, ErrNotInitialized
}

func (c *connection) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// peerGate admits peer requests once the server's handshake answer has been accepted.
// Pings are always answered.
func (c *connection) peerGate(method string) error {
	if method == methodPing {
		return nil
	}
	c.mu.RLock()
	neg := c.neg
	c.mu.RUnlock()
	if neg != nil && neg.State() == NegotiationReady {
		return nil
	}
	return ErrNotInitialized
}

// negotiated returns the negotiated session of the current connection.
func (c *connection) negotiated() (NegotiatedSession, bool) {
	c.mu.RLock()
	neg := c.neg
	c.mu.RUnlock()
	if neg == nil {
		return NegotiatedSession{}, false
	}
	return neg.Session()
}

func (c *connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// settle moves to state unless the connection was closed or replaced in the meantime.
func (c *connection) settle(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateReady {
		return
	}
	c.state = state
}

// mergeCancel returns a context that carries a's values and deadline and is also done
// when b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() {
		cancel(context.Cause(b))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
