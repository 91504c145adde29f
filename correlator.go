package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator issues correlation ids for outbound requests. Ids must be unique among the
// requests in flight on a client; generators are called concurrently.
type IDGenerator interface {
	NextID() RequestID
}

// IDGeneratorFunc adapts a function to the IDGenerator interface.
type IDGeneratorFunc func() RequestID

// CounterIDGenerator issues the string ids "1", "2", "3" and so on. It is the default.
type CounterIDGenerator struct {
	next atomic.Uint64
}

// UUIDGenerator issues random UUID string ids.
type UUIDGenerator struct{}

// outboundPath is the correlator's view of the connection: the session a method may be
// sent on right now and the generation it belongs to.
type outboundPath interface {
	current(method string) (Session, uint64, error)
	generation() uint64
}

// correlator turns outbound calls into request messages and pairs each one with its
// response through the pending table.
type correlator struct {
	table        *pendingTable
	ids          IDGenerator
	codec        Codec
	path         outboundPath
	breaker      *CircuitBreaker
	stats        *clientStats
	writeTimeout time.Duration
	logger       *slog.Logger
}

// idAttempts bounds how often a colliding generator is asked for a fresh id.
const idAttempts = 3

// NextID calls f().
func (f IDGeneratorFunc) NextID() RequestID { return f() }

// NextID implements IDGenerator.
func (g *CounterIDGenerator) NextID() RequestID {
	return StringID(strconv.FormatUint(g.next.Add(1), 10))
}

// NextID implements IDGenerator.
func (UUIDGenerator) NextID() RequestID {
	return StringID(uuid.NewString())
}

// call sends one request and waits for its response, its deadline, ctx, or the loss of
// the connection, whichever comes first. A peer error response is returned as a
// *JSONRPCError.
func (c *correlator) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	sess, gen, err := c.path.current(method)
	if err != nil {
		return nil, err
	}
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, err
	}

	p, err := c.register(method, gen, timeout)
	if err != nil {
		done(err)
		return nil, err
	}
	// A reconnect that began between current and register has already swept the table,
	// so the entry would never be completed by anyone but its timer.
	if c.path.generation() != gen {
		err := fmt.Errorf("%w: connection replaced while sending %s", ErrConnectionLost, method)
		c.table.abandon(p, err)
		done(err)
		return nil, err
	}

	data, err := c.codec.Encode(newRequest(p.id, method, rawParams))
	if err != nil {
		c.table.abandon(p, err)
		done(err)
		return nil, err
	}
	if err := c.send(ctx, sess, data); err != nil {
		c.table.abandon(p, err)
		done(err)
		return nil, err
	}
	c.stats.requestsSent.Add(1)

	out := c.wait(ctx, sess, p)
	done(out.err)
	if out.err != nil {
		return nil, out.err
	}
	if out.msg.Error != nil {
		return nil, out.msg.Error
	}
	return out.msg.Result, nil
}

// notify sends a notification. Notifications have no response, so the call is complete
// once the transport accepts the message.
func (c *correlator) notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	sess, _, err := c.path.current(method)
	if err != nil {
		return err
	}
	done, err := c.breaker.Allow()
	if err != nil {
		return err
	}

	data, err := c.codec.Encode(newNotification(method, rawParams))
	if err != nil {
		done(err)
		return err
	}
	err = c.send(ctx, sess, data)
	done(err)
	if err != nil {
		return err
	}
	c.stats.notificationsSent.Add(1)
	return nil
}

// reply answers a peer request on sess. Replies bypass the circuit breaker: the peer is
// waiting for them whatever the state of our own calls.
func (c *correlator) reply(ctx context.Context, sess Session, msg JSONRPCMessage) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.send(ctx, sess, data)
}

func (c *correlator) register(method string, gen uint64, timeout time.Duration) (*pendingRequest, error) {
	var err error
	for range idAttempts {
		var p *pendingRequest
		p, err = c.table.register(c.ids.NextID(), method, gen, timeout)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, errDuplicateID) {
			break
		}
		c.logger.Warn("id generator produced an id already in flight", "err", err, "method", method)
	}
	return nil, fmt.Errorf("failed to register %s: %w", method, err)
}

func (c *correlator) wait(ctx context.Context, sess Session, p *pendingRequest) callOutcome {
	select {
	case out := <-p.done:
		if errors.Is(out.err, ErrTimeout) {
			c.stats.timeouts.Add(1)
			c.cancelRemote(sess, p.id, requestTimeoutReason)
		}
		return out
	case <-ctx.Done():
	}

	if c.table.abandon(p, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))) {
		c.stats.cancellations.Add(1)
		c.cancelRemote(sess, p.id, userCancelledReason)
	}
	// Either the abandon above or whoever beat it to the entry has filled the slot.
	return <-p.done
}

// cancelRemote tells the peer that the request id is no longer wanted. Failures are only
// logged: the local call is already over.
func (c *correlator) cancelRemote(sess Session, id RequestID, reason string) {
	params, err := json.Marshal(notificationsCancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		c.logger.Error("failed to marshal cancel notification", "err", err, "id", id)
		return
	}
	data, err := c.codec.Encode(newNotification(methodNotificationsCancelled, params))
	if err != nil {
		c.logger.Error("failed to encode cancel notification", "err", err, "id", id)
		return
	}
	if err := c.send(context.Background(), sess, data); err != nil {
		c.logger.Debug("failed to send cancel notification", "err", err, "id", id)
	}
}

// send writes data to sess within the write timeout. A failure not caused by ctx is a
// transport failure.
func (c *correlator) send(ctx context.Context, sess Session, data []byte) error {
	sCtx := ctx
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		sCtx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := sess.Send(sCtx, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}
