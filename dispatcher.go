package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// dispatcher owns the inbound side of a session. It is the only reader of the session's
// message stream: responses are routed to the pending table, peer requests to the
// registry's handlers and notifications to the registry's listeners. Handlers and
// listeners never run on the read loop, so a slow handler cannot hold up responses.
type dispatcher struct {
	codec        Codec
	table        *pendingTable
	registry     *Registry
	elicitations *ElicitationManager
	replies      *correlator
	stats        *clientStats
	logger       *slog.Logger

	// gate decides whether a peer request may be served yet.
	gate func(method string) error

	maxDecodeErrors    int
	notificationBuffer int
}

// peerRequests tracks the peer requests being served on one session, so that a
// "notifications/cancelled" from the peer can reach the handler serving it.
type peerRequests struct {
	mu     sync.Mutex
	active map[RequestID]*peerRequest
}

type peerRequest struct {
	cancel context.CancelFunc
	byPeer atomic.Bool
}

// governedMethods are the peer requests that wait on a human and therefore pass through
// the elicitation manager.
var governedMethods = map[string]bool{
	MethodElicitationCreate:     true,
	MethodSamplingCreateMessage: true,
}

const (
	defaultMaxDecodeErrors    = 10
	defaultNotificationBuffer = 64
)

// serve reads sess until it ends or ctx is done. It returns a *TransportError when the
// stream fails or ends, an error matching ErrConnectionLost when the peer keeps sending
// undecodable messages, and ctx's error when the caller stopped it.
func (d *dispatcher) serve(ctx context.Context, sess Session, generation uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := &peerRequests{active: make(map[RequestID]*peerRequest)}
	notifications := make(chan JSONRPCMessage, d.notificationBuffer)
	go d.deliver(ctx, notifications)
	defer close(notifications)

	var decodeFailures int
	for data, err := range sess.Messages() {
		var perr *ProtocolError
		if err != nil && !errors.As(err, &perr) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "receive", Err: err}
		}

		// A session reports a frame it dropped as a *ProtocolError, which counts like
		// one the codec rejected.
		var msg JSONRPCMessage
		if err == nil {
			msg, err = d.codec.Decode(data)
		}
		if err != nil {
			decodeFailures++
			d.stats.decodeErrors.Add(1)
			d.logger.Warn("failed to decode message", "err", err, "generation", generation)
			d.rejectMalformed(ctx, sess, err)
			if d.maxDecodeErrors > 0 && decodeFailures >= d.maxDecodeErrors {
				return fmt.Errorf("%w: %d consecutive undecodable messages", ErrConnectionLost, decodeFailures)
			}
			continue
		}
		decodeFailures = 0

		switch Classify(msg) {
		case KindResponse:
			d.handleResponse(msg, generation)
		case KindRequest:
			d.handleRequest(ctx, sess, msg, peer)
		case KindNotification:
			d.handleNotification(msg, notifications, peer)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransportError{Op: "receive", Err: io.EOF}
}

func (d *dispatcher) handleResponse(msg JSONRPCMessage, generation uint64) {
	if d.table.complete(msg.ID, generation, msg) {
		d.stats.responsesReceived.Add(1)
		return
	}

	d.stats.orphanResponses.Add(1)
	switch {
	case msg.ID.IsZero():
		d.logger.Warn("dropped response without id", "error", msg.Error)
	case d.table.retired.take(msg.ID):
		d.logger.Debug("dropped late response for abandoned request", "id", msg.ID)
	default:
		d.logger.Warn("dropped response for unknown request", "id", msg.ID)
	}
}

func (d *dispatcher) handleRequest(ctx context.Context, sess Session, msg JSONRPCMessage, peer *peerRequests) {
	d.stats.peerRequests.Add(1)
	replyCtx := context.WithoutCancel(ctx)

	if err := d.gate(msg.Method); err != nil {
		go d.replyError(replyCtx, sess, msg, toJSONRPCError(err))
		return
	}
	h, ok := d.registry.Lookup(msg.Method)
	if !ok {
		go d.replyError(replyCtx, sess, msg, &JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		})
		return
	}

	hCtx, pr, ok := peer.start(ctx, msg.ID)
	if !ok {
		go d.replyError(replyCtx, sess, msg, &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("request id %s is already in use", msg.ID),
		})
		return
	}

	go func() {
		defer peer.finish(msg.ID, pr)

		result, err := d.run(hCtx, h, msg)
		switch {
		case pr.byPeer.Load():
			d.logger.Debug("peer cancelled request", "id", msg.ID, "method", msg.Method)
			return
		case errors.Is(err, ErrConnectionLost):
			// The session that asked is gone and nobody is left to answer.
			d.logger.Debug("dropped reply for request on lost connection", "id", msg.ID, "method", msg.Method)
			return
		case err != nil:
			d.replyError(replyCtx, sess, msg, toJSONRPCError(err))
			return
		}

		raw, err := marshalResult(result)
		if err != nil {
			d.replyError(replyCtx, sess, msg, &JSONRPCError{Code: CodeInternalError, Message: err.Error()})
			return
		}
		if err := d.replies.reply(replyCtx, sess, newResultResponse(msg.ID, raw)); err != nil {
			d.logger.Error("failed to send response", "err", err, "id", msg.ID, "method", msg.Method)
		}
	}()
}

// run invokes h, turning a panic into an internal error. Requests that wait on a human go
// through the elicitation manager when one is configured.
func (d *dispatcher) run(ctx context.Context, h Handler, msg JSONRPCMessage) (any, error) {
	invoke := func(ctx context.Context) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("handler panicked", "method", msg.Method, "id", msg.ID, "panic", r)
				err = NewHandlerError(HandlerErrorInternal, "handler for %s panicked", msg.Method)
			}
		}()
		return h.Handle(ctx, msg.Params)
	}

	if d.elicitations != nil && governedMethods[msg.Method] {
		return d.elicitations.Submit(ctx, msg.ID, msg.Method, invoke)
	}
	return invoke(ctx)
}

func (d *dispatcher) handleNotification(msg JSONRPCMessage, queue chan<- JSONRPCMessage, peer *peerRequests) {
	d.stats.notificationsReceived.Add(1)

	if msg.Method == methodNotificationsCancelled {
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			d.logger.Warn("failed to unmarshal cancel notification", "err", err)
		} else if peer.cancel(params.RequestID) {
			d.logger.Debug("cancelling peer request", "id", params.RequestID, "reason", params.Reason)
		}
	}

	select {
	case queue <- msg:
	default:
		d.stats.droppedNotifications.Add(1)
		d.logger.Warn("dropped notification, listener queue is full", "method", msg.Method)
	}
}

// deliver runs the listeners for each queued notification, in arrival order.
func (d *dispatcher) deliver(ctx context.Context, queue <-chan JSONRPCMessage) {
	for msg := range queue {
		for _, l := range d.registry.Listeners(msg.Method) {
			d.notify(ctx, l, msg)
		}
	}
}

func (d *dispatcher) notify(ctx context.Context, l Listener, msg JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification listener panicked", "method", msg.Method, "panic", r)
		}
	}()
	if err := l(ctx, msg.Params); err != nil {
		d.logger.Error("notification listener failed", "method", msg.Method, "err", err)
	}
}

// rejectMalformed answers an undecodable message with the matching JSON-RPC error. The
// reply carries the message's id when one could be recovered, and null otherwise.
func (d *dispatcher) rejectMalformed(ctx context.Context, sess Session, err error) {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		return
	}
	msg := newErrorResponse(perr.ID, &JSONRPCError{Code: perr.Code, Message: perr.Reason})
	go func() {
		if err := d.replies.reply(context.WithoutCancel(ctx), sess, msg); err != nil {
			d.logger.Debug("failed to reject malformed message", "err", err)
		}
	}()
}

func (d *dispatcher) replyError(ctx context.Context, sess Session, req JSONRPCMessage, rpcErr *JSONRPCError) {
	if err := d.replies.reply(ctx, sess, newErrorResponse(req.ID, rpcErr)); err != nil {
		d.logger.Error("failed to send error response", "err", err, "id", req.ID, "method", req.Method)
	}
}

func (p *peerRequests) start(ctx context.Context, id RequestID) (context.Context, *peerRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[id]; ok {
		return nil, nil, false
	}
	hCtx, cancel := context.WithCancel(ctx)
	pr := &peerRequest{cancel: cancel}
	p.active[id] = pr
	return hCtx, pr, true
}

func (p *peerRequests) finish(id RequestID, pr *peerRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr.cancel()
	if p.active[id] == pr {
		delete(p.active, id)
	}
}

// cancel stops the handler serving id on the peer's behalf. The handler's reply, if any,
// is suppressed.
func (p *peerRequests) cancel(id RequestID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr, ok := p.active[id]
	if !ok {
		return false
	}
	pr.byPeer.Store(true)
	pr.cancel()
	return true
}
