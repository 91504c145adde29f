package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
)

// NegotiationState is the handshake state of one connection.
type NegotiationState int32

// NegotiatedSession is what the client and server agreed on during the handshake.
type NegotiatedSession struct {
	ProtocolVersion    string
	ClientCapabilities ClientCapabilities
	ServerCapabilities ServerCapabilities
	ServerInfo         Info
	Instructions       string
	// Initialized is set once "notifications/initialized" has been sent.
	Initialized bool
}

// negotiator runs the initialize handshake for exactly one connection. A reconnect gets
// a new negotiator.
type negotiator struct {
	info         Info
	capabilities ClientCapabilities
	versions     []string
	logger       *slog.Logger

	state   atomic.Int32
	session atomic.Pointer[NegotiatedSession]
}

type (
	callFunc   func(ctx context.Context, method string, params any) (json.RawMessage, error)
	notifyFunc func(ctx context.Context, method string, params any) error
)

// NegotiationState values.
const (
	NegotiationUninitialized NegotiationState = iota
	NegotiationHandshaking
	NegotiationReady
	NegotiationFailed
)

func newNegotiator(info Info, capabilities ClientCapabilities, versions []string, logger *slog.Logger) *negotiator {
	if len(versions) == 0 {
		versions = SupportedProtocolVersions
	}
	return &negotiator{
		info:         info,
		capabilities: capabilities,
		versions:     versions,
		logger:       logger,
	}
}

// handshake proposes the preferred protocol version, validates the server's answer and
// confirms with "notifications/initialized". It fails with ErrAlreadyInitialized when the
// handshake was already attempted.
//
// The negotiator turns ready before the confirmation is sent, so that a server that
// starts issuing requests the moment it sees the confirmation finds the client willing
// to answer.
func (n *negotiator) handshake(ctx context.Context, call callFunc, notify notifyFunc) (NegotiatedSession, error) {
	if !n.state.CompareAndSwap(int32(NegotiationUninitialized), int32(NegotiationHandshaking)) {
		return NegotiatedSession{}, ErrAlreadyInitialized
	}

	sess, err := n.exchange(ctx, call)
	if err != nil {
		n.state.Store(int32(NegotiationFailed))
		return NegotiatedSession{}, err
	}
	n.session.Store(&sess)
	n.state.Store(int32(NegotiationReady))

	if err := notify(ctx, methodNotificationsInitialized, nil); err != nil {
		n.state.Store(int32(NegotiationFailed))
		return NegotiatedSession{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}
	sess.Initialized = true
	n.session.Store(&sess)

	n.logger.Info("session negotiated",
		"protocol_version", sess.ProtocolVersion,
		"server", sess.ServerInfo.Name,
		"server_version", sess.ServerInfo.Version)
	return sess, nil
}

func (n *negotiator) exchange(ctx context.Context, call callFunc) (NegotiatedSession, error) {
	params := initializeParams{
		ProtocolVersion: n.versions[0],
		Capabilities:    n.capabilities,
		ClientInfo:      n.info,
	}
	raw, err := call(ctx, methodInitialize, params)
	if err != nil {
		return NegotiatedSession{}, fmt.Errorf("failed to initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return NegotiatedSession{}, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion == "" {
		return NegotiatedSession{}, errors.New("initialize result carries no protocol version")
	}
	if !slices.Contains(n.versions, result.ProtocolVersion) {
		return NegotiatedSession{}, fmt.Errorf("%w: server answered %q, client supports %v",
			ErrUnsupportedProtocolVersion, result.ProtocolVersion, n.versions)
	}

	return NegotiatedSession{
		ProtocolVersion:    result.ProtocolVersion,
		ClientCapabilities: n.capabilities,
		ServerCapabilities: result.Capabilities,
		ServerInfo:         result.ServerInfo,
		Instructions:       result.Instructions,
	}, nil
}

func (n *negotiator) State() NegotiationState {
	return NegotiationState(n.state.Load())
}

// Session returns the negotiated session once the server's answer has been accepted.
func (n *negotiator) Session() (NegotiatedSession, bool) {
	s := n.session.Load()
	if s == nil {
		return NegotiatedSession{}, false
	}
	return *s, true
}

// handshakeMethod reports whether method may be sent before the handshake completes.
func handshakeMethod(method string) bool {
	switch method {
	case methodInitialize, methodPing, methodNotificationsInitialized, methodNotificationsCancelled:
		return true
	}
	return false
}

func (s NegotiationState) String() string {
	switch s {
	case NegotiationUninitialized:
		return "uninitialized"
	case NegotiationHandshaking:
		return "handshaking"
	case NegotiationReady:
		return "ready"
	case NegotiationFailed:
		return "failed"
	default:
		return "unknown"
	}
}
