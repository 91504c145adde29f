package mcp

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a call's deadline elapses before the peer responds.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled is returned when the caller abandons a call before it completes.
	ErrCancelled = errors.New("request cancelled")

	// ErrConnectionLost is returned to every pending call when the underlying connection is
	// declared unusable, and to new calls issued while a reconnect is in progress.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCircuitOpen is returned without touching the transport when the circuit breaker
	// rejects new work.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCapacityExceeded is returned when the elicitation concurrency limit is reached and
	// the configured policy rejects overflow.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotInitialized is returned for any traffic attempted before the first session
	// handshake completes. Once a connection has been ready, traffic attempted while it is
	// down or reconnecting fails with an error matching ErrConnectionLost instead, so it
	// counts as retryable.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrAlreadyInitialized is returned when a handshake is attempted a second time on the
	// same connection.
	ErrAlreadyInitialized = errors.New("session already initialized")

	// ErrClientClosed is returned by every operation once Close has been called.
	ErrClientClosed = errors.New("client closed")

	// ErrUnsupportedProtocolVersion is returned when the peer answers the handshake with a
	// protocol version outside the supported set.
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")

	// ErrSessionUnavailable is returned by transports that cannot start another session,
	// such as a StdIO transport whose only session has ended. The client stops reconnecting
	// when it sees it.
	ErrSessionUnavailable = errors.New("transport cannot start another session")

	// ErrElicitationTimeout is returned when an elicitation outlives its own deadline. It
	// matches ErrTimeout with errors.Is.
	ErrElicitationTimeout = fmt.Errorf("elicitation %w", ErrTimeout)

	// ErrUnhealthy is reported by the health checker once consecutive probe failures reach
	// the configured threshold. It matches ErrConnectionLost with errors.Is.
	ErrUnhealthy = fmt.Errorf("connection unhealthy: %w", ErrConnectionLost)
)

// TransportError reports a failure of the underlying byte channel. It matches
// ErrConnectionLost with errors.Is, and unwraps to the transport's own error.
type TransportError struct {
	// Op is the transport operation that failed, such as "send" or "receive".
	Op  string
	Err error
}

// ProtocolError reports a message that could not be decoded or classified.
type ProtocolError struct {
	// Code is the JSON-RPC code a peer should receive for this failure, either
	// ParseError or InvalidRequest.
	Code   int
	Reason string
	// ID is the id extracted from the offending message, when one could be recovered.
	ID  RequestID
	Err error
}

// HandlerErrorKind classifies a failure returned by an application handler, and selects
// the JSON-RPC code the peer receives.
type HandlerErrorKind int

// HandlerError is the error type application handlers return to control the JSON-RPC
// error the peer receives. Any other error returned from a handler is reported to the peer
// as InternalError.
type HandlerError struct {
	Kind    HandlerErrorKind
	Message string
	Data    any
}

// HandlerErrorKind values.
const (
	HandlerErrorInternal HandlerErrorKind = iota
	HandlerErrorUserCancelled
	HandlerErrorTimeout
	HandlerErrorInvalidInput
	HandlerErrorConfiguration
)

const (
	// CodeParseError indicates the peer sent invalid JSON.
	CodeParseError = -32700
	// CodeInvalidRequest indicates the JSON sent is not a valid request object.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound indicates the method does not exist or is not available.
	CodeMethodNotFound = -32601
	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams = -32602
	// CodeInternalError indicates an internal JSON-RPC error.
	CodeInternalError = -32603

	// CodeUserCancelled is returned when the user dismissed an interaction.
	CodeUserCancelled = -1
	// CodeRequestTimeout is returned when a handler or elicitation ran out of time.
	CodeRequestTimeout = -32801
	// CodeServerNotInitialized is returned for peer requests received before the handshake
	// completes.
	CodeServerNotInitialized = -32002
	// CodeCapacityExceeded is returned when the elicitation limit rejects a peer request.
	CodeCapacityExceeded = -32000
)

// NewHandlerError creates a HandlerError of the given kind.
func NewHandlerError(kind HandlerErrorKind, format string, args ...any) *HandlerError {
	return &HandlerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports the error as a lost connection.
func (e *TransportError) Is(target error) bool { return target == ErrConnectionLost }

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error (%s): %s", e.Kind, e.Message)
}

// Code returns the JSON-RPC error code for the handler error's kind.
func (e *HandlerError) Code() int {
	switch e.Kind {
	case HandlerErrorUserCancelled:
		return CodeUserCancelled
	case HandlerErrorTimeout:
		return CodeRequestTimeout
	case HandlerErrorInvalidInput:
		return CodeInvalidParams
	case HandlerErrorConfiguration:
		return CodeMethodNotFound
	default:
		return CodeInternalError
	}
}

func (k HandlerErrorKind) String() string {
	switch k {
	case HandlerErrorUserCancelled:
		return "user cancelled"
	case HandlerErrorTimeout:
		return "timeout"
	case HandlerErrorInvalidInput:
		return "invalid input"
	case HandlerErrorConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// IsRetryable is the default retry predicate. Lost connections, transport failures and
// timeouts are retryable. Peer error responses, open circuits, caller cancellation and
// handshake errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *JSONRPCError
	switch {
	case errors.As(err, &rpcErr):
		return false
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, ErrClientClosed),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrTimeout):
		return true
	}
	return false
}

// toJSONRPCError maps an error produced while serving a peer request to the error object
// sent back to the peer.
func toJSONRPCError(err error) *JSONRPCError {
	var (
		rpcErr     *JSONRPCError
		handlerErr *HandlerError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &handlerErr):
		return &JSONRPCError{Code: handlerErr.Code(), Message: handlerErr.Message, Data: handlerErr.Data}
	case errors.Is(err, ErrCapacityExceeded):
		return &JSONRPCError{Code: CodeCapacityExceeded, Message: err.Error()}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &JSONRPCError{Code: CodeRequestTimeout, Message: err.Error()}
	case errors.Is(err, ErrNotInitialized):
		return &JSONRPCError{Code: CodeServerNotInitialized, Message: err.Error()}
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return &JSONRPCError{Code: CodeUserCancelled, Message: err.Error()}
	}
	return &JSONRPCError{Code: CodeInternalError, Message: err.Error()}
}
