package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ElicitationPolicy decides what happens to an elicitation that arrives while every slot is
// taken. There is no default: the zero value is invalid and must be replaced by an explicit
// choice whenever elicitations can be served.
type ElicitationPolicy int

// ElicitationState is the lifecycle state of an ElicitationEntry.
type ElicitationState int

// ElicitationConfig bounds peer-initiated elicitation and sampling requests.
type ElicitationConfig struct {
	// MaxConcurrent is the number of elicitations that may be outstanding at once.
	MaxConcurrent int
	// Timeout is each elicitation's own deadline, independent of the request timeout.
	Timeout time.Duration
	// Policy selects queueing or rejection once MaxConcurrent is reached.
	Policy ElicitationPolicy
}

// ElicitationEntry describes one admitted elicitation.
type ElicitationEntry struct {
	// Token identifies the entry. Request ids may repeat across connections, tokens do not.
	Token     string
	ID        RequestID
	Method    string
	StartedAt time.Time
	Deadline  time.Time
	State     ElicitationState
}

// ElicitationManager bounds the number of simultaneous peer-initiated elicitations and
// enforces a deadline on each of them. It is safe for concurrent use.
type ElicitationManager struct {
	cfg    ElicitationConfig
	slots  *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*elicitationEntry
}

type elicitationEntry struct {
	ElicitationEntry
	cancel context.CancelFunc
	swept  bool
}

type elicitationOutcome struct {
	result any
	err    error
}

// ElicitationPolicy values.
const (
	ElicitationPolicyUnset ElicitationPolicy = iota
	// ElicitationQueue makes overflow wait, in arrival order, for a slot to free up.
	ElicitationQueue
	// ElicitationReject fails overflow immediately with ErrCapacityExceeded.
	ElicitationReject
)

// ElicitationState values.
const (
	ElicitationPending ElicitationState = iota
	ElicitationResolved
	ElicitationTimedOut
	ElicitationCancelled
)

// DefaultElicitationConfig returns limits suitable for interactive use. Policy is left unset
// and must be chosen by the caller.
func DefaultElicitationConfig() ElicitationConfig {
	return ElicitationConfig{
		MaxConcurrent: 5,
		Timeout:       5 * time.Minute,
	}
}

func (c ElicitationConfig) validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return errors.New("max concurrent elicitations must be at least 1")
	case c.Timeout <= 0:
		return errors.New("elicitation timeout must be positive")
	case c.Policy != ElicitationQueue && c.Policy != ElicitationReject:
		return errors.New("elicitation overflow policy must be set to ElicitationQueue or ElicitationReject")
	}
	return nil
}

// NewElicitationManager creates a manager with cfg's limits.
func NewElicitationManager(cfg ElicitationConfig, logger *slog.Logger) (*ElicitationManager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ElicitationManager{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:  logger,
		entries: make(map[string]*elicitationEntry),
	}, nil
}

// Submit runs fn once a slot is available and returns its result. It fails with
// ErrCapacityExceeded when the policy rejects overflow, with ErrElicitationTimeout when fn
// outlives the elicitation deadline, with ErrConnectionLost when the connection goes away
// first, and with ErrCancelled when ctx is done.
//
// A timed out fn keeps running until it notices its context is done, but it no longer
// holds a slot and its result is discarded.
func (m *ElicitationManager) Submit(
	ctx context.Context,
	id RequestID,
	method string,
	fn func(ctx context.Context) (any, error),
) (any, error) {
	switch m.cfg.Policy {
	case ElicitationReject:
		if !m.slots.TryAcquire(1) {
			return nil, fmt.Errorf("%w: maximum concurrent elicitations reached (%d)", ErrCapacityExceeded, m.cfg.MaxConcurrent)
		}
	default:
		if err := m.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: waiting for an elicitation slot: %w", ErrCancelled, err)
		}
	}
	defer m.slots.Release(1)

	eCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	e := m.add(id, method, cancel)

	outcomes := make(chan elicitationOutcome, 1)
	go func() {
		result, err := fn(eCtx)
		outcomes <- elicitationOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcomes:
		m.finish(e, ElicitationResolved)
		return out.result, out.err
	case <-eCtx.Done():
	}

	state := ElicitationTimedOut
	if ctx.Err() != nil {
		state = ElicitationCancelled
	}
	switch m.finish(e, state) {
	case ElicitationCancelled:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: elicitation %s abandoned", ErrConnectionLost, id)
	default:
		m.logger.Warn("elicitation timed out", "id", id, "method", method, "timeout", m.cfg.Timeout)
		return nil, fmt.Errorf("%w after %s", ErrElicitationTimeout, m.cfg.Timeout)
	}
}

// Entries returns a snapshot of the outstanding elicitations, oldest first.
func (m *ElicitationManager) Entries() []ElicitationEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]ElicitationEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e.ElicitationEntry)
	}
	slices.SortFunc(entries, func(a, b ElicitationEntry) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return entries
}

// Len returns the number of outstanding elicitations.
func (m *ElicitationManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sweep cancels every outstanding elicitation because the connection that asked for them
// is gone. It returns the number of entries cancelled.
func (m *ElicitationManager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		e.swept = true
		e.State = ElicitationCancelled
		e.cancel()
	}
	return len(m.entries)
}

func (m *ElicitationManager) add(id RequestID, method string, cancel context.CancelFunc) *elicitationEntry {
	now := time.Now()
	e := &elicitationEntry{
		ElicitationEntry: ElicitationEntry{
			Token:     uuid.NewString(),
			ID:        id,
			Method:    method,
			StartedAt: now,
			Deadline:  now.Add(m.cfg.Timeout),
			State:     ElicitationPending,
		},
		cancel: cancel,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Token] = e
	return e
}

// finish moves e to its final state and removes it. A swept entry stays cancelled
// whatever state the caller asks for. It returns the final state.
func (m *ElicitationManager) finish(e *elicitationEntry, state ElicitationState) ElicitationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !e.swept {
		e.State = state
	}
	delete(m.entries, e.Token)
	return e.State
}

func (s ElicitationState) String() string {
	switch s {
	case ElicitationPending:
		return "pending"
	case ElicitationResolved:
		return "resolved"
	case ElicitationTimedOut:
		return "timed out"
	case ElicitationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (p ElicitationPolicy) String() string {
	switch p {
	case ElicitationQueue:
		return "queue"
	case ElicitationReject:
		return "reject"
	default:
		return "unset"
	}
}

// elicitationAdapter serves "elicitation/create" from an ElicitationHandler. Accepted
// content is checked against the requested schema before it is sent to the peer.
func elicitationAdapter(h ElicitationHandler) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params ElicitationParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, NewHandlerError(HandlerErrorInvalidInput, "failed to unmarshal elicitation params: %v", err)
		}

		result, err := h.Elicit(ctx, params)
		if err != nil {
			return nil, err
		}

		switch result.Action {
		case ElicitationAccept:
		case ElicitationDecline, ElicitationCancel:
			result.Content = nil
			return result, nil
		default:
			return nil, NewHandlerError(HandlerErrorInvalidInput, "unknown elicitation action %q", result.Action)
		}

		if params.RequestedSchema == nil {
			return result, nil
		}
		resolved, err := params.RequestedSchema.Resolve(nil)
		if err != nil {
			return nil, NewHandlerError(HandlerErrorInvalidInput, "invalid requested schema: %v", err)
		}
		// Round-trip the content so the validator sees plain JSON values.
		bs, err := json.Marshal(result.Content)
		if err != nil {
			return nil, NewHandlerError(HandlerErrorInvalidInput, "failed to marshal elicitation content: %v", err)
		}
		var instance any
		if err := json.Unmarshal(bs, &instance); err != nil {
			return nil, NewHandlerError(HandlerErrorInvalidInput, "failed to unmarshal elicitation content: %v", err)
		}
		if err := resolved.Validate(instance); err != nil {
			return nil, NewHandlerError(HandlerErrorInvalidInput, "elicitation content does not match the requested schema: %v", err)
		}
		return result, nil
	})
}
