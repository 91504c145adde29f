package mcp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// pendingTable maps correlation ids of in-flight outbound requests to their completion
// slots. Completion is a single atomic take, so an entry can be completed at most once no
// matter how many parties race to complete it: a response, its deadline timer, the
// caller's cancellation and a connection-loss sweep.
type pendingTable struct {
	entries sync.Map // RequestID -> *pendingRequest
	size    atomic.Int64

	// retired remembers ids abandoned by timeout or cancellation, so a late response for
	// them can be told apart from a response nobody ever asked for.
	retired retiredIDs
}

type pendingRequest struct {
	id         RequestID
	method     string
	generation uint64
	createdAt  time.Time

	done  chan callOutcome
	timer *time.Timer
}

type callOutcome struct {
	msg JSONRPCMessage
	err error
}

type retiredIDs struct {
	mu    sync.Mutex
	limit int
	ids   map[RequestID]struct{}
	order []RequestID
}

const defaultRetiredLimit = 256

var errDuplicateID = errors.New("correlation id already in flight")

func newPendingTable() *pendingTable {
	return &pendingTable{retired: retiredIDs{limit: defaultRetiredLimit}}
}

// register creates the completion slot for id. When timeout is positive, the entry owns a
// timer that completes it with ErrTimeout.
func (t *pendingTable) register(id RequestID, method string, generation uint64, timeout time.Duration) (*pendingRequest, error) {
	p := &pendingRequest{
		id:         id,
		method:     method,
		generation: generation,
		createdAt:  time.Now(),
		done:       make(chan callOutcome, 1),
	}
	if timeout > 0 {
		// The timer is armed only once the entry is visible, so it can never fire for an
		// entry that is not in the map yet.
		p.timer = time.AfterFunc(timeout, func() {
			err := fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
			if t.finish(p, callOutcome{err: err}) {
				t.retired.add(id)
			}
		})
		p.timer.Stop()
	}
	t.size.Add(1)
	if _, loaded := t.entries.LoadOrStore(id, p); loaded {
		t.size.Add(-1)
		return nil, fmt.Errorf("%w: %s", errDuplicateID, id)
	}
	if p.timer != nil {
		p.timer.Reset(timeout)
	}
	return p, nil
}

// complete routes a response to the entry registered under id. It refuses entries that
// belong to a different connection generation, so a completion arriving from a replaced
// connection can never satisfy a request issued on the current one.
func (t *pendingTable) complete(id RequestID, generation uint64, msg JSONRPCMessage) bool {
	v, ok := t.entries.Load(id)
	if !ok {
		return false
	}
	p := v.(*pendingRequest)
	if p.generation != generation {
		return false
	}
	return t.finish(p, callOutcome{msg: msg})
}

// abandon completes p with err on behalf of its caller. It is a no-op when p was already
// completed.
func (t *pendingTable) abandon(p *pendingRequest, err error) bool {
	if !t.finish(p, callOutcome{err: err}) {
		return false
	}
	t.retired.add(p.id)
	return true
}

// sweep completes every entry with err and returns how many entries it completed.
func (t *pendingTable) sweep(err error) int {
	var n int
	t.entries.Range(func(_, v any) bool {
		if t.finish(v.(*pendingRequest), callOutcome{err: err}) {
			n++
		}
		return true
	})
	t.retired.reset()
	return n
}

func (t *pendingTable) len() int {
	return int(t.size.Load())
}

// finish is the single take: only the caller that removes p from the map delivers an
// outcome, and the slot is buffered so delivery never blocks.
func (t *pendingTable) finish(p *pendingRequest, out callOutcome) bool {
	if !t.entries.CompareAndDelete(p.id, p) {
		return false
	}
	t.size.Add(-1)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}

func (r *retiredIDs) add(id RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ids == nil {
		r.ids = make(map[RequestID]struct{})
	}
	if _, ok := r.ids[id]; ok {
		return
	}
	if r.limit > 0 && len(r.order) >= r.limit {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
}

// take reports whether id was retired, forgetting it.
func (r *retiredIDs) take(id RequestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *retiredIDs) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ids = nil
	r.order = nil
}
