package server

import (
	"sync"

	"github.com/google/uuid"
)

// outcome is what an evaluation waiter receives: a value or an error.
type outcome struct {
	value string
	err   error
}

// coordinator correlates outgoing eval-js requests with incoming result
// messages. Each request gets its own id and channel, so evaluations from
// different sessions may be in flight concurrently.
type coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingEval
}

type pendingEval struct {
	clientID int
	ch       chan outcome // buffered; fulfillment never blocks the reader
}

func newCoordinator() *coordinator {
	return &coordinator{pending: make(map[string]*pendingEval)}
}

// add registers a new pending evaluation targeting clientID and returns its
// correlation id and result channel.
func (co *coordinator) add(clientID int) (string, <-chan outcome) {
	id := uuid.NewString()
	p := &pendingEval{clientID: clientID, ch: make(chan outcome, 1)}
	co.mu.Lock()
	co.pending[id] = p
	co.mu.Unlock()
	return id, p.ch
}

// remove clears a pending evaluation without fulfilling it (timeout or
// cancellation). A result arriving afterwards is dropped as stale.
func (co *coordinator) remove(id string) {
	co.mu.Lock()
	delete(co.pending, id)
	co.mu.Unlock()
}

// fulfill delivers a result value and clears the slot. It reports false when
// no evaluation with that id is outstanding: stale or duplicate results are
// a silent no-op for the caller to count, never an error.
func (co *coordinator) fulfill(id, value string) bool {
	co.mu.Lock()
	p, ok := co.pending[id]
	if ok {
		delete(co.pending, id)
	}
	co.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- outcome{value: value}
	return true
}

// release fulfills every pending evaluation targeting clientID with value.
// Used by the ready handshake: a client announcing a fresh environment can
// no longer answer requests sent to its previous incarnation.
func (co *coordinator) release(clientID int, value string) int {
	return co.sweep(clientID, outcome{value: value})
}

// fail fails every pending evaluation targeting clientID. Used on
// disconnect so waiters do not block forever.
func (co *coordinator) fail(clientID int, err error) int {
	return co.sweep(clientID, outcome{err: err})
}

// failAll fails every pending evaluation regardless of client. Used on Stop.
func (co *coordinator) failAll(err error) {
	co.mu.Lock()
	pending := co.pending
	co.pending = make(map[string]*pendingEval)
	co.mu.Unlock()
	for _, p := range pending {
		p.ch <- outcome{err: err}
	}
}

func (co *coordinator) sweep(clientID int, out outcome) int {
	co.mu.Lock()
	var swept []*pendingEval
	for id, p := range co.pending {
		if p.clientID == clientID {
			swept = append(swept, p)
			delete(co.pending, id)
		}
	}
	co.mu.Unlock()
	for _, p := range swept {
		p.ch <- out
	}
	return len(swept)
}
