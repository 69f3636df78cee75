package server

import (
	"io"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

// registry is the shared session state cell: connected clients, the id
// counter, session-to-client bindings, and session output sinks.
//
// A single mutex guards the whole cell because several fields must change
// together (disconnect removes a client AND rebinds its sessions in one
// step). Transport goroutines call into it concurrently.
type registry struct {
	mu       sync.Mutex
	clients  map[int]*Client
	nextID   int
	bindings map[string]int       // session id -> client id
	sinks    map[string]io.Writer // session id -> output sink
	fallback io.Writer
}

func newRegistry(fallback io.Writer) *registry {
	return &registry{
		clients:  make(map[int]*Client),
		bindings: make(map[string]int),
		sinks:    make(map[string]io.Writer),
		fallback: fallback,
	}
}

// register assigns the next client id. Ids start at 1 each server run and
// are never reused within a run.
func (r *registry) register(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c.id = r.nextID
	r.clients[c.id] = c
	return c.id
}

// unregister removes the zero-or-one client whose connection is conn and
// atomically rebinds every session bound to it: to the lowest remaining
// client id when one exists, otherwise the binding is dropped. ok is false
// when conn is unknown (duplicate close events are tolerated).
func (r *registry) unregister(conn *websocket.Conn) (id int, rebound map[string]int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for cid, c := range r.clients {
		if c.conn == conn {
			id = cid
			ok = true
			break
		}
	}
	if !ok {
		return 0, nil, false
	}
	delete(r.clients, id)

	next, hasNext := r.lowestLocked()
	rebound = make(map[string]int)
	for session, bound := range r.bindings {
		if bound != id {
			continue
		}
		if hasNext {
			r.bindings[session] = next
			rebound[session] = next
		} else {
			delete(r.bindings, session)
		}
	}
	return id, rebound, true
}

// bind points a session at a client id unconditionally. Liveness is not
// checked here; a stale binding resolves lazily on the next send.
func (r *registry) bind(session string, clientID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[session] = clientID
}

// currentClient resolves the client a session targets: its binding when the
// bound client is live, otherwise the lowest registered id (the canonical
// default). Stale bindings are rewritten to the resolved fallback. Returns
// ErrNoClientConnected when the registry is empty.
func (r *registry) currentClient(session string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, bound := r.bindings[session]; bound {
		if c, live := r.clients[id]; live {
			return c, nil
		}
	}
	id, ok := r.lowestLocked()
	if !ok {
		return nil, ErrNoClientConnected
	}
	r.bindings[session] = id
	return r.clients[id], nil
}

// boundTo reports whether messages tagged with session should be accepted
// from clientID, using the same resolution as currentClient but without
// mutating stale bindings.
func (r *registry) boundTo(session string, clientID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, bound := r.bindings[session]; bound {
		if _, live := r.clients[id]; live {
			return id == clientID
		}
	}
	id, ok := r.lowestLocked()
	return ok && id == clientID
}

func (r *registry) setSink(session string, w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w == nil {
		delete(r.sinks, session)
		return
	}
	r.sinks[session] = w
}

// sinkFor returns the session's output sink, falling back to the ambient
// default writer when none is registered.
func (r *registry) sinkFor(session string) io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.sinks[session]; ok {
		return w
	}
	return r.fallback
}

// allSinks returns every registered sink, or the fallback when none exist.
// Used for connection announcements.
func (r *registry) allSinks() []io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sinks) == 0 {
		return []io.Writer{r.fallback}
	}
	sinks := make([]io.Writer, 0, len(r.sinks))
	for _, w := range r.sinks {
		sinks = append(sinks, w)
	}
	return sinks
}

// clientIDs returns the live client ids in ascending order.
func (r *registry) clientIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// drain empties the registry and returns the clients that were registered,
// so the lifecycle controller can close their connections outside the lock.
func (r *registry) drain() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[int]*Client)
	r.bindings = make(map[string]int)
	r.sinks = make(map[string]io.Writer)
	r.nextID = 0
	return clients
}

func (r *registry) lowestLocked() (int, bool) {
	lowest := 0
	for id := range r.clients {
		if lowest == 0 || id < lowest {
			lowest = id
		}
	}
	return lowest, lowest != 0
}
