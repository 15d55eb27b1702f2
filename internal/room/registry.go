// Package room tracks which local clients are in which room and emits a
// lifecycle notification exactly once when a room gains its first local
// member or loses its last one.
//
// A room is the set of local sessions associated with one project or
// document id. Membership is local to this broker instance; the lifecycle
// notifications drive cross-instance channel subscription, which is the
// shared state. The first joiner of a room pays the subscription latency:
// its Join call blocks until every listener has completed its subscribe.
// Later joiners return immediately.
package room

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/scribe/internal/session"
)

// EntityKind tags a room id as a project or a document.
type EntityKind string

const (
	KindProject EntityKind = "project"
	KindDoc     EntityKind = "doc"
)

// Listener observes room lifecycle transitions. EntityActive blocks until
// the listener's backplane subscriptions are established (or fails);
// EntityEmpty must not block, unsubscription is fire-and-forget.
type Listener interface {
	EntityActive(kind EntityKind, id string) error
	EntityEmpty(kind EntityKind, id string)
}

// state is the local membership of one room.
type state struct {
	kind    EntityKind
	handles []*session.Client
}

// Registry owns room membership for this instance.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*state
	byClient  map[string]map[string]bool // connection id → joined room ids
	listeners []Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*state),
		byClient: make(map[string]map[string]bool),
	}
}

// AddListener registers a lifecycle listener. Listeners must be added
// before the first Join; there is no removal.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Join adds the client to the room for the entity. Joining a room the
// client is already in is a no-op. If this is the first local member,
// every listener's EntityActive runs and Join only returns once all have
// completed; on failure the membership is rolled back (triggering
// EntityEmpty so partial subscriptions are torn down) and the error is
// returned.
func (r *Registry) Join(client *session.Client, kind EntityKind, id string) error {
	r.mu.Lock()
	joined := r.byClient[client.ID]
	if joined != nil && joined[id] {
		r.mu.Unlock()
		return nil
	}

	st := r.rooms[id]
	first := st == nil
	if first {
		st = &state{kind: kind}
		r.rooms[id] = st
	} else if st.kind != kind {
		r.mu.Unlock()
		return fmt.Errorf("room %s is a %s room, not %s", id, st.kind, kind)
	}
	st.handles = append(st.handles, client)
	if joined == nil {
		joined = make(map[string]bool)
		r.byClient[client.ID] = joined
	}
	joined[id] = true
	listeners := r.listeners
	r.mu.Unlock()

	if !first {
		return nil
	}
	for _, l := range listeners {
		if err := l.EntityActive(kind, id); err != nil {
			r.Leave(client, id)
			return err
		}
	}
	return nil
}

// Leave removes the client from the room. Leaving a room the client never
// joined is a no-op, tolerating duplicate or late leave calls after a
// reconnection. The last leaver triggers EntityEmpty on every listener.
func (r *Registry) Leave(client *session.Client, id string) {
	r.mu.Lock()
	joined := r.byClient[client.ID]
	if joined == nil || !joined[id] {
		r.mu.Unlock()
		return
	}
	delete(joined, id)
	if len(joined) == 0 {
		delete(r.byClient, client.ID)
	}

	st := r.rooms[id]
	idx := slices.Index(st.handles, client)
	if idx >= 0 {
		st.handles = slices.Delete(st.handles, idx, idx+1)
	}
	empty := len(st.handles) == 0
	kind := st.kind
	if empty {
		delete(r.rooms, id)
	}
	listeners := r.listeners
	r.mu.Unlock()

	if empty {
		for _, l := range listeners {
			l.EntityEmpty(kind, id)
		}
	}
}

// LeaveAll removes the client from every room it joined. Used on
// disconnect and leave-project.
func (r *Registry) LeaveAll(client *session.Client) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byClient[client.ID]))
	for id := range r.byClient[client.ID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Leave(client, id)
	}
}

// Clients returns the handles currently in the room. The same session may
// appear under more than one handle during a reconnect race; consumers
// deduplicate by public id before delivery.
func (r *Registry) Clients(id string) []*session.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.rooms[id]
	if st == nil {
		return nil
	}
	return append([]*session.Client(nil), st.handles...)
}

// MemberCount returns the local member count for the room, zero when the
// room is not tracked.
func (r *Registry) MemberCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.rooms[id]
	if st == nil {
		return 0
	}
	return len(st.handles)
}

// Kind returns the entity kind for a currently non-empty room.
func (r *Registry) Kind(id string) (EntityKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.rooms[id]
	if st == nil {
		return "", false
	}
	return st.kind, true
}

// JoinedIDs returns the room ids the client is currently in.
func (r *Registry) JoinedIDs(client *session.Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byClient[client.ID]))
	for id := range r.byClient[client.ID] {
		out = append(out, id)
	}
	return out
}
