package session

import "sync"

// Tracker is the instance-wide set of connected clients. The relays use
// it to resolve the "all" room and the drain controller walks it to ask
// every session to reconnect.
type Tracker struct {
	mu      sync.RWMutex
	clients map[string]*Client // connection id → client
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{clients: make(map[string]*Client)}
}

// Add registers a newly connected client.
func (t *Tracker) Add(client *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[client.ID] = client
}

// Remove forgets a client. Safe to call for unknown ids.
func (t *Tracker) Remove(client *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, client.ID)
}

// All returns a snapshot of every connected client.
func (t *Tracker) All() []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connected clients.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// ByPublicID finds a client by its public id. Returns nil when no such
// client is connected. Used by the administrative disconnect endpoint.
func (t *Tracker) ByPublicID(publicID string) *Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.clients {
		if c.PublicID == publicID {
			return c
		}
	}
	return nil
}
