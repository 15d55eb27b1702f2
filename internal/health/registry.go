// Package health verifies the backplane round trip for each logical
// channel by publishing a uniquely identified probe through the normal
// event path and counting how many times it comes back.
//
// A channel is healthy only when the probe is received exactly once before
// its timeout: zero receipts mean the pub/sub path is broken, more than one
// means duplicate delivery. Probe results aggregate into a single failing
// flag consumed by the liveness endpoint.
package health

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// probe is one outstanding round-trip check on a channel.
type probe struct {
	id    string      // unique id the probe publishes and expects back
	count int         // times the id has been received
	timer *time.Timer // fires when the probe times out
}

// Registry tracks the active probe and last observed result per channel.
type Registry struct {
	timeout time.Duration

	mu      sync.Mutex
	probes  map[string]*probe // channel → outstanding probe
	failing map[string]bool   // channel → last completed probe failed
	stopped bool
}

// NewRegistry creates a Registry whose probes time out after timeout.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		timeout: timeout,
		probes:  make(map[string]*probe),
		failing: make(map[string]bool),
	}
}

// StartProbe publishes a new probe on the channel using the supplied
// publish function, which must route the id through the normal event path
// for that channel. At most one probe may be outstanding per channel;
// starting another while one is pending marks the channel failing (the
// previous probe evidently never completed).
func (r *Registry) StartProbe(channel string, publish func(id string) error) {
	id := uuid.NewString()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if prev, ok := r.probes[channel]; ok {
		prev.timer.Stop()
		r.failing[channel] = true
		log.Printf("health check for channel %s still outstanding, marking failing", channel)
	}
	p := &probe{id: id}
	p.timer = time.AfterFunc(r.timeout, func() { r.expire(channel, p) })
	r.probes[channel] = p
	r.mu.Unlock()

	if err := publish(id); err != nil {
		log.Printf("error publishing health check to channel %s: %v", channel, err)
		// The timer will record the miss; nothing else to do here.
	}
}

// ProcessEvent records a probe receipt. Events whose id does not match the
// channel's active probe are ignored (stale probes from a previous cycle).
func (r *Registry) ProcessEvent(channel, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.probes[channel]
	if !ok || p.id != id {
		return
	}
	p.count++
}

// expire resolves a probe at its timeout: exactly one receipt is healthy.
func (r *Registry) expire(channel string, p *probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probes[channel] != p {
		return // superseded
	}
	delete(r.probes, channel)
	r.failing[channel] = p.count != 1
	if p.count == 0 {
		log.Printf("health check failed for channel %s: probe never received", channel)
	} else if p.count > 1 {
		log.Printf("health check failed for channel %s: probe received %d times", channel, p.count)
	}
}

// Failing reports whether any channel's last completed probe failed.
func (r *Registry) Failing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, failed := range r.failing {
		if failed {
			return true
		}
	}
	return false
}

// Stop cancels all outstanding probe timers. Used on shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for channel, p := range r.probes {
		p.timer.Stop()
		delete(r.probes, channel)
	}
}
