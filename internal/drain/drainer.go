// Package drain migrates sessions off this instance ahead of a shutdown
// or deploy. Connected clients are asked to reconnect gracefully at a
// bounded rate so the receiving instances are not hit by a thundering
// herd; each session is asked exactly once per drain cycle.
package drain

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/dreamware/scribe/internal/session"
)

// tickInterval is how often a batch of clients is asked to reconnect.
const tickInterval = time.Second

// Drainer asks connected sessions to reconnect gracefully.
type Drainer struct {
	tracker  *session.Tracker
	interval time.Duration

	mu      sync.Mutex
	asked   map[string]bool // connection ids asked this cycle
	perTick int
	ticker  *time.Ticker
	stop    chan struct{}
	done    chan struct{}
}

// NewDrainer creates a Drainer over the instance's connected clients.
func NewDrainer(tracker *session.Tracker) *Drainer {
	return &Drainer{tracker: tracker, interval: tickInterval}
}

// Start begins a drain cycle at rate clients per second. Fractional rates
// are floored to one client per tick so a drain always makes progress.
// A rate of zero (or less) cancels any running cycle and starts nothing.
// Calling Start during a cycle restarts it: every client becomes eligible
// to be asked again.
func (d *Drainer) Start(rate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	if rate <= 0 {
		return
	}

	// Fractional rates round up so the drain never runs slower than asked.
	perTick := int(math.Ceil(rate))
	log.Printf("starting drain at %d clients/s (%d connected)", perTick, d.tracker.Count())

	d.asked = make(map[string]bool)
	d.perTick = perTick
	d.ticker = time.NewTicker(d.interval)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.ticker, d.stop, d.done)
}

// StartTimeWindow begins a drain sized to empty the instance in roughly
// the given number of minutes at the current connection count.
func (d *Drainer) StartTimeWindow(minutes int) {
	if minutes <= 0 {
		return
	}
	d.Start(float64(d.tracker.Count()) / float64(minutes*60))
}

// Done returns a channel closed when every connected session has been
// asked, or nil when no cycle is running.
func (d *Drainer) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Stop cancels a running drain cycle.
func (d *Drainer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Drainer) stopLocked() {
	if d.stop != nil {
		close(d.stop)
		d.ticker.Stop()
		d.stop = nil
		d.ticker = nil
	}
}

func (d *Drainer) run(ticker *time.Ticker, stop, done chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if d.askBatch() {
				log.Printf("all clients have been told to reconnect gracefully")
				close(done)
				d.mu.Lock()
				if d.stop == stop {
					d.stopLocked()
				}
				d.mu.Unlock()
				return
			}
		}
	}
}

// askBatch asks up to perTick not-yet-asked clients to reconnect and
// reports whether every connected client has now been asked. Sessions that
// connect mid-cycle are picked up by later ticks.
func (d *Drainer) askBatch() bool {
	d.mu.Lock()
	var batch []*session.Client
	remaining := false
	for _, client := range d.tracker.All() {
		if d.asked[client.ID] {
			continue
		}
		if len(batch) == d.perTick {
			remaining = true
			break
		}
		d.asked[client.ID] = true
		batch = append(batch, client)
	}
	d.mu.Unlock()

	for _, client := range batch {
		client.Emit("reconnectGracefully")
	}
	return !remaining
}
