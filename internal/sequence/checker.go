// Package sequence detects duplicate and out-of-order backplane messages
// using per-source monotonic counters.
//
// Message ids follow the form "source-counter", e.g. "web:abc123-42": the
// digits after the final '-' are the counter, everything before it names
// the source. Sharded backplane connections give no cross-connection
// ordering guarantee, so violations are expected at low rates; the checker
// exists to flag them (and suppress retransmits), not to prevent them.
package sequence

import (
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status is the outcome of a sequence check.
type Status int

const (
	// StatusOK means the message is the next expected one (or the first
	// seen from its source).
	StatusOK Status = iota
	// StatusDuplicate means the counter matches the previous message: the
	// message is a retransmit and delivery must be suppressed.
	StatusDuplicate
	// StatusOutOfOrder means the counter skipped or went backwards.
	// Delivery proceeds but the violation is logged for observability.
	StatusOutOfOrder
)

// String returns the status name for logs.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDuplicate:
		return "duplicate"
	case StatusOutOfOrder:
		return "out-of-order"
	}
	return "unknown"
}

// entry records the last counter seen for a source and when it was seen.
type entry struct {
	counter int64
	seen    time.Time
}

// Checker tracks the last counter per (channel, source). Entries older
// than the staleness window are purged opportunistically on write, so an
// idle source does not pin memory forever.
type Checker struct {
	staleness time.Duration
	now       func() time.Time

	mu        sync.Mutex
	sources   map[string]*entry
	lastSweep time.Time
}

// NewChecker creates a Checker that forgets sources idle for longer than
// staleness.
func NewChecker(staleness time.Duration) *Checker {
	return &Checker{
		staleness: staleness,
		now:       time.Now,
		sources:   make(map[string]*entry),
	}
}

// Check classifies a message id on a channel. Malformed ids (no trailing
// integer counter) are logged and treated as StatusOK: a bad id must never
// stop delivery.
func (c *Checker) Check(channel, messageID string) Status {
	source, counter, ok := splitID(messageID)
	if !ok {
		log.Printf("ignoring malformed message id %q on channel %s", messageID, channel)
		return StatusOK
	}
	key := channel + "|" + source

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)

	prev, seen := c.sources[key]
	c.sources[key] = &entry{counter: counter, seen: now}

	switch {
	case !seen || counter == prev.counter+1:
		return StatusOK
	case counter == prev.counter:
		return StatusDuplicate
	default:
		log.Printf("out of order event on channel %s: source %s jumped %d -> %d",
			channel, source, prev.counter, counter)
		return StatusOutOfOrder
	}
}

// Sources reports the number of tracked sources.
func (c *Checker) Sources() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

// sweep drops entries older than the staleness window. Runs at most once
// per window, piggybacking on writes. Caller holds the lock.
func (c *Checker) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < c.staleness {
		return
	}
	c.lastSweep = now
	for key, e := range c.sources {
		if now.Sub(e.seen) > c.staleness {
			delete(c.sources, key)
		}
	}
}

// splitID separates "source-counter" into its parts.
func splitID(messageID string) (source string, counter int64, ok bool) {
	i := strings.LastIndex(messageID, "-")
	if i <= 0 || i == len(messageID)-1 {
		return "", 0, false
	}
	counter, err := strconv.ParseInt(messageID[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return messageID[:i], counter, true
}
