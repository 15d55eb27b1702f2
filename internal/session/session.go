// Package session models one live client connection and its
// authorization state, plus the instance-wide tracker of connected
// clients.
//
// A Client carries two identifiers: an opaque connection id that is never
// exposed to peers, and a public id that peers use to recognise their own
// echoed edits. The authorization context is populated once at
// join-project and afterwards only extended through well-defined
// transitions (per-doc access grants), never mutated ad hoc.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PrivilegeLevel is the project-level capability granted by the editing
// backend at join time.
type PrivilegeLevel string

const (
	PrivilegeOwner        PrivilegeLevel = "owner"
	PrivilegeReadAndWrite PrivilegeLevel = "readAndWrite"
	PrivilegeReview       PrivilegeLevel = "review"
	PrivilegeReadOnly     PrivilegeLevel = "readOnly"
)

// CanEdit reports whether the level allows submitting ordinary edits.
func (p PrivilegeLevel) CanEdit() bool {
	return p == PrivilegeOwner || p == PrivilegeReadAndWrite
}

// CanReview reports whether the level allows tracked-change operations.
func (p PrivilegeLevel) CanReview() bool {
	return p.CanEdit() || p == PrivilegeReview
}

// CanView reports whether the level allows reading project content at all.
func (p PrivilegeLevel) CanView() bool {
	return p != ""
}

// User identifies the human behind a connection.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Anonymous reports whether the user has no persistent identity. Anonymous
// users are never written to the presence store.
func (u User) Anonymous() bool {
	return u.ID == "" || u.ID == "anonymous-user"
}

// AuthContext is the authorization state attached to a client at
// join-project. It is treated as immutable apart from the per-doc access
// grants, which grow through GrantDocAccess.
type AuthContext struct {
	PrivilegeLevel   PrivilegeLevel
	User             User
	ProjectID        string
	IsRestrictedUser bool // view-limited: only allow-listed messages delivered
	IsInvitedMember  bool // named collaborator rather than link-sharing guest
	ConnectedAt      time.Time
}

// Messenger is the transport-facing side of a client: the relays and the
// controller emit named events through it and may force a disconnect.
type Messenger interface {
	// Emit delivers a named event with its payload to the client.
	Emit(message string, payload ...any)

	// Disconnect tears down the underlying transport connection.
	Disconnect()
}

// Client is one live connection.
type Client struct {
	// ID is the opaque connection id. Never exposed to peers; a
	// reconnecting browser gets a fresh one.
	ID string

	// PublicID is exposed to peers so a client can recognise its own
	// echoed operations.
	PublicID string

	// Transport names the transport kind ("websocket", "polling", ...).
	Transport string

	messenger    Messenger
	disconnected atomic.Bool
	epoch        atomic.Int64

	mu        sync.Mutex
	auth      AuthContext
	docGrants map[string]bool
}

// NewClient creates a Client with a fresh public id.
func NewClient(id, transport string, messenger Messenger) *Client {
	return &Client{
		ID:        id,
		PublicID:  uuid.NewString(),
		Transport: transport,
		messenger: messenger,
		docGrants: make(map[string]bool),
	}
}

// Emit forwards a named event to the client unless it has disconnected.
func (c *Client) Emit(message string, payload ...any) {
	if c.disconnected.Load() {
		return
	}
	c.messenger.Emit(message, payload...)
}

// Disconnect marks the client disconnected and closes the transport.
// Safe to call more than once.
func (c *Client) Disconnect() {
	if c.disconnected.CompareAndSwap(false, true) {
		c.messenger.Disconnect()
	}
}

// Disconnected reports whether the client has gone away. Async
// continuations must re-check this before emitting a response.
func (c *Client) Disconnected() bool {
	return c.disconnected.Load()
}

// BumpEpoch advances the join/leave epoch and returns the new value.
// Every join-doc/leave-doc call bumps it; an in-flight call whose epoch is
// no longer current lost the race and must abort.
func (c *Client) BumpEpoch() int64 {
	return c.epoch.Add(1)
}

// Epoch returns the current join/leave epoch.
func (c *Client) Epoch() int64 {
	return c.epoch.Load()
}

// SetAuth installs the authorization context. Called once, by
// join-project.
func (c *Client) SetAuth(auth AuthContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = auth
}

// Auth returns a copy of the authorization context.
func (c *Client) Auth() AuthContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// ProjectID returns the joined project id, or "" before join-project.
func (c *Client) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth.ProjectID
}

// GrantDocAccess caches a per-doc access grant. Grants are retained for
// the connection lifetime: the connection is per-project, so a doc once
// authorized stays authorized.
func (c *Client) GrantDocAccess(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docGrants[docID] = true
}

// HasDocAccess reports whether a cached access grant exists for the doc.
func (c *Client) HasDocAccess(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docGrants[docID]
}
