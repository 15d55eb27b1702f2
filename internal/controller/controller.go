// Package controller implements the per-session operation state machine:
// join-project, join-doc, leave-doc, leave-project, apply-update and the
// presence operations. It owns the ordering and authorization rules;
// transports stay thin and relays stay dumb.
//
// A session moves through connected → project-joined → doc-joined(N) →
// disconnected. Every operation re-validates the session's state after
// each suspension point (backend RPC, room subscription, debounce timer)
// because the world may have changed while it waited: the client may have
// disconnected, or a newer join/leave call may have bumped the epoch.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dreamware/scribe/internal/backend"
	"github.com/dreamware/scribe/internal/presence"
	"github.com/dreamware/scribe/internal/room"
	"github.com/dreamware/scribe/internal/session"
)

// ProtocolVersion is returned on join-project. If it changes across a
// reconnect the client forces a full page refresh, so bump it only for
// incompatible protocol changes.
const ProtocolVersion = 2

// Default timings. All three absorb races rather than enforce anything:
// the flush delay lets a reconnecting client rejoin before the project is
// flushed, the refresh delay lets peers re-report their positions before
// the presence read, and the disconnect grace lets an error reach the
// client before the transport drops.
const (
	DefaultFlushIfEmptyDelay  = 500 * time.Millisecond
	DefaultClientRefreshDelay = time.Second
	DefaultDisconnectGrace    = 100 * time.Millisecond
)

// ProjectJoiner authorizes a user against the editing backend.
type ProjectJoiner interface {
	JoinProject(ctx context.Context, projectID string, user session.User) (*backend.JoinProjectResult, error)
}

// DocBackend is the document-updater surface the controller needs.
type DocBackend interface {
	GetDocument(ctx context.Context, projectID, docID string, fromVersion int64) (*backend.Document, error)
	CheckDocument(ctx context.Context, projectID, docID string) error
	QueueChange(ctx context.Context, projectID, docID string, update *backend.Update) error
	FlushProject(ctx context.Context, projectID string) error
}

// PresenceStore is the presence surface the controller needs.
type PresenceStore interface {
	UpdatePosition(ctx context.Context, projectID, clientID string, user session.User, cursor *presence.Cursor) (int64, error)
	MarkDisconnected(ctx context.Context, projectID, clientID string) (int64, error)
	GetConnectedUsers(ctx context.Context, projectID string) ([]presence.ConnectedUser, error)
}

// RoomEmitter publishes named events to a room across instances.
type RoomEmitter interface {
	EmitToRoom(ctx context.Context, roomID, message string, payload ...any) error
}

// Config carries the controller timings. Zero values select the defaults.
type Config struct {
	FlushIfEmptyDelay  time.Duration
	ClientRefreshDelay time.Duration
	DisconnectGrace    time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushIfEmptyDelay == 0 {
		c.FlushIfEmptyDelay = DefaultFlushIfEmptyDelay
	}
	if c.ClientRefreshDelay == 0 {
		c.ClientRefreshDelay = DefaultClientRefreshDelay
	}
	if c.DisconnectGrace == 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	return c
}

// Controller executes session operations.
type Controller struct {
	cfg      Config
	webAPI   ProjectJoiner
	docs     DocBackend
	presence PresenceStore
	rooms    *room.Registry
	emitter  RoomEmitter
}

// New creates a Controller.
func New(cfg Config, webAPI ProjectJoiner, docs DocBackend, presenceStore PresenceStore, rooms *room.Registry, emitter RoomEmitter) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		webAPI:   webAPI,
		docs:     docs,
		presence: presenceStore,
		rooms:    rooms,
		emitter:  emitter,
	}
}

// JoinProjectResponse is the join-project result sent to the client.
type JoinProjectResponse struct {
	Project         backend.Project        `json:"project"`
	PrivilegeLevel  session.PrivilegeLevel `json:"privilegeLevel"`
	ProtocolVersion int                    `json:"protocolVersion"`
}

// JoinProject authenticates the user against the editing backend and, on
// success, installs the session's authorization context and joins the
// project room. Presence is recorded in the background so the response is
// not blocked on redis.
//
// A nil response with a nil error means the client disconnected mid-call
// and will never read the answer.
func (c *Controller) JoinProject(ctx context.Context, client *session.Client, projectID string, user session.User) (*JoinProjectResponse, error) {
	if client.Disconnected() {
		return nil, nil
	}
	log.Printf("user %s joining project %s (client %s)", user.ID, projectID, client.ID)

	result, err := c.webAPI.JoinProject(ctx, projectID, user)
	if err != nil {
		if errors.Is(err, backend.ErrForbidden) {
			return nil, session.ErrNotAuthorized
		}
		return nil, fmt.Errorf("join project %s: %w", projectID, err)
	}
	if client.Disconnected() {
		return nil, nil
	}
	if !result.PrivilegeLevel.CanView() {
		log.Printf("user %s is not authorized to join project %s", user.ID, projectID)
		return nil, session.ErrNotAuthorized
	}

	client.SetAuth(session.AuthContext{
		PrivilegeLevel:   result.PrivilegeLevel,
		User:             user,
		ProjectID:        projectID,
		IsRestrictedUser: result.IsRestrictedUser,
		IsInvitedMember:  result.IsInvitedMember,
		ConnectedAt:      time.Now(),
	})

	if err := c.rooms.Join(client, room.KindProject, projectID); err != nil {
		return nil, fmt.Errorf("joining project room %s: %w", projectID, err)
	}

	// No need to block the response on cursor tracking.
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.presence.UpdatePosition(bg, projectID, client.PublicID, user, nil); err != nil {
			log.Printf("error recording presence for client %s in project %s: %v", client.PublicID, projectID, err)
		}
		c.emitToRoom(bg, projectID, "clientTracking.clientConnected", clientPosition(client, nil))
	}()

	return &JoinProjectResponse{
		Project:         result.Project,
		PrivilegeLevel:  result.PrivilegeLevel,
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// JoinDocOptions are client-selected join-doc variations.
type JoinDocOptions struct {
	// EncodeRanges is accepted for protocol compatibility; range payloads
	// are forwarded as-is either way.
	EncodeRanges bool `json:"encodeRanges,omitempty"`
}

// JoinDocResponse is the document state sent to the joining client.
type JoinDocResponse struct {
	Lines   []string       `json:"lines"`
	Version int64          `json:"version"`
	Ranges  backend.Ranges `json:"ranges"`
	Ops     []any          `json:"ops"`
}

// JoinDoc subscribes the session to a document room and returns the
// document content. The room is joined before the content is fetched so no
// operation published between fetch and delivery can be missed; the client
// deduplicates the overlap by version.
//
// Each call bumps the session's join/leave epoch and aborts with an epoch
// mismatch if a newer join/leave call overtakes it while it is suspended.
func (c *Controller) JoinDoc(ctx context.Context, client *session.Client, docID string, fromVersion int64, opts JoinDocOptions) (*JoinDocResponse, error) {
	if client.Disconnected() {
		return nil, nil
	}
	epoch := client.BumpEpoch()

	auth := client.Auth()
	if auth.ProjectID == "" {
		return nil, session.ErrNotJoined
	}
	if !auth.PrivilegeLevel.CanView() {
		return nil, session.ErrNotAuthorized
	}

	// Doc-level access: a cached grant from a previous join suffices for
	// the connection lifetime, otherwise probe the document updater.
	if !client.HasDocAccess(docID) {
		if err := c.docs.CheckDocument(ctx, auth.ProjectID, docID); err != nil {
			if errors.Is(err, backend.ErrForbidden) || errors.Is(err, backend.ErrNotFound) {
				return nil, session.ErrNotAuthorized
			}
			return nil, fmt.Errorf("checking doc %s in project %s: %w", docID, auth.ProjectID, err)
		}
		if err := c.revalidate(client, epoch); err != nil {
			return nil, err
		}
	}

	if err := c.rooms.Join(client, room.KindDoc, docID); err != nil {
		return nil, fmt.Errorf("joining doc room %s: %w", docID, err)
	}
	if client.Disconnected() {
		return nil, nil
	}
	if err := c.revalidate(client, epoch); err != nil {
		return nil, err
	}

	doc, err := c.docs.GetDocument(ctx, auth.ProjectID, docID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("getting doc %s: %w", docID, err)
	}
	if client.Disconnected() {
		return nil, nil
	}
	if err := c.revalidate(client, epoch); err != nil {
		return nil, err
	}

	if auth.IsRestrictedUser {
		doc.Ranges.Comments = nil
	}
	client.GrantDocAccess(docID)

	ops := make([]any, len(doc.Ops))
	for i, op := range doc.Ops {
		ops[i] = op
	}
	log.Printf("client %s joined doc %s at version %d", client.ID, docID, doc.Version)
	return &JoinDocResponse{
		Lines:   doc.Lines,
		Version: doc.Version,
		Ranges:  doc.Ranges,
		Ops:     ops,
	}, nil
}

// revalidate rejects a continuation whose epoch a newer join/leave call
// has overtaken. The newer call wins; the stale caller retries or ignores.
func (c *Controller) revalidate(client *session.Client, epoch int64) error {
	if client.Epoch() != epoch {
		return session.ErrEpochMismatch
	}
	return nil
}

// LeaveDoc removes the session from the document room. The doc access
// grant is retained: the connection is per-project, so a doc once
// authorized stays authorized for the connection lifetime.
func (c *Controller) LeaveDoc(ctx context.Context, client *session.Client, docID string) error {
	client.BumpEpoch()
	c.rooms.Leave(client, docID)
	log.Printf("client %s left doc %s", client.ID, docID)
	return nil
}

// LeaveProject tears down the session's room memberships and presence.
// After a short debounce, if the project room is still locally empty, the
// editing backend is told to flush and evict the project. The debounce
// absorbs reconnect races: a client that bounces within the window finds
// its project still loaded.
func (c *Controller) LeaveProject(ctx context.Context, client *session.Client) error {
	auth := client.Auth()
	if auth.ProjectID == "" {
		return nil // never joined
	}
	projectID := auth.ProjectID

	c.emitToRoom(ctx, projectID, "clientTracking.clientDisconnected", client.PublicID)

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.presence.MarkDisconnected(bg, projectID, client.PublicID); err != nil {
			log.Printf("error marking client %s as disconnected: %v", client.PublicID, err)
		}
	}()

	c.rooms.LeaveAll(client)

	time.AfterFunc(c.cfg.FlushIfEmptyDelay, func() {
		if c.rooms.MemberCount(projectID) > 0 {
			return
		}
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.docs.FlushProject(bg, projectID); err != nil {
			log.Printf("error flushing project %s after last client left: %v", projectID, err)
		}
	})
	return nil
}

// ApplyUpdate authorizes and forwards one edit operation to the document
// updater. The operation's shape picks the required privilege: comment-only
// operations need view rights, tracked-change operations need review
// rights, everything else needs edit rights.
//
// The update is forwarded even if the client disconnects mid-call; losing
// an acknowledged edit is worse than forwarding one for a dead session.
func (c *Controller) ApplyUpdate(ctx context.Context, client *session.Client, docID string, update *backend.Update) error {
	auth := client.Auth()
	if auth.ProjectID == "" {
		return session.ErrNotJoined
	}

	if err := c.authorizeUpdate(client, auth, docID, update); err != nil {
		log.Printf("client %s is not authorized to update doc %s (v%d): %v", client.ID, docID, update.Version, err)
		// Give the client the chance to receive the error first.
		time.AfterFunc(c.cfg.DisconnectGrace, client.Disconnect)
		return err
	}

	update.Meta.Source = client.PublicID
	update.Meta.UserID = auth.User.ID
	update.Meta.Timestamp = time.Now().UnixMilli()

	err := c.docs.QueueChange(ctx, auth.ProjectID, docID, update)
	if errors.Is(err, backend.ErrUpdateTooLarge) {
		log.Printf("update for doc %s from client %s is too large", docID, client.ID)
		// Acknowledge so the client does not retransmit, then tell it the
		// doc is out of sync and drop the connection.
		time.AfterFunc(c.cfg.DisconnectGrace, func() {
			if client.Disconnected() {
				return
			}
			client.Emit("otUpdateError", session.ErrPayloadTooLarge.Message)
			client.Disconnect()
		})
		return nil
	}
	if err != nil {
		log.Printf("error queueing update for doc %s: %v", docID, err)
		client.Disconnect()
		return fmt.Errorf("queueing update for doc %s: %w", docID, err)
	}
	return nil
}

// authorizeUpdate applies the shape-based privilege rules for one update.
func (c *Controller) authorizeUpdate(client *session.Client, auth session.AuthContext, docID string, update *backend.Update) error {
	if !client.HasDocAccess(docID) {
		return session.ErrNotAuthorized
	}
	switch {
	case update.CommentOnly():
		if !auth.PrivilegeLevel.CanView() {
			return session.ErrNotAuthorized
		}
	case update.Meta.TrackChanges:
		if !auth.PrivilegeLevel.CanReview() {
			return session.ErrNotAuthorized
		}
	default:
		if !auth.PrivilegeLevel.CanEdit() {
			return session.ErrNotAuthorized
		}
	}
	return nil
}

// ClientPosition is the cursor payload broadcast to the project room.
type ClientPosition struct {
	Row      int    `json:"row"`
	Column   int    `json:"column"`
	DocID    string `json:"doc_id"`
	ClientID string `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
}

// clientPosition builds the broadcast payload for a session, optionally
// with a cursor.
func clientPosition(client *session.Client, cursor *presence.Cursor) ClientPosition {
	auth := client.Auth()
	pos := ClientPosition{ClientID: client.PublicID}
	if cursor != nil {
		pos.Row = cursor.Row
		pos.Column = cursor.Column
		pos.DocID = cursor.DocID
	}
	if auth.User.Anonymous() {
		return pos
	}
	pos.UserID = auth.User.ID
	pos.Email = auth.User.Email
	switch {
	case auth.User.FirstName != "" && auth.User.LastName != "":
		pos.Name = auth.User.FirstName + " " + auth.User.LastName
	case auth.User.FirstName != "":
		pos.Name = auth.User.FirstName
	default:
		pos.Name = auth.User.LastName
	}
	return pos
}

// UpdateClientPosition broadcasts the session's cursor to the project room
// and persists it for late joiners. Unauthorized calls are silently
// ignored: the client most likely has not finished join-project yet.
// Anonymous users are broadcast but never persisted.
func (c *Controller) UpdateClientPosition(ctx context.Context, client *session.Client, cursor *presence.Cursor) error {
	if client.Disconnected() {
		return nil // do not create a ghost presence entry
	}
	auth := client.Auth()
	if auth.ProjectID == "" || !auth.PrivilegeLevel.CanView() || !client.HasDocAccess(cursor.DocID) {
		log.Printf("silently ignoring unauthorized position update from client %s", client.ID)
		return nil
	}

	c.emitToRoom(ctx, auth.ProjectID, "clientTracking.clientUpdated", clientPosition(client, cursor))

	if auth.User.Anonymous() {
		return nil
	}
	if _, err := c.presence.UpdatePosition(ctx, auth.ProjectID, client.PublicID, auth.User, cursor); err != nil {
		return fmt.Errorf("recording position for client %s: %w", client.PublicID, err)
	}
	return nil
}

// GetConnectedUsers returns the project's connected users with their last
// known cursors. A refresh is broadcast first and the read is delayed so
// peers have a chance to re-report; restricted users always get an empty
// list.
func (c *Controller) GetConnectedUsers(ctx context.Context, client *session.Client) ([]presence.ConnectedUser, error) {
	if client.Disconnected() {
		return nil, nil
	}
	auth := client.Auth()
	if auth.IsRestrictedUser {
		return []presence.ConnectedUser{}, nil
	}
	if auth.ProjectID == "" {
		return nil, session.ErrNotJoined
	}
	if !auth.PrivilegeLevel.CanView() {
		return nil, session.ErrNotAuthorized
	}

	c.emitToRoom(ctx, auth.ProjectID, "clientTracking.refresh")

	select {
	case <-time.After(c.cfg.ClientRefreshDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	users, err := c.presence.GetConnectedUsers(ctx, auth.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("getting connected users for project %s: %w", auth.ProjectID, err)
	}
	return users, nil
}

// emitToRoom publishes and logs failures; room events are best-effort
// from the controller's point of view.
func (c *Controller) emitToRoom(ctx context.Context, roomID, message string, payload ...any) {
	if err := c.emitter.EmitToRoom(ctx, roomID, message, payload...); err != nil {
		log.Printf("error emitting %s to room %s: %v", message, roomID, err)
	}
}
