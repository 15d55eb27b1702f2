package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/dreamware/scribe/internal/backplane"
	"github.com/dreamware/scribe/internal/channel"
	"github.com/dreamware/scribe/internal/health"
	"github.com/dreamware/scribe/internal/room"
	"github.com/dreamware/scribe/internal/sequence"
	"github.com/dreamware/scribe/internal/session"
)

// EditorEventsChannel is the base channel for generic room events.
const EditorEventsChannel = "editor-events"

// CanaryMessage is the bandwidth-estimation event published by the editing
// backend. It only feeds the bandwidth counter and is never delivered to a
// session.
const CanaryMessage = "canary-bandwidth"

// RestrictedMessagePassList is the default set of messages delivered to
// restricted (view-limited) sessions. Everything else is suppressed for
// them. Product constants, misspellings included.
var RestrictedMessagePassList = []string{
	"connectionAccepted",
	"otUpdateApplied",
	"otUpdateError",
	"joinDoc",
	"reciveNewDoc",
	"reciveNewFile",
	"reciveNewFolder",
	"removeEntity",
}

// LoadBalancer publishes named events to rooms across instances and
// delivers incoming events to local sessions.
type LoadBalancer struct {
	pool     *backplane.Pool
	channels *channel.Manager
	rooms    *room.Registry
	tracker  *session.Tracker
	checker  *sequence.Checker
	health   *health.Registry

	passList map[string]bool
	canary   atomic.Int64 // bytes observed on canary messages
}

// NewLoadBalancer creates a LoadBalancer. passList names the messages
// restricted users may receive; nil selects RestrictedMessagePassList.
func NewLoadBalancer(pool *backplane.Pool, channels *channel.Manager, rooms *room.Registry, tracker *session.Tracker, checker *sequence.Checker, healthReg *health.Registry, passList []string) *LoadBalancer {
	if passList == nil {
		passList = RestrictedMessagePassList
	}
	allowed := make(map[string]bool, len(passList))
	for _, m := range passList {
		allowed[m] = true
	}
	return &LoadBalancer{
		pool:     pool,
		channels: channels,
		rooms:    rooms,
		tracker:  tracker,
		checker:  checker,
		health:   healthReg,
		passList: allowed,
	}
}

// Listen subscribes the bare editor-events channel on every backplane
// connection and starts a receive loop per connection. The bare channel
// carries "all" events and health probes regardless of per-entity
// addressing.
func (lb *LoadBalancer) Listen(ctx context.Context) error {
	for _, conn := range lb.pool.All() {
		if err := conn.Subscribe(ctx, EditorEventsChannel); err != nil {
			return fmt.Errorf("subscribing %s to %s: %w", conn.Name(), EditorEventsChannel, err)
		}
		go lb.run(conn)
	}
	return nil
}

// run delivers messages from one connection until it closes.
func (lb *LoadBalancer) run(conn backplane.Conn) {
	for msg := range conn.Messages() {
		lb.handle(conn, msg)
	}
}

// EntityActive implements room.Listener: the first local member of a
// project room subscribes its per-entity channel on every connection.
// Blocks until every subscription completes so the triggering join cannot
// miss events published immediately after it returns.
func (lb *LoadBalancer) EntityActive(kind room.EntityKind, id string) error {
	if kind != room.KindProject {
		return nil
	}
	pending := make([]*channel.Pending, 0, lb.pool.Size())
	for _, conn := range lb.pool.All() {
		pending = append(pending, lb.channels.Subscribe(conn, EditorEventsChannel, id))
	}
	for _, p := range pending {
		if err := p.Wait(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

// EntityEmpty implements room.Listener: the last local leaver of a project
// room unsubscribes its per-entity channel. Fire-and-forget.
func (lb *LoadBalancer) EntityEmpty(kind room.EntityKind, id string) {
	if kind != room.KindProject {
		return
	}
	for _, conn := range lb.pool.All() {
		lb.channels.Unsubscribe(conn, EditorEventsChannel, id)
	}
}

// EmitToRoom publishes a named event to every member of the room on every
// instance, this one included.
func (lb *LoadBalancer) EmitToRoom(ctx context.Context, roomID, message string, payload ...any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", message, err)
	}
	data, err := json.Marshal(Envelope{RoomID: roomID, Message: message, Payload: raw})
	if err != nil {
		return err
	}
	conn := lb.pool.ForChannel(lb.channels.ChannelFor(EditorEventsChannel, roomID))
	return lb.channels.Publish(ctx, conn, EditorEventsChannel, roomID, data)
}

// EmitToAll publishes a named event to every connected session on every
// instance.
func (lb *LoadBalancer) EmitToAll(ctx context.Context, message string, payload ...any) error {
	return lb.EmitToRoom(ctx, "all", message, payload...)
}

// CheckHealth starts a round-trip probe per backplane connection. Probes
// publish on the bare base channel, which every instance subscribes at
// startup.
func (lb *LoadBalancer) CheckHealth(ctx context.Context) {
	for _, conn := range lb.pool.All() {
		conn := conn
		lb.health.StartProbe(probeKey(EditorEventsChannel, conn), func(id string) error {
			data, err := json.Marshal(Envelope{RoomID: "all", Message: "health-check", HealthCheck: true, Key: id})
			if err != nil {
				return err
			}
			return conn.Publish(ctx, EditorEventsChannel, data)
		})
	}
}

// probeKey scopes a health probe to one (channel, connection) path.
func probeKey(base string, conn backplane.Conn) string {
	return base + "@" + conn.Name()
}

// CanaryBytes reports the payload bytes observed on canary messages since
// startup. Exposed for bandwidth estimation.
func (lb *LoadBalancer) CanaryBytes() int64 {
	return lb.canary.Load()
}

// handle routes one delivery: health probes to the registry, canary
// messages to the bandwidth counter, everything else to the room's local
// members.
func (lb *LoadBalancer) handle(conn backplane.Conn, msg backplane.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Printf("error parsing event on channel %s: %v", msg.Channel, err)
		return
	}

	if env.HealthCheck {
		lb.health.ProcessEvent(probeKey(EditorEventsChannel, conn), env.Key)
		return
	}
	if env.ID != "" && lb.checker.Check(msg.Channel, env.ID) == sequence.StatusDuplicate {
		return
	}
	if env.Message == CanaryMessage {
		lb.canary.Add(int64(len(msg.Payload)))
		return
	}

	var clients []*session.Client
	if env.RoomID == "all" {
		clients = lb.tracker.All()
	} else {
		clients = lb.rooms.Clients(env.RoomID)
	}

	payload := env.rawPayload()
	restricted := !lb.passList[env.Message]
	seen := make(map[string]bool, len(clients))
	for _, client := range clients {
		if seen[client.PublicID] {
			continue
		}
		seen[client.PublicID] = true

		auth := client.Auth()
		switch {
		case restricted && auth.IsRestrictedUser:
			// view-limited session, message withheld
		case shouldDisconnect(auth, &env):
			log.Printf("disconnecting client %s: access revoked by %s", client.PublicID, env.Message)
			client.Emit("project:access:revoked")
			client.Disconnect()
		default:
			client.Emit(env.Message, payload...)
		}
	}
}

// shouldDisconnect evaluates the access-revocation predicate for one
// session against an incoming event.
func shouldDisconnect(auth session.AuthContext, env *Envelope) bool {
	switch env.Message {
	case "userRemovedFromProject":
		if len(env.Payload) == 0 {
			return false
		}
		var removed string
		if err := json.Unmarshal(env.Payload[0], &removed); err != nil {
			return false
		}
		return removed == auth.User.ID

	case "project:collaboratorAccessLevel:changed":
		if len(env.Payload) == 0 {
			return false
		}
		var info struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(env.Payload[0], &info); err != nil {
			return false
		}
		return info.UserID == auth.User.ID

	case "project:publicAccessLevel:changed":
		if len(env.Payload) == 0 {
			return false
		}
		var info struct {
			NewAccessLevel string `json:"newAccessLevel"`
		}
		if err := json.Unmarshal(env.Payload[0], &info); err != nil {
			return false
		}
		return info.NewAccessLevel == "private" && !auth.IsInvitedMember
	}
	return false
}
