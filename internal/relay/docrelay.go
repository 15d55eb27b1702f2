package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/dreamware/scribe/internal/backend"
	"github.com/dreamware/scribe/internal/backplane"
	"github.com/dreamware/scribe/internal/channel"
	"github.com/dreamware/scribe/internal/health"
	"github.com/dreamware/scribe/internal/room"
	"github.com/dreamware/scribe/internal/sequence"
)

// AppliedOpsChannel is the base channel the document updater publishes
// applied operations on.
const AppliedOpsChannel = "applied-ops"

// OpMessage is the wire form of a document-updater event: either an
// applied operation or an error that poisons the document room.
type OpMessage struct {
	DocID string          `json:"doc_id"`
	Op    *backend.Update `json:"op,omitempty"`
	Error *OpError        `json:"error,omitempty"`

	ID          string `json:"_id,omitempty"`
	HealthCheck bool   `json:"health_check,omitempty"`
	Key         string `json:"key,omitempty"`
}

// OpError is the error payload relayed before the room is disconnected.
type OpError struct {
	Message string `json:"message"`
}

// updateAck is the lightweight acknowledgment the sender receives instead
// of its own echoed operation.
type updateAck struct {
	Version int64  `json:"v"`
	DocID   string `json:"doc"`
}

// DocRelay subscribes to applied-ops traffic per document room and fans
// operations out to the room's local sessions.
type DocRelay struct {
	pool     *backplane.Pool
	channels *channel.Manager
	rooms    *room.Registry
	checker  *sequence.Checker
	health   *health.Registry
}

// NewDocRelay creates a DocRelay.
func NewDocRelay(pool *backplane.Pool, channels *channel.Manager, rooms *room.Registry, checker *sequence.Checker, healthReg *health.Registry) *DocRelay {
	return &DocRelay{
		pool:     pool,
		channels: channels,
		rooms:    rooms,
		checker:  checker,
		health:   healthReg,
	}
}

// Listen subscribes the bare applied-ops channel on every backplane
// connection and starts a receive loop per connection.
func (dr *DocRelay) Listen(ctx context.Context) error {
	for _, conn := range dr.pool.All() {
		if err := conn.Subscribe(ctx, AppliedOpsChannel); err != nil {
			return fmt.Errorf("subscribing %s to %s: %w", conn.Name(), AppliedOpsChannel, err)
		}
		go dr.run(conn)
	}
	return nil
}

func (dr *DocRelay) run(conn backplane.Conn) {
	for msg := range conn.Messages() {
		dr.handle(conn, msg)
	}
}

// EntityActive implements room.Listener for document rooms, mirroring the
// LoadBalancer's project-room subscription.
func (dr *DocRelay) EntityActive(kind room.EntityKind, id string) error {
	if kind != room.KindDoc {
		return nil
	}
	pending := make([]*channel.Pending, 0, dr.pool.Size())
	for _, conn := range dr.pool.All() {
		pending = append(pending, dr.channels.Subscribe(conn, AppliedOpsChannel, id))
	}
	for _, p := range pending {
		if err := p.Wait(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

// EntityEmpty implements room.Listener: fire-and-forget unsubscription
// when the last local member leaves a document room.
func (dr *DocRelay) EntityEmpty(kind room.EntityKind, id string) {
	if kind != room.KindDoc {
		return
	}
	for _, conn := range dr.pool.All() {
		dr.channels.Unsubscribe(conn, AppliedOpsChannel, id)
	}
}

// CheckHealth starts a round-trip probe per backplane connection on the
// bare applied-ops channel.
func (dr *DocRelay) CheckHealth(ctx context.Context) {
	for _, conn := range dr.pool.All() {
		conn := conn
		dr.health.StartProbe(probeKey(AppliedOpsChannel, conn), func(id string) error {
			data, err := json.Marshal(OpMessage{HealthCheck: true, Key: id})
			if err != nil {
				return err
			}
			return conn.Publish(ctx, AppliedOpsChannel, data)
		})
	}
}

// handle routes one applied-ops delivery.
func (dr *DocRelay) handle(conn backplane.Conn, msg backplane.Message) {
	var op OpMessage
	if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
		log.Printf("error parsing applied-ops message on channel %s: %v", msg.Channel, err)
		return
	}

	if op.HealthCheck {
		dr.health.ProcessEvent(probeKey(AppliedOpsChannel, conn), op.Key)
		return
	}
	if op.ID != "" && dr.checker.Check(msg.Channel, op.ID) == sequence.StatusDuplicate {
		return
	}

	switch {
	case op.Op != nil:
		dr.applyUpdate(&op)
	case op.Error != nil:
		dr.relayError(&op)
	default:
		log.Printf("unrecognised applied-ops message for doc %s", op.DocID)
	}
}

// applyUpdate delivers an applied operation to the document room. The
// sender recognises its own operation by meta.source and only needs the
// new version; everyone else gets the full operation.
func (dr *DocRelay) applyUpdate(msg *OpMessage) {
	seen := make(map[string]bool)
	for _, client := range dr.rooms.Clients(msg.DocID) {
		if seen[client.PublicID] {
			continue
		}
		seen[client.PublicID] = true

		if client.PublicID == msg.Op.Meta.Source {
			client.Emit("otUpdateApplied", updateAck{Version: msg.Op.Version, DocID: msg.DocID})
		} else {
			client.Emit("otUpdateApplied", msg.Op)
		}
	}
}

// relayError tells every local session in the document room that the
// document is broken, then tears the sessions down. A client cannot
// recover from a failed operation without rejoining the doc.
func (dr *DocRelay) relayError(msg *OpMessage) {
	log.Printf("relaying otUpdateError for doc %s: %s", msg.DocID, msg.Error.Message)
	seen := make(map[string]bool)
	for _, client := range dr.rooms.Clients(msg.DocID) {
		if seen[client.PublicID] {
			continue
		}
		seen[client.PublicID] = true
		client.Emit("otUpdateError", msg.Error.Message)
		client.Disconnect()
	}
}
