package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dreamware/scribe/internal/backend"
	"github.com/dreamware/scribe/internal/controller"
	"github.com/dreamware/scribe/internal/presence"
	"github.com/dreamware/scribe/internal/session"
)

// rpcTimeout bounds one client operation end to end.
const rpcTimeout = 30 * time.Second

// writeTimeout bounds one websocket frame write.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The broker sits behind the platform's own origin checks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// rpcRequest is one client-initiated operation.
type rpcRequest struct {
	ID     int64           `json:"id"`
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// rpcResponse answers an rpcRequest by id.
type rpcResponse struct {
	ID    int64               `json:"id"`
	Data  any                 `json:"data,omitempty"`
	Error *session.CodedError `json:"error,omitempty"`
}

// serverEvent is a server-pushed named event, the same shape relays
// deliver.
type serverEvent struct {
	Message string `json:"message"`
	Payload []any  `json:"payload"`
}

// wsMessenger adapts a websocket connection to session.Messenger. Writes
// are funneled through a single writer goroutine; Emit never blocks the
// relay fan-out path, a session too slow to drain its queue is dropped.
type wsMessenger struct {
	conn *websocket.Conn

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

func newWSMessenger(conn *websocket.Conn) *wsMessenger {
	m := &wsMessenger{
		conn: conn,
		out:  make(chan []byte, 128),
	}
	go m.writeLoop()
	return m
}

// writeLoop is the single writer. Disconnect closes the queue; frames
// already queued are still written out before the connection closes, so
// a final event (otUpdateError, project:access:revoked) queued right
// before a disconnect reaches the client.
func (m *wsMessenger) writeLoop() {
	var failed bool
	for frame := range m.out {
		if failed {
			continue
		}
		m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			failed = true
			m.Disconnect()
		}
	}
	m.conn.Close()
}

// send queues one frame. The connection is dropped rather than stalled
// when the queue is full.
func (m *wsMessenger) send(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.out <- frame:
	default:
		log.Printf("dropping session with full write queue")
		m.disconnectLocked()
	}
}

// Emit implements session.Messenger.
func (m *wsMessenger) Emit(message string, payload ...any) {
	if payload == nil {
		payload = []any{}
	}
	frame, err := json.Marshal(serverEvent{Message: message, Payload: payload})
	if err != nil {
		log.Printf("error encoding event %s: %v", message, err)
		return
	}
	m.send(frame)
}

// Disconnect implements session.Messenger.
func (m *wsMessenger) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *wsMessenger) disconnectLocked() {
	if m.closed {
		return
	}
	m.closed = true
	close(m.out)
}

// respond queues an RPC response frame.
func (m *wsMessenger) respond(resp rpcResponse) {
	frame, err := json.Marshal(resp)
	if err != nil {
		log.Printf("error encoding rpc response: %v", err)
		return
	}
	m.send(frame)
}

// handleSocket upgrades the connection and runs the session's RPC loop.
// New sessions are refused while the instance is not accepting (deploy
// status file closed or drain in progress).
func (b *broker) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !b.status.accepting() {
		http.Error(w, "not accepting new connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	messenger := newWSMessenger(conn)
	client := session.NewClient(uuid.NewString(), "websocket", messenger)
	b.tracker.Add(client)
	log.Printf("client %s connected (public id %s)", client.ID, client.PublicID)

	defer func() {
		client.Disconnect()
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if err := b.ctrl.LeaveProject(ctx, client); err != nil {
			log.Printf("error leaving project for client %s: %v", client.ID, err)
		}
		b.tracker.Remove(client)
		log.Printf("client %s disconnected", client.ID)
	}()

	client.Emit("connectionAccepted", nil, client.PublicID)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			log.Printf("malformed rpc frame from client %s: %v", client.ID, err)
			return
		}
		messenger.respond(b.dispatch(client, &req))
		if client.Disconnected() {
			return
		}
	}
}

// dispatch executes one RPC and classifies any failure into the
// client-safe error shape. Operations run sequentially per session, in
// arrival order.
func (b *broker) dispatch(client *session.Client, req *rpcRequest) rpcResponse {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	data, err := b.execute(ctx, client, req)
	resp := rpcResponse{ID: req.ID, Data: data}
	if err != nil {
		coded := session.AsCoded(err)
		if coded == session.ErrBackendUnavailable {
			log.Printf("error handling %s for client %s: %v", req.Action, client.ID, err)
		} else {
			log.Printf("rejecting %s for client %s: %s", req.Action, client.ID, coded.Message)
		}
		resp.Error = coded
	}
	return resp
}

func (b *broker) execute(ctx context.Context, client *session.Client, req *rpcRequest) (any, error) {
	switch req.Action {
	case "joinProject":
		var args struct {
			ProjectID string       `json:"project_id"`
			User      session.User `json:"user"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil || args.ProjectID == "" {
			return nil, session.ValidationError("invalid joinProject arguments")
		}
		return b.ctrl.JoinProject(ctx, client, args.ProjectID, args.User)

	case "joinDoc":
		var args struct {
			DocID       string                    `json:"doc_id"`
			FromVersion *int64                    `json:"from_version"`
			Options     controller.JoinDocOptions `json:"options"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil || args.DocID == "" {
			return nil, session.ValidationError("invalid joinDoc arguments")
		}
		fromVersion := int64(-1)
		if args.FromVersion != nil {
			fromVersion = *args.FromVersion
		}
		return b.ctrl.JoinDoc(ctx, client, args.DocID, fromVersion, args.Options)

	case "leaveDoc":
		var args struct {
			DocID string `json:"doc_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil || args.DocID == "" {
			return nil, session.ValidationError("invalid leaveDoc arguments")
		}
		return nil, b.ctrl.LeaveDoc(ctx, client, args.DocID)

	case "applyUpdate":
		var args struct {
			DocID  string          `json:"doc_id"`
			Update *backend.Update `json:"update"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil || args.DocID == "" || args.Update == nil {
			return nil, session.ValidationError("invalid applyUpdate arguments")
		}
		return nil, b.ctrl.ApplyUpdate(ctx, client, args.DocID, args.Update)

	case "clientTracking.updatePosition":
		var cursor presence.Cursor
		if err := json.Unmarshal(req.Args, &cursor); err != nil {
			return nil, session.ValidationError("invalid position arguments")
		}
		return nil, b.ctrl.UpdateClientPosition(ctx, client, &cursor)

	case "clientTracking.getConnectedUsers":
		return b.ctrl.GetConnectedUsers(ctx, client)

	case "debug.echo":
		return req.Args, nil

	default:
		return nil, session.ValidationError("unknown action " + req.Action)
	}
}
