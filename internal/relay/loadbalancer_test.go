package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/scribe/internal/backplane"
	"github.com/dreamware/scribe/internal/channel"
	"github.com/dreamware/scribe/internal/health"
	"github.com/dreamware/scribe/internal/room"
	"github.com/dreamware/scribe/internal/sequence"
	"github.com/dreamware/scribe/internal/session"
)

// recordingMessenger captures emits and disconnects for one client.
type recordingMessenger struct {
	mu           sync.Mutex
	emits        []string // message names in delivery order
	payloads     [][]any
	disconnected bool
}

func (m *recordingMessenger) Emit(message string, payload ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emits = append(m.emits, message)
	m.payloads = append(m.payloads, payload)
}

func (m *recordingMessenger) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *recordingMessenger) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.emits...)
}

func (m *recordingMessenger) lastPayload() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.payloads) == 0 {
		return nil
	}
	return m.payloads[len(m.payloads)-1]
}

func (m *recordingMessenger) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// lbFixture wires a LoadBalancer over a single in-memory backplane
// connection. Tests drive handle directly for determinism; the end-to-end
// path through Listen is covered separately.
type lbFixture struct {
	bus     *backplane.MemoryBus
	conn    *backplane.MemoryConn
	rooms   *room.Registry
	tracker *session.Tracker
	health  *health.Registry
	lb      *LoadBalancer
}

func newLBFixture(t *testing.T) *lbFixture {
	t.Helper()
	bus := backplane.NewMemoryBus()
	conn := bus.Conn("conn-0")
	rooms := room.NewRegistry()
	tracker := session.NewTracker()
	healthReg := health.NewRegistry(50 * time.Millisecond)
	t.Cleanup(healthReg.Stop)
	lb := NewLoadBalancer(
		backplane.NewPool(conn),
		channel.NewManager(true),
		rooms,
		tracker,
		sequence.NewChecker(time.Hour),
		healthReg,
		nil,
	)
	rooms.AddListener(lb)
	return &lbFixture{bus: bus, conn: conn, rooms: rooms, tracker: tracker, health: healthReg, lb: lb}
}

// join creates a client, registers it and puts it in the project room.
func (f *lbFixture) join(t *testing.T, connID, userID string, restricted, invited bool) (*session.Client, *recordingMessenger) {
	t.Helper()
	m := &recordingMessenger{}
	c := session.NewClient(connID, "websocket", m)
	c.SetAuth(session.AuthContext{
		PrivilegeLevel:   session.PrivilegeReadAndWrite,
		User:             session.User{ID: userID},
		ProjectID:        "project-1",
		IsRestrictedUser: restricted,
		IsInvitedMember:  invited,
	})
	f.tracker.Add(c)
	require.NoError(t, f.rooms.Join(c, room.KindProject, "project-1"))
	return c, m
}

func envelope(t *testing.T, roomID, message string, payload ...any) backplane.Message {
	t.Helper()
	raw, err := marshalPayload(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{RoomID: roomID, Message: message, Payload: raw})
	require.NoError(t, err)
	return backplane.Message{Channel: EditorEventsChannel + ":" + roomID, Payload: string(data)}
}

func TestEmitToRoomPublishesEnvelope(t *testing.T) {
	f := newLBFixture(t)
	probe := f.bus.Conn("probe")
	require.NoError(t, probe.Subscribe(context.Background(), "editor-events:project-1"))

	require.NoError(t, f.lb.EmitToRoom(context.Background(), "project-1", "newChatMessage", "hello"))

	select {
	case msg := <-probe.Messages():
		assert.Equal(t, "editor-events:project-1", msg.Channel)
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "project-1", env.RoomID)
		assert.Equal(t, "newChatMessage", env.Message)
		require.Len(t, env.Payload, 1)
		assert.JSONEq(t, `"hello"`, string(env.Payload[0]))
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestEmitToAllUsesBaseChannel(t *testing.T) {
	f := newLBFixture(t)
	probe := f.bus.Conn("probe")
	require.NoError(t, probe.Subscribe(context.Background(), EditorEventsChannel))

	require.NoError(t, f.lb.EmitToAll(context.Background(), "forceDisconnect", "reason"))

	select {
	case msg := <-probe.Messages():
		assert.Equal(t, EditorEventsChannel, msg.Channel)
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "all", env.RoomID)
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

// TestDeliveryDedup verifies that a session registered under two handles
// receives each event once.
func TestDeliveryDedup(t *testing.T) {
	f := newLBFixture(t)
	c1, m1 := f.join(t, "handle-1", "user-1", false, true)
	c2, m2 := f.join(t, "handle-2", "user-1", false, true)
	c2.PublicID = c1.PublicID // same session under a second handle

	f.lb.handle(f.conn, envelope(t, "project-1", "newChatMessage", "hi"))

	total := len(m1.messages()) + len(m2.messages())
	assert.Equal(t, 1, total, "duplicate handle must not receive a second copy")
}

func TestRestrictedFiltering(t *testing.T) {
	f := newLBFixture(t)
	_, restricted := f.join(t, "handle-1", "user-1", true, true)
	_, normal := f.join(t, "handle-2", "user-2", false, true)

	f.lb.handle(f.conn, envelope(t, "project-1", "newChatMessage", "hi"))
	f.lb.handle(f.conn, envelope(t, "project-1", "removeEntity", "file-1"))

	assert.Equal(t, []string{"removeEntity"}, restricted.messages(),
		"restricted session only receives pass-listed messages")
	assert.Equal(t, []string{"newChatMessage", "removeEntity"}, normal.messages())
}

func TestAllRoomReachesEveryClient(t *testing.T) {
	f := newLBFixture(t)
	_, inRoom := f.join(t, "handle-1", "user-1", false, true)

	// Connected but never joined any room.
	loose := &recordingMessenger{}
	f.tracker.Add(session.NewClient("handle-2", "websocket", loose))

	f.lb.handle(f.conn, backplane.Message{
		Channel: EditorEventsChannel,
		Payload: `{"room_id":"all","message":"reconnectGracefully","payload":[]}`,
	})

	assert.Equal(t, []string{"reconnectGracefully"}, inRoom.messages())
	assert.Equal(t, []string{"reconnectGracefully"}, loose.messages())
}

func TestAccessRevocation(t *testing.T) {
	tests := []struct {
		name           string
		message        string
		payload        any
		invited        bool
		wantDisconnect bool
	}{
		{
			name:           "user removed from project",
			message:        "userRemovedFromProject",
			payload:        "user-1",
			invited:        true,
			wantDisconnect: true,
		},
		{
			name:           "other user removed",
			message:        "userRemovedFromProject",
			payload:        "user-9",
			invited:        true,
			wantDisconnect: false,
		},
		{
			name:           "collaborator access level changed",
			message:        "project:collaboratorAccessLevel:changed",
			payload:        map[string]any{"userId": "user-1"},
			invited:        true,
			wantDisconnect: true,
		},
		{
			name:           "project made private, uninvited guest",
			message:        "project:publicAccessLevel:changed",
			payload:        map[string]any{"newAccessLevel": "private"},
			invited:        false,
			wantDisconnect: true,
		},
		{
			name:           "project made private, invited member",
			message:        "project:publicAccessLevel:changed",
			payload:        map[string]any{"newAccessLevel": "private"},
			invited:        true,
			wantDisconnect: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLBFixture(t)
			_, m := f.join(t, "handle-1", "user-1", false, tt.invited)

			f.lb.handle(f.conn, envelope(t, "project-1", tt.message, tt.payload))

			assert.Equal(t, tt.wantDisconnect, m.isDisconnected())
			if tt.wantDisconnect {
				assert.Equal(t, []string{"project:access:revoked"}, m.messages(),
					"revoked session gets told why, never the event itself")
			} else {
				assert.Equal(t, []string{tt.message}, m.messages())
			}
		})
	}
}

func TestDuplicateEventDropped(t *testing.T) {
	f := newLBFixture(t)
	_, m := f.join(t, "handle-1", "user-1", false, true)

	raw, err := json.Marshal(Envelope{
		RoomID:  "project-1",
		Message: "newChatMessage",
		ID:      "web-7",
	})
	require.NoError(t, err)
	msg := backplane.Message{Channel: "editor-events:project-1", Payload: string(raw)}

	f.lb.handle(f.conn, msg)
	f.lb.handle(f.conn, msg) // retransmit

	assert.Equal(t, []string{"newChatMessage"}, m.messages())
}

func TestCanaryMessageNeverDelivered(t *testing.T) {
	f := newLBFixture(t)
	_, m := f.join(t, "handle-1", "user-1", false, true)

	f.lb.handle(f.conn, envelope(t, "project-1", CanaryMessage, "xxxxxxxx"))

	assert.Empty(t, m.messages())
	assert.Greater(t, f.lb.CanaryBytes(), int64(0))
}

// TestHealthProbeRoundTrip runs the full path: CheckHealth publishes on
// the bare channel, Listen receives it, and the probe resolves healthy.
func TestHealthProbeRoundTrip(t *testing.T) {
	f := newLBFixture(t)
	require.NoError(t, f.lb.Listen(context.Background()))

	f.lb.CheckHealth(context.Background())

	// Probe timeout is 50ms; after it fires the channel must not be failing.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.health.Failing())
}

// TestRoomLifecycleSubscription verifies the first joiner subscribes the
// per-project channel and the last leaver drops it.
func TestRoomLifecycleSubscription(t *testing.T) {
	f := newLBFixture(t)
	c, _ := f.join(t, "handle-1", "user-1", false, true)

	assert.True(t, f.conn.Subscribed("editor-events:project-1"))

	f.rooms.Leave(c, "project-1")
	assert.Eventually(t, func() bool {
		return !f.conn.Subscribed("editor-events:project-1")
	}, time.Second, 10*time.Millisecond)
}
