package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/scribe/internal/backend"
	"github.com/dreamware/scribe/internal/backplane"
	"github.com/dreamware/scribe/internal/channel"
	"github.com/dreamware/scribe/internal/health"
	"github.com/dreamware/scribe/internal/room"
	"github.com/dreamware/scribe/internal/sequence"
	"github.com/dreamware/scribe/internal/session"
)

type drFixture struct {
	bus    *backplane.MemoryBus
	conn   *backplane.MemoryConn
	rooms  *room.Registry
	health *health.Registry
	dr     *DocRelay
}

func newDRFixture(t *testing.T) *drFixture {
	t.Helper()
	bus := backplane.NewMemoryBus()
	conn := bus.Conn("conn-0")
	rooms := room.NewRegistry()
	healthReg := health.NewRegistry(50 * time.Millisecond)
	t.Cleanup(healthReg.Stop)
	dr := NewDocRelay(
		backplane.NewPool(conn),
		channel.NewManager(true),
		rooms,
		sequence.NewChecker(time.Hour),
		healthReg,
	)
	rooms.AddListener(dr)
	return &drFixture{bus: bus, conn: conn, rooms: rooms, health: healthReg, dr: dr}
}

func (f *drFixture) joinDoc(t *testing.T, connID, docID string) (*session.Client, *recordingMessenger) {
	t.Helper()
	m := &recordingMessenger{}
	c := session.NewClient(connID, "websocket", m)
	require.NoError(t, f.rooms.Join(c, room.KindDoc, docID))
	return c, m
}

func opMessage(t *testing.T, msg OpMessage) backplane.Message {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return backplane.Message{Channel: AppliedOpsChannel + ":" + msg.DocID, Payload: string(data)}
}

// TestApplyUpdateFanOut verifies the sender receives the lightweight
// acknowledgment while every other session receives the full operation.
func TestApplyUpdateFanOut(t *testing.T) {
	f := newDRFixture(t)
	sender, senderM := f.joinDoc(t, "handle-1", "doc-1")
	_, otherM := f.joinDoc(t, "handle-2", "doc-1")
	_, elsewhereM := f.joinDoc(t, "handle-3", "doc-2")

	f.dr.handle(f.conn, opMessage(t, OpMessage{
		DocID: "doc-1",
		Op: &backend.Update{
			Version: 12,
			Ops:     []backend.Op{{Position: 3, Insert: "x"}},
			Meta:    backend.UpdateMeta{Source: sender.PublicID},
		},
	}))

	assert.Equal(t, []string{"otUpdateApplied"}, senderM.messages())
	require.Len(t, senderM.lastPayload(), 1)
	ack, ok := senderM.lastPayload()[0].(updateAck)
	require.True(t, ok, "sender must receive the acknowledgment variant")
	assert.Equal(t, int64(12), ack.Version)
	assert.Equal(t, "doc-1", ack.DocID)

	assert.Equal(t, []string{"otUpdateApplied"}, otherM.messages())
	require.Len(t, otherM.lastPayload(), 1)
	full, ok := otherM.lastPayload()[0].(*backend.Update)
	require.True(t, ok, "peers must receive the full operation")
	assert.Equal(t, "x", full.Ops[0].Insert)

	assert.Empty(t, elsewhereM.messages(), "other doc rooms must not hear the op")
	assert.False(t, senderM.isDisconnected())
}

// TestApplyUpdateDedup verifies a session under two handles in the doc
// room gets the operation once.
func TestApplyUpdateDedup(t *testing.T) {
	f := newDRFixture(t)
	c1, m1 := f.joinDoc(t, "handle-1", "doc-1")
	c2, m2 := f.joinDoc(t, "handle-2", "doc-1")
	c2.PublicID = c1.PublicID

	f.dr.handle(f.conn, opMessage(t, OpMessage{
		DocID: "doc-1",
		Op:    &backend.Update{Version: 1, Meta: backend.UpdateMeta{Source: "someone-else"}},
	}))

	assert.Equal(t, 1, len(m1.messages())+len(m2.messages()))
}

// TestErrorDisconnectsRoom verifies an error message relays otUpdateError
// and then tears down every local session in the doc room.
func TestErrorDisconnectsRoom(t *testing.T) {
	f := newDRFixture(t)
	_, m1 := f.joinDoc(t, "handle-1", "doc-1")
	_, m2 := f.joinDoc(t, "handle-2", "doc-1")
	_, safe := f.joinDoc(t, "handle-3", "doc-2")

	f.dr.handle(f.conn, opMessage(t, OpMessage{
		DocID: "doc-1",
		Error: &OpError{Message: "doc out of sync"},
	}))

	for _, m := range []*recordingMessenger{m1, m2} {
		assert.Equal(t, []string{"otUpdateError"}, m.messages())
		assert.True(t, m.isDisconnected())
	}
	assert.Empty(t, safe.messages())
	assert.False(t, safe.isDisconnected())
}

func TestDuplicateOpDropped(t *testing.T) {
	f := newDRFixture(t)
	_, m := f.joinDoc(t, "handle-1", "doc-1")

	msg := opMessage(t, OpMessage{
		DocID: "doc-1",
		Op:    &backend.Update{Version: 5, Meta: backend.UpdateMeta{Source: "other"}},
		ID:    "doc-updater-3",
	})
	f.dr.handle(f.conn, msg)
	f.dr.handle(f.conn, msg)

	assert.Equal(t, []string{"otUpdateApplied"}, m.messages())
}

func TestDocRoomSubscriptionLifecycle(t *testing.T) {
	f := newDRFixture(t)
	c, _ := f.joinDoc(t, "handle-1", "doc-1")

	assert.True(t, f.conn.Subscribed("applied-ops:doc-1"))

	f.rooms.Leave(c, "doc-1")
	assert.Eventually(t, func() bool {
		return !f.conn.Subscribed("applied-ops:doc-1")
	}, time.Second, 10*time.Millisecond)
}

func TestAppliedOpsHealthProbe(t *testing.T) {
	f := newDRFixture(t)
	require.NoError(t, f.dr.Listen(context.Background()))

	f.dr.CheckHealth(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.health.Failing())
}
