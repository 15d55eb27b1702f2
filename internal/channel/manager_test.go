package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/scribe/internal/backplane"
)

// recordingConn is a backplane.Conn that records operations and can be
// made slow or faulty, to observe queueing behaviour.
type recordingConn struct {
	mu         sync.Mutex
	name       string
	inFlight   int
	maxFlight  int
	ops        []string
	subscribed map[string]bool
	delay      time.Duration
	subErr     error
	unsubErr   error
}

func newRecordingConn(name string) *recordingConn {
	return &recordingConn{name: name, subscribed: make(map[string]bool)}
}

func (c *recordingConn) Name() string { return c.name }

func (c *recordingConn) begin(op, channel string) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxFlight {
		c.maxFlight = c.inFlight
	}
	c.ops = append(c.ops, op+" "+channel)
	c.mu.Unlock()
}

func (c *recordingConn) end() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

func (c *recordingConn) Subscribe(ctx context.Context, channel string) error {
	c.begin("subscribe", channel)
	defer c.end()
	time.Sleep(c.delay)
	if c.subErr != nil {
		return c.subErr
	}
	c.mu.Lock()
	c.subscribed[channel] = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Unsubscribe(ctx context.Context, channel string) error {
	c.begin("unsubscribe", channel)
	defer c.end()
	time.Sleep(c.delay)
	if c.unsubErr != nil {
		return c.unsubErr
	}
	c.mu.Lock()
	delete(c.subscribed, channel)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Publish(ctx context.Context, channel string, payload []byte) error {
	c.begin("publish", channel)
	c.end()
	return nil
}

func (c *recordingConn) Messages() <-chan backplane.Message { return nil }

func (c *recordingConn) Close() error { return nil }

func TestSubscribeCompletes(t *testing.T) {
	conn := newRecordingConn("conn-0")
	manager := NewManager(true)

	err := manager.Subscribe(conn, "editor-events", "project-1").Wait(context.Background())
	require.NoError(t, err)

	assert.True(t, conn.subscribed["editor-events:project-1"])
	assert.Equal(t, 0, manager.PendingOps())
}

func TestSubscribeErrorIsReported(t *testing.T) {
	conn := newRecordingConn("conn-0")
	conn.subErr = errors.New("connection reset")
	manager := NewManager(true)

	err := manager.Subscribe(conn, "editor-events", "project-1").Wait(context.Background())
	assert.EqualError(t, err, "connection reset")

	// A failed subscribe must not leave residual queued state.
	assert.Equal(t, 0, manager.PendingOps())
}

func TestUnsubscribeErrorIsBestEffort(t *testing.T) {
	conn := newRecordingConn("conn-0")
	conn.unsubErr = errors.New("connection reset")
	manager := NewManager(true)

	err := manager.Unsubscribe(conn, "editor-events", "project-1").Wait(context.Background())
	assert.NoError(t, err)
}

// TestOperationsAreSerialized verifies that for any interleaving of
// subscribe/unsubscribe calls on the same (connection, channel), exactly
// one backplane operation is in flight at a time and operations run in
// submission order.
func TestOperationsAreSerialized(t *testing.T) {
	conn := newRecordingConn("conn-0")
	conn.delay = 5 * time.Millisecond
	manager := NewManager(true)

	p1 := manager.Subscribe(conn, "applied-ops", "doc-1")
	p2 := manager.Unsubscribe(conn, "applied-ops", "doc-1")
	p3 := manager.Subscribe(conn, "applied-ops", "doc-1")
	p4 := manager.Unsubscribe(conn, "applied-ops", "doc-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range []*Pending{p1, p2, p3, p4} {
		require.NoError(t, p.Wait(ctx))
	}

	assert.Equal(t, 1, conn.maxFlight, "expected at most one operation in flight")
	assert.Equal(t, []string{
		"subscribe applied-ops:doc-1",
		"unsubscribe applied-ops:doc-1",
		"subscribe applied-ops:doc-1",
		"unsubscribe applied-ops:doc-1",
	}, conn.ops)

	// Final backplane state matches the last call's intent.
	assert.False(t, conn.subscribed["applied-ops:doc-1"])
	assert.Equal(t, 0, manager.PendingOps())
}

// TestSameKindOperationsCoalesce verifies back-to-back requests of the
// same kind share one backplane round trip instead of chaining duplicates.
func TestSameKindOperationsCoalesce(t *testing.T) {
	conn := newRecordingConn("conn-0")
	conn.delay = 5 * time.Millisecond
	manager := NewManager(true)

	p1 := manager.Subscribe(conn, "applied-ops", "doc-1")
	p2 := manager.Subscribe(conn, "applied-ops", "doc-1")
	assert.Same(t, p1, p2, "queued subscribe is reused, not chained again")

	p3 := manager.Unsubscribe(conn, "applied-ops", "doc-1")
	p4 := manager.Unsubscribe(conn, "applied-ops", "doc-1")
	assert.Same(t, p3, p4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p2.Wait(ctx))
	require.NoError(t, p4.Wait(ctx))

	assert.Equal(t, []string{
		"subscribe applied-ops:doc-1",
		"unsubscribe applied-ops:doc-1",
	}, conn.ops)
	assert.False(t, conn.subscribed["applied-ops:doc-1"])
	assert.Equal(t, 0, manager.PendingOps())
}

// TestSeparateChannelsDoNotQueue verifies operations on different channels
// run independently.
func TestSeparateChannelsDoNotQueue(t *testing.T) {
	conn := newRecordingConn("conn-0")
	manager := NewManager(true)

	var pendings []*Pending
	for _, id := range []string{"doc-1", "doc-2", "doc-3"} {
		pendings = append(pendings, manager.Subscribe(conn, "applied-ops", id))
	}
	for _, p := range pendings {
		require.NoError(t, p.Wait(context.Background()))
	}

	assert.Len(t, conn.subscribed, 3)
}

func TestPublishAddressing(t *testing.T) {
	tests := []struct {
		name        string
		perEntity   bool
		room        string
		wantChannel string
	}{
		{
			name:        "shared channel mode",
			perEntity:   false,
			room:        "project-1",
			wantChannel: "publish editor-events",
		},
		{
			name:        "per-entity mode",
			perEntity:   true,
			room:        "project-1",
			wantChannel: "publish editor-events:project-1",
		},
		{
			name:        "the all room always uses the base channel",
			perEntity:   true,
			room:        "all",
			wantChannel: "publish editor-events",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newRecordingConn("conn-0")
			manager := NewManager(tt.perEntity)

			err := manager.Publish(context.Background(), conn, "editor-events", tt.room, []byte("{}"))
			require.NoError(t, err)
			require.Len(t, conn.ops, 1)
			assert.Equal(t, tt.wantChannel, conn.ops[0])
		})
	}
}

func TestWaitHonorsContext(t *testing.T) {
	conn := newRecordingConn("conn-0")
	conn.delay = time.Second
	manager := NewManager(true)

	p := manager.Subscribe(conn, "editor-events", "project-1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
