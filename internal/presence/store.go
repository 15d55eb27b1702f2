// Package presence records which clients are connected to a project in
// the backplane, with TTL expiry so crashed instances leave no ghosts.
//
// # Key schema
//
//	clients_in_project:{projectID}            SET of public client ids
//	connected_user:{projectID}:{clientID}     HASH of identity + cursor
//	project_not_empty_since:{projectID}       unix seconds marker
//
// The set carries a long TTL (refreshed on every write) purely as a
// safety net; individual user hashes expire after a short TTL so a
// silent client drops out of the connected-users list on its own.
// Anonymous users are never persisted beyond their own heartbeat: they
// count towards occupancy but get no hash entry.
package presence

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/scribe/internal/session"
)

// TTLs for the presence keys.
const (
	UserTTL       = 15 * time.Minute
	ProjectSetTTL = 4 * 24 * time.Hour
	MarkerTTL     = 31 * 24 * time.Hour
)

// Cursor is a client's position within a document.
type Cursor struct {
	Row    int    `msgpack:"row" json:"row"`
	Column int    `msgpack:"column" json:"column"`
	DocID  string `msgpack:"doc_id" json:"doc_id"`
}

// ConnectedUser is one entry of the connected-users listing.
type ConnectedUser struct {
	ClientID    string       `json:"client_id"`
	User        session.User `json:"user"`
	ConnectedAt time.Time    `json:"connected_at"`
	LastUpdated time.Time    `json:"last_updated_at"`
	Cursor      *Cursor      `json:"cursor,omitempty"`
}

// Store reads and writes presence state in redis.
type Store struct {
	rdb redis.Cmdable
	now func() time.Time
}

// NewStore creates a Store over the given redis client.
func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func clientsKey(projectID string) string {
	return "clients_in_project:" + projectID
}

func userKey(projectID, clientID string) string {
	return fmt.Sprintf("connected_user:%s:%s", projectID, clientID)
}

func markerKey(projectID string) string {
	return fmt.Sprintf("project_not_empty_since:{%s}", projectID)
}

// UpdatePosition upserts the client's liveness record, optionally with a
// cursor, and returns the project's current occupancy. Callers use the
// occupancy to distinguish single- from multi-editor sessions.
func (s *Store) UpdatePosition(ctx context.Context, projectID, clientID string, user session.User, cursor *Cursor) (int64, error) {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, clientsKey(projectID), clientID)
	pipe.Expire(ctx, clientsKey(projectID), ProjectSetTTL)

	if !user.Anonymous() {
		key := userKey(projectID, clientID)
		fields := map[string]any{
			"user_id":         user.ID,
			"first_name":      user.FirstName,
			"last_name":       user.LastName,
			"email":           user.Email,
			"last_updated_at": strconv.FormatInt(s.now().UnixMilli(), 10),
		}
		if cursor != nil {
			blob, err := msgpack.Marshal(cursor)
			if err != nil {
				return 0, fmt.Errorf("encode cursor: %w", err)
			}
			fields["cursor"] = blob
		}
		pipe.HSetNX(ctx, key, "connected_at", strconv.FormatInt(s.now().UnixMilli(), 10))
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, UserTTL)
	}

	card := pipe.SCard(ctx, clientsKey(projectID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("update position for project %s: %w", projectID, err)
	}

	occupancy := card.Val()
	if occupancy > 1 {
		// First moment the project saw concurrent editors; keep the
		// earliest timestamp (NX) for long-tail activity accounting.
		err := s.rdb.SetNX(ctx, markerKey(projectID), strconv.FormatInt(s.now().Unix(), 10), MarkerTTL).Err()
		if err != nil {
			log.Printf("error setting not-empty marker for project %s: %v", projectID, err)
		}
	}
	return occupancy, nil
}

// MarkDisconnected removes the client's presence record and returns the
// remaining occupancy. When the project empties, the not-empty-since
// marker is consumed and the concurrent-editing span logged.
func (s *Store) MarkDisconnected(ctx context.Context, projectID, clientID string) (int64, error) {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, clientsKey(projectID), clientID)
	pipe.Del(ctx, userKey(projectID, clientID))
	pipe.Expire(ctx, clientsKey(projectID), ProjectSetTTL)
	card := pipe.SCard(ctx, clientsKey(projectID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("mark disconnected for project %s: %w", projectID, err)
	}

	occupancy := card.Val()
	if occupancy == 0 {
		since, err := s.rdb.GetDel(ctx, markerKey(projectID)).Result()
		if err != nil && err != redis.Nil {
			log.Printf("error clearing not-empty marker for project %s: %v", projectID, err)
		} else if since != "" {
			if start, perr := strconv.ParseInt(since, 10, 64); perr == nil {
				log.Printf("project %s had concurrent editors for %ds", projectID, s.now().Unix()-start)
			}
		}
	}
	return occupancy, nil
}

// GetConnectedUsers lists the clients currently connected to the project.
// Set members whose hash has expired are pruned from the set and omitted
// from the result.
func (s *Store) GetConnectedUsers(ctx context.Context, projectID string) ([]ConnectedUser, error) {
	clientIDs, err := s.rdb.SMembers(ctx, clientsKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list clients for project %s: %w", projectID, err)
	}

	users := make([]ConnectedUser, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		fields, err := s.rdb.HGetAll(ctx, userKey(projectID, clientID)).Result()
		if err != nil {
			return nil, fmt.Errorf("read connected user %s: %w", clientID, err)
		}
		if len(fields) == 0 {
			// Expired or anonymous entry: drop it from the set so the
			// listing stays clean.
			if err := s.rdb.SRem(ctx, clientsKey(projectID), clientID).Err(); err != nil {
				log.Printf("error pruning stale client %s from project %s: %v", clientID, projectID, err)
			}
			continue
		}
		users = append(users, decodeUser(clientID, fields))
	}
	return users, nil
}

// decodeUser rebuilds a ConnectedUser from its redis hash fields.
func decodeUser(clientID string, fields map[string]string) ConnectedUser {
	user := ConnectedUser{
		ClientID: clientID,
		User: session.User{
			ID:        fields["user_id"],
			FirstName: fields["first_name"],
			LastName:  fields["last_name"],
			Email:     fields["email"],
		},
	}
	if ms, err := strconv.ParseInt(fields["connected_at"], 10, 64); err == nil {
		user.ConnectedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["last_updated_at"], 10, 64); err == nil {
		user.LastUpdated = time.UnixMilli(ms)
	}
	if blob, ok := fields["cursor"]; ok {
		var cursor Cursor
		if err := msgpack.Unmarshal([]byte(blob), &cursor); err == nil {
			user.Cursor = &cursor
		} else {
			log.Printf("error decoding cursor for client %s: %v", clientID, err)
		}
	}
	return user
}
