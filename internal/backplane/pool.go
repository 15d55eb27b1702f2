package backplane

import "hash/fnv"

// Pool holds the instance's backplane connections and decides which
// connection owns which channel. A channel always maps to the same
// connection for the lifetime of the pool, so per-channel ordering is
// preserved even when traffic is sharded across several connections.
type Pool struct {
	conns []Conn
}

// NewPool creates a pool over the given connections. At least one
// connection is required; a single-connection pool routes everything
// to that connection.
func NewPool(conns ...Conn) *Pool {
	return &Pool{conns: conns}
}

// ForChannel returns the connection that owns the named channel.
// Uses FNV-1a for a deterministic, evenly distributed mapping.
func (p *Pool) ForChannel(channel string) Conn {
	if len(p.conns) == 1 {
		return p.conns[0]
	}
	h := fnv.New32a()
	h.Write([]byte(channel))
	return p.conns[int(h.Sum32())%len(p.conns)]
}

// All returns every connection in the pool. Room lifecycle handlers
// subscribe on all connections so a message published from any instance
// reaches this one regardless of which connection the publisher hashed to.
func (p *Pool) All() []Conn {
	out := make([]Conn, len(p.conns))
	copy(out, p.conns)
	return out
}

// Size returns the number of connections in the pool.
func (p *Pool) Size() int { return len(p.conns) }
