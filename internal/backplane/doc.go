// Package backplane provides the pub/sub connections that coordinate
// broker instances, with no shared memory between them.
//
// # Overview
//
// Every broker instance holds a Pool of backplane connections. Channels are
// named topics; when per-entity addressing is enabled a channel is suffixed
// with the entity id ("editor-events:project-123"), otherwise all traffic for
// a base channel shares one topic and carries the room id in the payload.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│              Pool                   │
//	│  conns: [conn-0, conn-1, ...]       │
//	│  ForChannel(name) → FNV-1a → conn   │
//	└─────────────────────────────────────┘
//	            │               │
//	            ▼               ▼
//	      ┌──────────┐    ┌──────────┐
//	      │ RedisConn│    │MemoryConn│
//	      │ (redis)  │    │ (tests)  │
//	      └──────────┘    └──────────┘
//
// A channel always lives on the same connection (FNV-1a hash of the name),
// so ordering holds per channel but not across connections. RedisConn is the
// production implementation over go-redis pub/sub; MemoryConn and MemoryBus
// provide an in-process backplane for tests and single-instance development.
package backplane
