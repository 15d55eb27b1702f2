// Package relay moves events between the backplane and local sessions.
//
// # Overview
//
// Two relays share the receive machinery but serve different traffic:
//
//   - LoadBalancer carries generic named room events on the editor-events
//     channel. Any component can publish to a room (or to the reserved
//     "all" room) and every instance delivers the event to its local
//     members.
//
//   - DocRelay carries applied-operation messages from the document
//     updater on the applied-ops channel. The original sender receives a
//     lightweight acknowledgment; everyone else receives the full
//     operation. Error messages force-disconnect the document room.
//
// # Architecture
//
//	          publish                    receive
//	EmitToRoom ──────▶ backplane conn ──────────▶ Run loop
//	                    (FNV-1a owner)               │
//	                                       health / canary / sequence
//	                                                 │
//	                                       room members, dedup by
//	                                       public id, access checks
//	                                                 │
//	                                                 ▼
//	                                           client.Emit
//
// Both relays implement room.Listener: the first local member of a room
// subscribes the room's per-entity channel on every backplane connection,
// and the last leaver unsubscribes. The bare base channels are subscribed
// once at startup so "all" events and health probes always arrive.
package relay
