// Package relay is a WebSocket backend runtime: it accepts upgrades,
// maintains sessions that outlive individual connections, routes typed
// events to registered handlers, and groups sessions into rooms for
// fan-out. Transport, credential verification, multi-node pub/sub, and
// metrics sinks are pluggable; everything else, session lifecycle,
// dispatch, heartbeat, reconnection, rooms, is owned by this package.
package relay
