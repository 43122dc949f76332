package relay

import "context"

// PubSub is the pluggable multi-node fan-out interface: room
// broadcasts are published here so other nodes' local members receive
// them too. A single-node deployment can leave this unset; RoomManager
// then only does a local broadcast.
type PubSub interface {
	// Publish sends payload on channel to every subscriber, local or
	// remote.
	Publish(channel string, payload []byte) error
	// Subscribe registers handler for messages on channels matching
	// pattern (a "*"-glob, e.g. "ws:room:*"). It returns an unsubscribe
	// func. handler is called with the concrete channel name and the
	// payload.
	Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (unsubscribe func(), err error)
}

// noopPubSub is the zero-value PubSub: every room stays node-local.
type noopPubSub struct{}

func (noopPubSub) Publish(string, []byte) error { return nil }

func (noopPubSub) Subscribe(context.Context, string, func(string, []byte)) (func(), error) {
	return func() {}, nil
}
