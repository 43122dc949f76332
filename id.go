package relay

import "github.com/google/uuid"

// IDGenerator produces unique opaque identifiers for connections,
// sessions, and correlations. The default,
// generateID, is backed by github.com/google/uuid; callers may supply
// their own via Options.IDGenerator (e.g. to embed a node prefix for
// multi-node deployments).
type IDGenerator func() string

// generateID is the package default IDGenerator.
func generateID() string {
	return uuid.NewString()
}
