package engine

import "github.com/google/uuid"

// DerivedID returns a deterministic UUIDv5 for name within namespace.
// Period approval uses it so that re-running approval emits the same event
// ids and the guard deduplicates them.
func DerivedID(namespace, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"/"+name)).String()
}
