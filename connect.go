// Package connect models typed, directed connections between nodes.
//
// A Manager drives the connection lifecycle (create, connect, disconnect,
// destroy) on top of a Repository and guarantees that at most one connected
// connection exists per ordered (source, destination) pair. Repositories live
// in their own packages: memory, sqlite, pebble, redis, dynamodb and
// tablestorage.
package connect

// Repository stores connections and indexes them by source and destination.
//
// Implementations are safe for concurrent use. Lookups return a non-nil,
// possibly empty slice, in an order that is stable while the store is not
// modified. Destroy of a connection that is not stored is a no-op. Backend
// failures are marked with ErrStorage.
type Repository interface {
	// CreateEmptyConnection returns a detached connection with a fresh ID.
	CreateEmptyConnection() *Connection

	// Update inserts or replaces the connection and both of its index entries.
	Update(conn *Connection) (*Connection, error)

	// Destroy removes the connection and its index entries.
	Destroy(conn *Connection) error

	GetConnectionsWithSource(node NodeID, filters Filters) ([]*Connection, error)
	GetConnectionsWithDestination(node NodeID, filters Filters) ([]*Connection, error)

	Close() error
}
