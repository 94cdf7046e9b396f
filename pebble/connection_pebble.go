package pebble

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/fgrzl/connect"
	"github.com/google/uuid"
)

var emptyBytes []byte

// Key layout:
//
//	conn:{id}                    serialized connection
//	src:{source}\x00{id}         source index entry
//	dst:{destination}\x00{id}    destination index entry
//
// Node IDs must not contain a NUL byte.
const (
	connectionPrefix  = "conn:"
	sourcePrefix      = "src:"
	destinationPrefix = "dst:"
	separator         = "\x00"
)

type pebbleRepository struct {
	db *pebble.DB
	// mu serializes the read-modify-write of Update and Destroy.
	mu sync.Mutex
}

func NewPebbleRepository(dbPath string) (connect.Repository, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("could not open Pebble database: %w", err)
	}
	return &pebbleRepository{db: db}, nil
}

func (r *pebbleRepository) CreateEmptyConnection() *connect.Connection {
	return connect.NewConnection(uuid.NewString())
}

// Update inserts or replaces a connection together with its source and
// destination index entries in a single batch.
func (r *pebbleRepository) Update(conn *connect.Connection) (*connect.Connection, error) {
	serialized, err := json.Marshal(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize connection %s: %w", conn.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, err := r.get(conn.ID)
	if err != nil {
		return nil, err
	}

	batch := r.db.NewBatch()
	defer batch.Close()

	if previous != nil {
		if previous.Source != conn.Source {
			batch.Delete(getIndexKey(sourcePrefix, previous.Source, conn.ID), nil)
		}
		if previous.Destination != conn.Destination {
			batch.Delete(getIndexKey(destinationPrefix, previous.Destination, conn.ID), nil)
		}
	}
	batch.Set(getConnectionKey(conn.ID), serialized, nil)
	batch.Set(getIndexKey(sourcePrefix, conn.Source, conn.ID), emptyBytes, nil)
	batch.Set(getIndexKey(destinationPrefix, conn.Destination, conn.ID), emptyBytes, nil)

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, connect.StorageError(err, "pebble: put connection %s", conn.ID)
	}
	return conn.Clone(), nil
}

// Destroy removes a connection and its index entries; unknown connections
// are ignored.
func (r *pebbleRepository) Destroy(conn *connect.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.get(conn.ID)
	if err != nil || stored == nil {
		return err
	}

	batch := r.db.NewBatch()
	defer batch.Close()

	batch.Delete(getConnectionKey(stored.ID), nil)
	batch.Delete(getIndexKey(sourcePrefix, stored.Source, stored.ID), nil)
	batch.Delete(getIndexKey(destinationPrefix, stored.Destination, stored.ID), nil)

	if err := batch.Commit(pebble.Sync); err != nil {
		return connect.StorageError(err, "pebble: delete connection %s", conn.ID)
	}
	return nil
}

func (r *pebbleRepository) GetConnectionsWithSource(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.scan(sourcePrefix, node, filters)
}

func (r *pebbleRepository) GetConnectionsWithDestination(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.scan(destinationPrefix, node, filters)
}

// scan walks the index entries of node under prefix and loads each
// connection they point at.
func (r *pebbleRepository) scan(prefix string, node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	lower := []byte(prefix + string(node) + separator)
	upper := []byte(prefix + string(node) + "\x01")

	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, connect.StorageError(err, "pebble: scan %s%s", prefix, node)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), string(lower)))
	}
	if err := iter.Error(); err != nil {
		return nil, connect.StorageError(err, "pebble: scan %s%s", prefix, node)
	}

	result := []*connect.Connection{}
	for _, id := range ids {
		conn, err := r.get(id)
		if err != nil {
			return nil, err
		}
		// The index entry may outlive a concurrent Destroy.
		if conn != nil && filters.Matches(conn) {
			result = append(result, conn)
		}
	}
	return result, nil
}

// get returns the stored connection or nil when there is none.
func (r *pebbleRepository) get(id string) (*connect.Connection, error) {
	data, closer, err := r.db.Get(getConnectionKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, connect.StorageError(err, "pebble: get connection %s", id)
	}
	defer closer.Close()

	var conn connect.Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, connect.StorageError(err, "pebble: deserialize connection %s", id)
	}
	return &conn, nil
}

func (r *pebbleRepository) Close() error {
	if r.db == nil {
		return nil // Already closed, no action needed
	}

	err := r.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close the database: %w", err)
	}

	r.db = nil
	return nil
}

func getConnectionKey(id string) []byte {
	return []byte(connectionPrefix + id)
}

func getIndexKey(prefix string, node connect.NodeID, id string) []byte {
	return []byte(prefix + string(node) + separator + id)
}
