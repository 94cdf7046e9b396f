package memory

import (
	"container/list"
	"sync"

	"github.com/fgrzl/connect"
	"github.com/google/uuid"
)

// nodeIndex keeps the IDs of a node's connections in insertion order with
// constant time removal.
type nodeIndex struct {
	order    *list.List
	elements map[string]*list.Element
}

func newNodeIndex() *nodeIndex {
	return &nodeIndex{order: list.New(), elements: make(map[string]*list.Element)}
}

type memoryRepository struct {
	mu            sync.RWMutex
	connections   map[string]*connect.Connection
	bySource      map[connect.NodeID]*nodeIndex
	byDestination map[connect.NodeID]*nodeIndex
}

// NewMemoryRepository returns a repository keeping connections in process
// memory. Connections are copied on the way in and out.
func NewMemoryRepository() connect.Repository {
	return &memoryRepository{
		connections:   make(map[string]*connect.Connection),
		bySource:      make(map[connect.NodeID]*nodeIndex),
		byDestination: make(map[connect.NodeID]*nodeIndex),
	}
}

func (r *memoryRepository) CreateEmptyConnection() *connect.Connection {
	return connect.NewConnection(uuid.NewString())
}

// Update inserts or replaces a connection, moving its index entries when its
// endpoints changed.
func (r *memoryRepository) Update(conn *connect.Connection) (*connect.Connection, error) {
	stored := conn.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.connections[stored.ID]; ok {
		if previous.Source != stored.Source {
			remove(r.bySource, previous.Source, stored.ID)
		}
		if previous.Destination != stored.Destination {
			remove(r.byDestination, previous.Destination, stored.ID)
		}
	}
	r.connections[stored.ID] = stored
	add(r.bySource, stored.Source, stored.ID)
	add(r.byDestination, stored.Destination, stored.ID)

	return stored.Clone(), nil
}

// Destroy removes a connection; unknown connections are ignored.
func (r *memoryRepository) Destroy(conn *connect.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.connections[conn.ID]
	if !ok {
		return nil
	}
	delete(r.connections, conn.ID)
	remove(r.bySource, stored.Source, conn.ID)
	remove(r.byDestination, stored.Destination, conn.ID)
	return nil
}

func (r *memoryRepository) GetConnectionsWithSource(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.lookup(r.bySource, node, filters), nil
}

func (r *memoryRepository) GetConnectionsWithDestination(node connect.NodeID, filters connect.Filters) ([]*connect.Connection, error) {
	return r.lookup(r.byDestination, node, filters), nil
}

func (r *memoryRepository) Close() error {
	return nil
}

func (r *memoryRepository) lookup(indexes map[connect.NodeID]*nodeIndex, node connect.NodeID, filters connect.Filters) []*connect.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index, ok := indexes[node]
	if !ok {
		return []*connect.Connection{}
	}
	result := make([]*connect.Connection, 0, index.order.Len())
	for e := index.order.Front(); e != nil; e = e.Next() {
		conn := r.connections[e.Value.(string)]
		if filters.Matches(conn) {
			result = append(result, conn.Clone())
		}
	}
	return result
}

func add(indexes map[connect.NodeID]*nodeIndex, node connect.NodeID, id string) {
	index, ok := indexes[node]
	if !ok {
		index = newNodeIndex()
		indexes[node] = index
	}
	if _, ok := index.elements[id]; ok {
		return
	}
	index.elements[id] = index.order.PushBack(id)
}

func remove(indexes map[connect.NodeID]*nodeIndex, node connect.NodeID, id string) {
	index, ok := indexes[node]
	if !ok {
		return
	}
	if e, ok := index.elements[id]; ok {
		index.order.Remove(e)
		delete(index.elements, id)
	}
	if index.order.Len() == 0 {
		delete(indexes, node)
	}
}
