package connect

import (
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultLockStripes = 64

// Manager orchestrates the connection lifecycle. It validates filters,
// persists through a Repository and publishes lifecycle events.
//
// Create, Connect, Destroy and Disconnect check the connectivity of the
// (source, destination) pair and mutate it inside one critical section, so
// concurrent callers can never leave two connected connections for a pair.
type Manager struct {
	repo      Repository
	validator FilterValidator
	publisher Publisher
	logger    *zap.Logger
	stripes   []sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPublisher sets the sink lifecycle events are published to.
func WithPublisher(publisher Publisher) ManagerOption {
	return func(m *Manager) {
		if publisher != nil {
			m.publisher = publisher
		}
	}
}

// WithFilterValidator sets the validator applied to query filters.
func WithFilterValidator(validator FilterValidator) ManagerOption {
	return func(m *Manager) {
		if validator != nil {
			m.validator = validator
		}
	}
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLockStripes sets how many locks pairs are spread over.
func WithLockStripes(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.stripes = make([]sync.Mutex, n)
		}
	}
}

// NewManager creates a manager on top of repo.
func NewManager(repo Repository, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:      repo,
		validator: NewFilterValidator(),
		publisher: NopPublisher{},
		logger:    zap.NewNop(),
		stripes:   make([]sync.Mutex, defaultLockStripes),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Repository returns the repository the manager persists to.
func (m *Manager) Repository() Repository {
	return m.repo
}

func (m *Manager) lock(source, destination NodeID) func() {
	h := murmur3.New32()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(destination))
	mu := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Create connects source to destination with a new connection of the given
// type. It fails with ErrAlreadyConnected when the pair is already connected,
// whatever the type of the existing connection.
func (m *Manager) Create(source, destination NodeID, connType string) (*Connection, error) {
	defer m.lock(source, destination)()

	connected, err := m.areConnected(source, destination, nil)
	if err != nil {
		return nil, err
	}
	if connected {
		return nil, ErrAlreadyConnected
	}

	conn := m.repo.CreateEmptyConnection()
	conn.Source = source
	conn.Destination = destination
	conn.Type = connType
	conn.Connect()

	persisted, err := m.repo.Update(conn)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("connection created", fields(persisted)...)
	m.publish(EventConnected, persisted)
	return persisted, nil
}

// Destroy disconnects conn, publishes the disconnection and removes it from
// the repository.
func (m *Manager) Destroy(conn *Connection) error {
	defer m.lock(conn.Source, conn.Destination)()

	connected, err := m.areConnected(conn.Source, conn.Destination, nil)
	if err != nil {
		return err
	}
	if !connected {
		return ErrNotConnected
	}

	conn.Disconnect()
	m.publish(EventDisconnected, conn)

	if err := m.repo.Destroy(conn); err != nil {
		return err
	}
	m.logger.Debug("connection destroyed", fields(conn)...)
	return nil
}

// Connect reconnects a stored connection.
func (m *Manager) Connect(conn *Connection) error {
	defer m.lock(conn.Source, conn.Destination)()

	connected, err := m.areConnected(conn.Source, conn.Destination, nil)
	if err != nil {
		return err
	}
	if connected {
		return ErrAlreadyConnected
	}

	conn.Connect()
	if _, err := m.repo.Update(conn); err != nil {
		return err
	}

	m.logger.Debug("connection connected", fields(conn)...)
	m.publish(EventConnected, conn)
	return nil
}

// Disconnect disconnects a stored connection without removing it.
func (m *Manager) Disconnect(conn *Connection) error {
	defer m.lock(conn.Source, conn.Destination)()

	connected, err := m.areConnected(conn.Source, conn.Destination, nil)
	if err != nil {
		return err
	}
	if !connected {
		return ErrNotConnected
	}

	conn.Disconnect()
	if _, err := m.repo.Update(conn); err != nil {
		return err
	}

	m.logger.Debug("connection disconnected", fields(conn)...)
	m.publish(EventDisconnected, conn)
	return nil
}

// AreConnected reports whether a connected connection from source to
// destination matching filters exists.
func (m *Manager) AreConnected(source, destination NodeID, filters Filters) (bool, error) {
	if err := m.validator.ValidateFilters(filters); err != nil {
		return false, err
	}
	return m.areConnected(source, destination, filters)
}

func (m *Manager) areConnected(source, destination NodeID, filters Filters) (bool, error) {
	conns, err := m.repo.GetConnectionsWithSource(source, filters.With(FilterDestination, destination))
	if err != nil {
		return false, err
	}
	for _, conn := range conns {
		if conn.Destination == destination && conn.IsConnected() {
			return true, nil
		}
	}
	return false, nil
}

// HasConnections reports whether any connection matching filters starts or
// ends at node.
func (m *Manager) HasConnections(node NodeID, filters Filters) (bool, error) {
	conns, err := m.GetConnections(node, filters)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}

// GetConnectionsTo returns the connections ending at node.
func (m *Manager) GetConnectionsTo(node NodeID, filters Filters) ([]*Connection, error) {
	if err := m.validator.ValidateFilters(filters); err != nil {
		return nil, err
	}
	return m.repo.GetConnectionsWithDestination(node, filters)
}

// GetConnectionsFrom returns the connections starting at node.
func (m *Manager) GetConnectionsFrom(node NodeID, filters Filters) ([]*Connection, error) {
	if err := m.validator.ValidateFilters(filters); err != nil {
		return nil, err
	}
	return m.repo.GetConnectionsWithSource(node, filters)
}

// GetConnectionsBetween returns the connections from source to destination,
// whatever their status.
func (m *Manager) GetConnectionsBetween(source, destination NodeID, filters Filters) ([]*Connection, error) {
	if err := m.validator.ValidateFilters(filters); err != nil {
		return nil, err
	}
	conns, err := m.repo.GetConnectionsWithSource(source, filters.With(FilterDestination, destination))
	if err != nil {
		return nil, err
	}
	between := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		if conn.Destination == destination {
			between = append(between, conn)
		}
	}
	return between, nil
}

// GetConnections returns the connections starting at node followed by the
// ones ending at it. A self loop is listed twice. The result is nil only when
// the repository returned nil for both lookups.
func (m *Manager) GetConnections(node NodeID, filters Filters) ([]*Connection, error) {
	if err := m.validator.ValidateFilters(filters); err != nil {
		return nil, err
	}

	var from, to []*Connection
	var g errgroup.Group
	g.Go(func() (err error) {
		from, err = m.repo.GetConnectionsWithSource(node, filters)
		return err
	})
	g.Go(func() (err error) {
		to, err = m.repo.GetConnectionsWithDestination(node, filters)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if from == nil && to == nil {
		return nil, nil
	}
	conns := make([]*Connection, 0, len(from)+len(to))
	conns = append(conns, from...)
	return append(conns, to...), nil
}

func (m *Manager) publish(kind EventKind, conn *Connection) {
	event := NewEvent(kind, conn)
	if err := m.publisher.Publish(event); err != nil {
		m.logger.Warn("failed to publish connection event",
			append(fields(conn), zap.String("kind", string(kind)), zap.Error(err))...)
	}
}

func fields(conn *Connection) []zap.Field {
	return []zap.Field{
		zap.String("id", conn.ID),
		zap.String("source", string(conn.Source)),
		zap.String("destination", string(conn.Destination)),
		zap.String("type", conn.Type),
	}
}
