package connect

// EventKind names a lifecycle event.
type EventKind string

const (
	EventConnected    EventKind = "connect.connected"
	EventDisconnected EventKind = "connect.disconnected"
)

// Event carries a snapshot of the connection a lifecycle operation touched.
type Event struct {
	Kind       EventKind  `json:"kind"`
	Connection Connection `json:"connection"`
}

// NewEvent snapshots conn into an event of the given kind.
func NewEvent(kind EventKind, conn *Connection) Event {
	return Event{Kind: kind, Connection: *conn.Clone()}
}

// Publisher receives lifecycle events. A failing Publish never fails the
// operation that triggered it.
type Publisher interface {
	Publish(event Event) error
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(event Event) error

func (f PublisherFunc) Publish(event Event) error {
	return f(event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
