package connect

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// NodeID identifies a node taking part in connections. Nodes are owned by
// the caller; the core only compares their identities.
type NodeID string

// Status is the connectivity state of a Connection.
type Status int

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus parses the text form of a Status.
func ParseStatus(text string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "connected":
		return Connected, nil
	case "disconnected":
		return Disconnected, nil
	}
	return Disconnected, fmt.Errorf("unknown status %q", text)
}

func (s Status) MarshalText() ([]byte, error) {
	if s != Connected && s != Disconnected {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Connection structure
type Connection struct {
	ID          string            `json:"id"`
	Source      NodeID            `json:"source"`
	Destination NodeID            `json:"destination"`
	Type        string            `json:"type"`
	Status      Status            `json:"status"`
	Params      map[string]string `json:"params,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewConnection returns a detached, disconnected connection with the given ID.
// Repositories use it to implement CreateEmptyConnection.
func NewConnection(id string) *Connection {
	return &Connection{
		ID:        id,
		Status:    Disconnected,
		CreatedAt: time.Now().UTC(),
	}
}

// Connect moves the connection to the connected state.
func (c *Connection) Connect() {
	c.Status = Connected
}

// Disconnect moves the connection to the disconnected state.
func (c *Connection) Disconnect() {
	c.Status = Disconnected
}

func (c *Connection) IsConnected() bool {
	return c.Status == Connected
}

// Clone returns a deep copy of the connection.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Params != nil {
		clone.Params = maps.Clone(c.Params)
	}
	return &clone
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s -[%s]-> %s (%s)", c.Source, c.Type, c.Destination, c.Status)
}
