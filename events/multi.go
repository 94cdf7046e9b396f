package events

import (
	"github.com/fgrzl/connect"
	"go.uber.org/multierr"
)

// Multi publishes every event to each publisher in order. All publishers are
// tried; their errors are combined.
type Multi []connect.Publisher

func (m Multi) Publish(event connect.Event) error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Publish(event))
	}
	return err
}
