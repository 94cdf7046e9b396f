package events

import (
	"github.com/fgrzl/connect"
	"go.uber.org/zap"
)

type loggerPublisher struct {
	logger *zap.Logger
}

// NewLogger returns a publisher writing each event to logger at info level.
func NewLogger(logger *zap.Logger) connect.Publisher {
	return &loggerPublisher{logger: logger}
}

func (p *loggerPublisher) Publish(event connect.Event) error {
	p.logger.Info("connection event",
		zap.String("kind", string(event.Kind)),
		zap.String("id", event.Connection.ID),
		zap.String("source", string(event.Connection.Source)),
		zap.String("destination", string(event.Connection.Destination)),
		zap.String("type", event.Connection.Type),
		zap.Stringer("status", event.Connection.Status))
	return nil
}
