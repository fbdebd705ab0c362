// Package bus provides event bus implementations for kestrel.
package bus

import (
	"fmt"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// New creates an event bus based on configuration.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "kafka":
		return NewKafkaBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported bus type: %s", cfg.Type)
	}
}
