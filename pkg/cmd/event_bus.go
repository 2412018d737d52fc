// Package cmd holds the wiring helpers shared by the api and worker
// entrypoints.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/acadio/automation/pkg/channels/kafka"
	"github.com/acadio/automation/pkg/channels/memory"
	"github.com/acadio/automation/pkg/eventbus"
)

// NewEventBus creates an event bus for the given provider. kafka is the
// production bus; memory is single-process only and exists for local
// development.
func NewEventBus(provider, kafkaBrokers string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafkaBrokers, "automation")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "memory":
		pub, sub := memory.CreateChannel(watermill.NewSlogLogger(logger))

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
