package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// LogPublisher writes events to the process log. Used when no Redis bus is
// configured (single-node dev runs) and as a tap in tests.
type LogPublisher struct {
	logger *log.Logger
	source string
}

func NewLogPublisher(source string) *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
		source: source,
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic Topic, taskID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		TaskID:    taskID,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    p.source,
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[EVENTS] PUBLISH %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
