package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

// TopicBroadcastEvents carries model.BroadcastEvent lifecycle notifications.
const TopicBroadcastEvents = "broadcast.events"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
	Close() error
}

// InMemoryQueue delivers to in-process subscribers with retry
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
	wg         sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        log,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish hands the payload to every subscriber of topic. Nobody listening is
// not an error: lifecycle events are notifications.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := append([]func(payload any) error(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		q.log.Debug().Str("topic", topic).Msg("no subscribers")
		return nil
	}

	for _, handler := range handlers {
		job := JobPayload{Topic: topic, Payload: payload, MaxRetries: q.maxRetries}
		q.wg.Add(1)
		go q.processJob(handler, job)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	for {
		err := handler(job.Payload)
		if err == nil {
			return
		}

		job.RetryCount++
		q.log.Warn().Err(err).Str("topic", job.Topic).
			Int("attempt", job.RetryCount).Int("max_retries", job.MaxRetries).
			Msg("subscriber failed")

		if job.RetryCount > job.MaxRetries {
			q.log.Error().Str("topic", job.Topic).Msg("dropping message after retries")
			return
		}

		time.Sleep(time.Duration(job.RetryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close waits for in-flight deliveries.
func (q *InMemoryQueue) Close() error {
	q.wg.Wait()
	return nil
}

// DecodeEvent accepts an event as published in-process or as a JSON body
// received from a broker.
func DecodeEvent(payload any) (model.BroadcastEvent, error) {
	switch p := payload.(type) {
	case model.BroadcastEvent:
		return p, nil
	case *model.BroadcastEvent:
		return *p, nil
	case []byte:
		var ev model.BroadcastEvent
		if err := json.Unmarshal(p, &ev); err != nil {
			return model.BroadcastEvent{}, fmt.Errorf("decode broadcast event: %w", err)
		}
		return ev, nil
	}
	return model.BroadcastEvent{}, fmt.Errorf("unexpected event payload %T", payload)
}

var _ Queue = (*InMemoryQueue)(nil)
