package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// channel is the part of *amqp.Channel the queue uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPQueue publishes JSON payloads to a topic exchange. Each subscriber gets
// its own exclusive queue, so every process sees every event.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         channel
	exchange   string
	maxRetries int
	log        zerolog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := newAMQPQueue(ch, exchange, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newAMQPQueue(ch channel, exchange string, log zerolog.Logger) (*AMQPQueue, error) {
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPQueue{ch: ch, exchange: exchange, maxRetries: 3, log: log}, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.ch.Publish(q.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes topic in the background. The handler receives the raw
// JSON body as []byte.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.ch.QueueDeclare(
		"",    // name: server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue for %s: %w", topic, err)
	}
	if err := q.ch.QueueBind(queue.Name, topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue for %s: %w", topic, err)
	}
	msgs, err := q.ch.Consume(
		queue.Name,
		"",
		false, // autoAck = false for reliability
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.handle(topic, d, handler)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler func(payload any) error) {
	err := handler(d.Body)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	q.log.Warn().Err(err).Str("topic", topic).Int("attempt", retries+1).Msg("subscriber failed")
	if retries < q.maxRetries {
		if perr := q.publish(topic, d.Body, retries+1); perr != nil {
			// broker refused the copy; let it redeliver the original
			d.Nack(false, true)
			return
		}
	} else {
		q.log.Error().Str("topic", topic).Msg("dropping message after retries")
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Close stops consumers and closes the connection.
func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	q.wg.Wait()
	return err
}

var _ Queue = (*AMQPQueue)(nil)
