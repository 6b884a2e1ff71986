package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// CallEvent is published on call lifecycle changes.
type CallEvent struct {
	CallID    string    `json:"call_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QualityFeedback carries end-user quality reports off the hot path. Category
// names the rated aspect (latency, audio, accuracy); score is the client's
// rating for it.
type QualityFeedback struct {
	SessionID string    `json:"session_id"`
	Category  string    `json:"category"`
	Score     float64   `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans call events out to an AMQP topic exchange. A nil Publisher
// is valid and drops everything, so event publishing never becomes a hard
// dependency of call handling.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *logrus.Entry
}

func NewPublisher(url, exchange string, logger *logrus.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to AMQP broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening AMQP channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &Publisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger.WithField("component", "event_publisher"),
	}, nil
}

// Publish sends one event. Failures are logged and swallowed; events are
// best-effort by design.
func (p *Publisher) Publish(routingKey string, payload interface{}) {
	if p == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.WithError(err).WithField("routing_key", routingKey).Warn("Failed to encode event")
		return
	}
	err = p.channel.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		p.logger.WithError(err).WithField("routing_key", routingKey).Warn("Failed to publish event")
	}
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
