package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Exchange is the topic exchange events are published to
const Exchange = "mirapay.events"

// Sink forwards events somewhere outside the process
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close()
}

// AMQPSink publishes events to a durable RabbitMQ topic exchange, routing key = kind
type AMQPSink struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	log     logrus.FieldLogger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// DialAMQP connects and declares the exchange
func DialAMQP(rawURL string, log logrus.FieldLogger) (*AMQPSink, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPSink{conn: conn, channel: ch, log: log}, nil
}

// Send publishes one event, reopening the channel once on failure
func (s *AMQPSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   e.ID,
		Timestamp:   e.OccurredAt,
		Body:        body,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.PublishWithContext(ctx, Exchange, string(e.Kind), false, false, msg)
	if err == nil {
		return nil
	}
	s.log.WithError(err).WithField("kind", e.Kind).Warn("publish failed, reopening channel")
	ch, chErr := s.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	s.channel = ch
	return s.channel.PublishWithContext(ctx, Exchange, string(e.Kind), false, false, msg)
}

// Close closes the channel and connection
func (s *AMQPSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// LogSink only logs events; used when no broker is configured
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Send(_ context.Context, e Event) error {
	s.Log.WithFields(logrus.Fields{
		"kind":       e.Kind,
		"event_id":   e.ID,
		"user_id":    e.UserID,
		"account_id": e.AccountID,
	}).Info("event")
	return nil
}

func (LogSink) Close() {}

// Forward returns a bus Handler that hands every event to sink with a timeout
func Forward(sink Sink, timeout time.Duration, log logrus.FieldLogger) Handler {
	return func(e Event) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sink.Send(ctx, e); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"kind": e.Kind, "event_id": e.ID}).Error("failed to forward event")
		}
	}
}
