package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the queue Publisher publishes to if none is given.
const DefaultQueue = "emailauth.email"

// Channel is the subset of *amqp.Channel used by Publisher.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes emails as JSON encoded Messages to a durable RabbitMQ
// queue, to be delivered by an external mailer.
type Publisher struct {
	conn  *amqp.Connection // nil if created by NewPublisher
	ch    Channel
	queue string
	from  string
}

// DialPublisher connects to the broker at url and returns a Publisher
// publishing to queue.
func DialPublisher(url, queue, from string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open: %w", err)
	}
	p, err := NewPublisher(ch, queue, from)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher returns a Publisher over an open channel, declaring the queue.
func NewPublisher(ch Channel, queue, from string) (*Publisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return &Publisher{ch: ch, queue: queue, from: from}, nil
}

// Send publishes an email. It has the signature of emailauth.SendEmailFunc.
func (p *Publisher) Send(ctx context.Context, to, subject, body string) error {
	now := time.Now().UTC()
	data, err := json.Marshal(Message{From: p.from, To: to, Subject: subject, Body: body, Created: now})
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         data,
	}
	if err := p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Close closes the channel, and the connection if the Publisher was dialed.
func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
