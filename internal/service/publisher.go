package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/bingo-hall/internal/config"
	"github.com/iliyamo/bingo-hall/internal/queue"
)

// ErrPublisherBusy is returned when the outbound buffer is full.
var ErrPublisherBusy = errors.New("event publisher buffer full")

// AMQPPublisher forwards events to a durable RabbitMQ queue.  Publish only
// enqueues; Run owns the connection and delivers in enqueue order.
// Delivery is best effort: events are dropped while the broker is down.
type AMQPPublisher struct {
	url      string
	queue    string
	events   chan queue.GameEvent
	logger   *log.Logger
	cooldown time.Duration

	conn *amqp.Connection
	ch   *amqp.Channel
	down time.Time
}

// NewAMQPPublisher builds a publisher from the events config.
func NewAMQPPublisher(cfg config.EventsConfig, logger *log.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:      cfg.AMQPURL,
		queue:    cfg.QueueName,
		events:   make(chan queue.GameEvent, 1024),
		logger:   logger,
		cooldown: 5 * time.Second,
	}
}

// Publish enqueues ev for delivery.
func (p *AMQPPublisher) Publish(_ context.Context, ev queue.GameEvent) error {
	select {
	case p.events <- ev:
		return nil
	default:
		return ErrPublisherBusy
	}
}

// Run delivers queued events until ctx is cancelled.
func (p *AMQPPublisher) Run(ctx context.Context) {
	defer p.reset()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if err := p.send(ctx, ev); err != nil {
				p.logger.Warnj(log.JSON{"event": "amqp_publish_failed", "event_id": ev.ID,
					"type": string(ev.Type), "error": err.Error()})
			}
		}
	}
}

func (p *AMQPPublisher) send(ctx context.Context, ev queue.GameEvent) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = ch.PublishWithContext(pctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		p.reset()
	}
	return err
}

// channel returns the open channel, dialing when needed.  After a failed
// dial it refuses to redial until the cooldown passes.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if time.Since(p.down) < p.cooldown {
		return nil, errors.New("broker unavailable")
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.down = time.Now()
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.down = time.Now()
		return nil, err
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.down = time.Now()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
