package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/engine"
	"github.com/uhyunpark/papertrade/pkg/util"
)

// MessageWriter is the part of *kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderEvent is the JSON record published for every order state change
type OrderEvent struct {
	Type      string        `json:"type"`
	OrderID   string        `json:"orderId"`
	UserID    string        `json:"userId"`
	Symbol    string        `json:"symbol"`
	Side      string        `json:"side"`
	Kind      string        `json:"kind"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Quantity  string        `json:"quantity"`
	Price     string        `json:"price,omitempty"`
	Fill      *account.Fill `json:"fill,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func NewOrderEvent(ev engine.Event) OrderEvent {
	o := ev.Order
	out := OrderEvent{
		Type:      string(ev.Type),
		OrderID:   o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      o.Side.String(),
		Kind:      o.Kind.String(),
		Status:    o.Status.String(),
		Reason:    o.Reason,
		Quantity:  o.Quantity.String(),
		Fill:      ev.Fill,
		Timestamp: o.UpdatedAt,
	}
	if o.Kind != account.Market {
		out.Price = o.Price.String()
	}
	return out
}

// NewWriter builds a kafka writer for the given brokers and topic
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaPublisher streams order events to Kafka, keyed by user id so one
// user's events stay ordered within a partition. Handle never blocks the
// caller: events go through a bounded queue drained after Start.
type KafkaPublisher struct {
	writer MessageWriter
	queue  chan kafka.Message
	log    *zap.SugaredLogger

	dropped atomic.Uint64
	started atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func NewKafkaPublisher(w MessageWriter, buffer int, log *zap.SugaredLogger) *KafkaPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaPublisher{
		writer: w,
		queue:  make(chan kafka.Message, buffer),
		log:    util.OrNop(log),
		done:   make(chan struct{}),
	}
}

// Handle enqueues an engine event. It is registered with Engine.OnEvent.
func (p *KafkaPublisher) Handle(ev engine.Event) {
	msg, err := p.message(ev)
	if err != nil {
		p.log.Warnw("order_event_encode_failed", "order_id", ev.Order.ID, "err", err)
		return
	}
	select {
	case p.queue <- msg:
	default:
		n := p.dropped.Add(1)
		p.log.Warnw("order_event_dropped", "order_id", ev.Order.ID, "dropped_total", n)
	}
}

func (p *KafkaPublisher) message(ev engine.Event) (kafka.Message, error) {
	payload, err := json.Marshal(NewOrderEvent(ev))
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal order event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Order.UserID),
		Value: payload,
		Time:  ev.Order.UpdatedAt,
	}, nil
}

// Dropped counts events discarded because the queue was full
func (p *KafkaPublisher) Dropped() uint64 { return p.dropped.Load() }

// Start drains the queue in the background until ctx is done, then flushes
// what is left
func (p *KafkaPublisher) Start(ctx context.Context) {
	p.started.Store(true)
	go p.run(ctx)
}

func (p *KafkaPublisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case msg := <-p.queue:
			batch := []kafka.Message{msg}
		fill:
			for len(batch) < 100 {
				select {
				case m := <-p.queue:
					batch = append(batch, m)
				default:
					break fill
				}
			}
			p.write(ctx, batch)
		}
	}
}

func (p *KafkaPublisher) flush() {
	var batch []kafka.Message
	for {
		select {
		case m := <-p.queue:
			batch = append(batch, m)
		default:
			if len(batch) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.write(ctx, batch)
				cancel()
			}
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, batch []kafka.Message) {
	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		p.log.Errorw("order_events_write_failed", "count", len(batch), "err", err)
		return
	}
	p.log.Debugw("order_events_written", "count", len(batch))
}

// Close waits for the drain loop to flush and closes the writer
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		if p.started.Load() {
			<-p.done
		}
		err = p.writer.Close()
	})
	return err
}
