// Package events publishes order lifecycle events to a broker for
// downstream consumers. Publishing is best-effort; the order store stays
// the source of truth.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/example/deliverify/pkg/config"
	"github.com/example/deliverify/pkg/models"
	"github.com/example/deliverify/pkg/money"
	"go.uber.org/zap"
)

type Type string

const (
	OrderCreated       Type = "order.created"
	OrderPaid          Type = "order.paid"
	OrderPaymentFailed Type = "order.payment_failed"
	OrderAccepted      Type = "order.accepted"
	OrderStatusChanged Type = "order.status_changed"
	OrderDelivered     Type = "order.delivered"
	OrderCancelled     Type = "order.cancelled"
)

type Event struct {
	Type           Type               `json:"type"`
	OrderID        string             `json:"orderId"`
	UserID         string             `json:"userId"`
	Status         models.OrderStatus `json:"status"`
	TotalAmount    money.Cents        `json:"totalAmount"`
	DeliveryWorker string             `json:"deliveryWorker,omitempty"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

// FromOrder snapshots order for an event of type t.
func FromOrder(t Type, order *models.Order) Event {
	e := Event{
		Type:        t,
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		OccurredAt:  time.Now().UTC(),
	}
	if order.DeliveryWorkerID != nil {
		e.DeliveryWorker = *order.DeliveryWorkerID
	}
	return e
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

// New builds the publisher selected by events.driver.
func New(cfg *config.Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.Events.Driver {
	case "kafka":
		p, err := NewKafkaPublisher(&cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "rabbitmq":
		p, err := NewRabbitPublisher(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "none", "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Events.Driver)
	}
}
