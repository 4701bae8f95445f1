package notify

import (
	"fmt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/deliverify/pkg/models"
	"go.uber.org/zap"
)

// Messages handled by the dispatch actor.
type notifyUser struct {
	UserID  string
	Event   Event
	Payload interface{}
}

type notifyPool struct {
	Order *models.Order
}

// dispatchActor serializes fan-out so a slow socket write never holds up a
// request handler.
type dispatchActor struct {
	hub    *Hub
	logger *zap.Logger
}

func (a *dispatchActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *notifyUser:
		if !a.hub.NotifyUser(msg.UserID, msg.Event, msg.Payload) {
			a.logger.Debug("user offline, event dropped",
				zap.String("user_id", msg.UserID),
				zap.String("event", string(msg.Event)))
		}

	case *notifyPool:
		sent := a.hub.NotifyDeliveryPool(msg.Order)
		a.logger.Debug("delivery pool notified",
			zap.String("order_id", msg.Order.ID),
			zap.Int("recipients", sent))

	case *actor.Started:
		a.logger.Info("Notification dispatcher started")

	case *actor.Stopped:
		a.logger.Info("Notification dispatcher stopped")
	}
}

// Dispatcher implements Notifier on top of a protoactor mailbox.
type Dispatcher struct {
	system *actor.ActorSystem
	pid    *actor.PID
	logger *zap.Logger
}

func NewDispatcher(hub *Hub, logger *zap.Logger) (*Dispatcher, error) {
	logger = logger.Named("dispatcher")
	system := actor.NewActorSystem()

	props := actor.PropsFromProducer(func() actor.Actor {
		return &dispatchActor{hub: hub, logger: logger}
	})
	pid, err := system.Root.SpawnNamed(props, "notification-dispatcher")
	if err != nil {
		return nil, fmt.Errorf("failed to spawn notification dispatcher: %w", err)
	}

	return &Dispatcher{system: system, pid: pid, logger: logger}, nil
}

func (d *Dispatcher) NotifyUser(userID string, event Event, payload interface{}) {
	d.system.Root.Send(d.pid, &notifyUser{UserID: userID, Event: event, Payload: payload})
}

func (d *Dispatcher) NotifyDeliveryPool(order *models.Order) {
	if order == nil {
		return
	}
	d.system.Root.Send(d.pid, &notifyPool{Order: order})
}

// Stop drains queued notifications and stops the actor.
func (d *Dispatcher) Stop() {
	if err := d.system.Root.PoisonFuture(d.pid).Wait(); err != nil {
		d.logger.Warn("dispatcher stop", zap.Error(err))
	}
}
