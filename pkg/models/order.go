package models

import (
	"time"

	"github.com/example/deliverify/pkg/money"
)

type OrderStatus string

const (
	StatusPending       OrderStatus = "Pending"
	StatusPaid          OrderStatus = "Paid"
	StatusAccepted      OrderStatus = "Accepted"
	StatusPickedUp      OrderStatus = "Picked_up"
	StatusDelivered     OrderStatus = "Delivered"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusFailedPayment OrderStatus = "failedPayment"
	StatusReported      OrderStatus = "Reported"
)

// PaymentStatus mirrors the provider's vocabulary, kept apart from the
// business status.
type PaymentStatus string

const (
	PaymentOpen     PaymentStatus = "open"
	PaymentPaid     PaymentStatus = "paid"
	PaymentCanceled PaymentStatus = "canceled"
	PaymentFailed   PaymentStatus = "failed"
)

// transitions is the forward-only lifecycle graph. Terminal states have no
// entry.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:  {StatusPaid, StatusFailedPayment, StatusCancelled},
	StatusPaid:     {StatusAccepted, StatusCancelled},
	StatusAccepted: {StatusPickedUp, StatusReported, StatusCancelled},
	StatusPickedUp: {StatusDelivered, StatusReported, StatusCancelled},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusAccepted, StatusPickedUp,
		StatusDelivered, StatusCancelled, StatusFailedPayment, StatusReported:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether to is a legal next state of from.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists every state that may move directly to to. It is the
// expected-status set for a compare-and-swap update.
func Predecessors(to OrderStatus) []OrderStatus {
	var from []OrderStatus
	for _, s := range []OrderStatus{StatusPending, StatusPaid, StatusAccepted, StatusPickedUp} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

type Order struct {
	ID               string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID           string        `gorm:"type:varchar(36);not null;index:idx_orders_user_created,priority:1" json:"user"`
	Items            []OrderItem   `gorm:"serializer:json;type:text;not null" json:"items"`
	RestaurantID     *string       `gorm:"type:varchar(36)" json:"restaurant,omitempty"`
	Address          string        `gorm:"type:varchar(255)" json:"address,omitempty"`
	Notes            string        `gorm:"type:text" json:"notes,omitempty"`
	TotalAmount      money.Cents   `gorm:"not null" json:"totalAmount"`
	OTPConfirm       string        `gorm:"column:otp_confirm;type:varchar(12);not null" json:"otpConfirm,omitempty"`
	Status           OrderStatus   `gorm:"type:varchar(20);not null;default:'Pending';index" json:"status"`
	PaymentProvider  string        `gorm:"type:varchar(20);not null" json:"paymentProvider"`
	PaymentID        string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"paymentId"`
	PaymentStatus    PaymentStatus `gorm:"type:varchar(20);not null;default:'open'" json:"paymentStatus"`
	PaymentLink      string        `gorm:"type:varchar(512)" json:"paymentLink,omitempty"`
	PaidAt           *time.Time    `json:"paidAt,omitempty"`
	DeliveryWorkerID *string       `gorm:"type:varchar(36);index" json:"deliveryWorker,omitempty"`
	Version          int64         `gorm:"not null;default:1" json:"version"`
	CreatedAt        time.Time     `gorm:"index:idx_orders_user_created,priority:2,sort:desc" json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem is one cart line with the catalog price captured at order time.
type OrderItem struct {
	ItemID    string      `json:"itemId"`
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Cents `json:"unitPrice"`
}

// Redacted returns a copy safe to show anyone but the owner: the delivery
// code stays with the customer.
func (o *Order) Redacted() *Order {
	cp := *o
	cp.OTPConfirm = ""
	return &cp
}

func (o *Order) AssignedTo(workerID string) bool {
	return o.DeliveryWorkerID != nil && *o.DeliveryWorkerID == workerID
}
