package models

import (
	"time"

	"github.com/example/deliverify/pkg/money"
)

// Item is a catalog entry. The order core only reads it; its price is the
// pricing source of truth at purchase time.
type Item struct {
	ID           string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name         string      `gorm:"type:varchar(100);not null" json:"name"`
	Price        money.Cents `gorm:"not null;check:price >= 0" json:"price"`
	RestaurantID string      `gorm:"type:varchar(36);not null;index" json:"restaurant"`
	Available    bool        `gorm:"not null;default:true" json:"available"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func (Item) TableName() string {
	return "items"
}
