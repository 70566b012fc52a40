package models

import "time"

// WebhookDelivery records one authenticated provider callback and how it was
// correlated. Misses are recorded with an empty SessionID.
type WebhookDelivery struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Seq        uint64    `gorm:"not null;index"`
	Type       string    `gorm:"size:64;not null;index"`
	CallID     string    `gorm:"size:128;index"`
	AgentID    string    `gorm:"size:128"`
	SessionID  string    `gorm:"size:36;index"`
	Method     string    `gorm:"size:16;not null"` // exact, agent, recency, none
	Payload    string    `gorm:"type:text"`
	ReceivedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}
