package models

import "time"

// CallSummary is the persisted digest of a completed call, keyed by session.
type CallSummary struct {
	SessionID         string  `gorm:"primaryKey;size:36"`
	CallID            string  `gorm:"size:128;index"`
	AgentID           string  `gorm:"size:128;index"`
	SourceSeq         uint64  `gorm:"not null"`
	DurationSecs      int     `gorm:"default:0"`
	DurationFormatted string  `gorm:"size:32"`
	TotalCostDollars  float64 `gorm:"default:0"`
	MessageCount      int     `gorm:"default:0"`
	TerminationReason string  `gorm:"size:128"`
	CallSuccessful    string  `gorm:"size:16;default:unknown"` // true, false, unknown
	Summary           string  `gorm:"type:text"`
	FeaturesUsed      string  `gorm:"type:text"` // JSON array of feature names
	PatientName       string  `gorm:"size:128"`
	PrimaryDiagnosis  string  `gorm:"size:256"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
