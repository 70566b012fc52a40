// Package audit persists authenticated webhook deliveries and completed-call
// summaries. Recording is best-effort: callers log failures and move on.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/normalize"
	"github.com/zulandar/switchboard/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultRecentLimit is the number of deliveries Recent returns when asked
// for zero or fewer.
const DefaultRecentLimit = 50

// Delivery describes one authenticated callback and its correlation.
type Delivery struct {
	Seq        uint64
	Type       string
	CallID     string
	AgentID    string
	SessionID  string
	Method     string
	Payload    []byte
	ReceivedAt time.Time
}

// Recorder writes audit rows through GORM.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates a Recorder over an already-migrated database.
func NewRecorder(db *gorm.DB) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: db is required")
	}
	return &Recorder{db: db}, nil
}

// RecordDelivery stores one delivery row.
func (r *Recorder) RecordDelivery(ctx context.Context, d Delivery) error {
	row := models.WebhookDelivery{
		Seq:        d.Seq,
		Type:       d.Type,
		CallID:     d.CallID,
		AgentID:    d.AgentID,
		SessionID:  d.SessionID,
		Method:     d.Method,
		Payload:    string(d.Payload),
		ReceivedAt: d.ReceivedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("audit: record delivery %d: %w", d.Seq, err)
	}
	return nil
}

// RecordSummary upserts the call summary for a session from its derived
// data. Failed derivations are skipped.
func (r *Recorder) RecordSummary(ctx context.Context, rec session.Record) error {
	d := rec.Derived
	if d == nil || d.Failed() {
		return nil
	}
	row := models.CallSummary{
		SessionID:      rec.ID,
		CallID:         rec.CallID,
		AgentID:        rec.AgentID,
		SourceSeq:      d.SourceSeq,
		CallSuccessful: normalize.OutcomeUnknown.String(),
		FeaturesUsed:   "[]",
	}
	if d.Transcript != nil {
		row.MessageCount = d.Transcript.MessageCount
	}
	if st := d.Statistics; st != nil {
		row.DurationSecs = st.CallDurationSecs
		row.DurationFormatted = st.CallDurationFormatted
		row.TotalCostDollars = st.Costs.TotalCostDollars
		row.TerminationReason = st.TerminationReason
		if st.FeaturesUsed != nil {
			b, _ := json.Marshal(st.FeaturesUsed)
			row.FeaturesUsed = string(b)
		}
	}
	if a := d.Analysis; a != nil {
		row.Summary = a.Summary
		row.CallSuccessful = a.CallSuccessful.String()
		info := normalize.KeyPatientInfo(a.CollectedData)
		row.PatientName = fmt.Sprint(info.PatientName)
		row.PrimaryDiagnosis = fmt.Sprint(info.PrimaryDiagnosis)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"call_id", "agent_id", "source_seq", "duration_secs", "duration_formatted",
			"total_cost_dollars", "message_count", "termination_reason", "call_successful",
			"summary", "features_used", "patient_name", "primary_diagnosis", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("audit: record summary for %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns the newest deliveries first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	var rows []models.WebhookDelivery
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: recent deliveries: %w", err)
	}
	return rows, nil
}

// Summary returns the stored call summary for a session.
func (r *Recorder) Summary(ctx context.Context, sessionID string) (*models.CallSummary, error) {
	var row models.CallSummary
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error; err != nil {
		return nil, fmt.Errorf("audit: summary for %s: %w", sessionID, err)
	}
	return &row, nil
}
