// Package stage labels transcript messages with the phase of the call they
// belong to, using an external language-model service.
package stage

import (
	"context"
	"errors"

	"github.com/zulandar/switchboard/internal/normalize"
)

// Stage is one label from the closed set of call phases.
type Stage string

const (
	GreetingIdentification Stage = "Greeting & Identification"
	RecipientVerification  Stage = "Recipient Verification"
	PurposeOfCall          Stage = "Purpose of Call"
	ClinicalSummary        Stage = "Clinical Summary"
	AuthorizationDetails   Stage = "Authorization Details"
	AdministrativeNote     Stage = "Administrative Note"
	ContactConfirmation    Stage = "Contact Confirmation"
	Closing                Stage = "Closing"
)

// Stages lists every valid label in call order.
var Stages = []Stage{
	GreetingIdentification,
	RecipientVerification,
	PurposeOfCall,
	ClinicalSummary,
	AuthorizationDetails,
	AdministrativeNote,
	ContactConfirmation,
	Closing,
}

// stageHints describes each stage for the classification prompt.
var stageHints = map[Stage]string{
	GreetingIdentification: "Initial hello, introductions, identifying who is speaking",
	RecipientVerification:  "Confirming the correct patient/recipient",
	PurposeOfCall:          "Explaining why the call is being made",
	ClinicalSummary:        "Medical details, diagnoses, conditions",
	AuthorizationDetails:   "Specific authorization numbers, services, approvals",
	AdministrativeNote:     "Documentation, paperwork, procedural information",
	ContactConfirmation:    "Verifying phone numbers, contact information",
	Closing:                "Ending the call, goodbyes",
}

// Valid reports whether s belongs to the closed label set.
func (s Stage) Valid() bool {
	_, ok := stageHints[s]
	return ok
}

// ErrInvalidLabel is returned when the service answers with a label outside
// the closed set or fails to label every message.
var ErrInvalidLabel = errors.New("stage: invalid classification")

// Entry is a transcript message tagged with its stage.
type Entry struct {
	normalize.Entry
	Stage Stage `json:"conversation_stage"`
}

// Transcript is the stage-classified transcript of one session.
type Transcript struct {
	SessionID    string  `json:"session_id"`
	MessageCount int     `json:"message_count"`
	Entries      []Entry `json:"transcript"`
}

// Classifier tags each transcript entry with exactly one Stage. The returned
// transcript preserves the order and content of the input entries.
type Classifier interface {
	Classify(ctx context.Context, sessionID string, entries []normalize.Entry) (*Transcript, error)
}
