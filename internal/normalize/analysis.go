package normalize

import (
	"encoding/json"
	"strings"
)

// Outcome is the tri-state call-success indicator.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// String returns "true", "false" or "unknown".
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "true"
	case OutcomeFailure:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes success and failure as JSON booleans and anything else
// as the string "unknown".
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case OutcomeSuccess:
		return []byte("true"), nil
	case OutcomeFailure:
		return []byte("false"), nil
	default:
		return []byte(`"unknown"`), nil
	}
}

// UnmarshalJSON accepts booleans and the provider's "success"/"failure"
// strings. Unrecognized values decode as OutcomeUnknown.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	*o = parseOutcome(data)
	return nil
}

func parseOutcome(data []byte) Outcome {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil && string(data) != "null" {
		if b {
			return OutcomeSuccess
		}
		return OutcomeFailure
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "success", "true":
			return OutcomeSuccess
		case "failure", "false":
			return OutcomeFailure
		}
	}
	return OutcomeUnknown
}

// CollectedField is one structured data-collection result from the provider.
type CollectedField struct {
	Value       any    `json:"value"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Rationale   string `json:"rationale"`
}

// Analysis is the normalized post-call analysis block.
type Analysis struct {
	Summary           string                    `json:"summary"`
	CallSuccessful    Outcome                   `json:"call_successful"`
	CollectedData     map[string]CollectedField `json:"collected_data"`
	EvaluationResults json.RawMessage           `json:"evaluation_results"`
}

type rawAnalysis struct {
	TranscriptSummary         *string                      `json:"transcript_summary"`
	CallSuccessful            json.RawMessage              `json:"call_successful"`
	DataCollectionResults     map[string]rawCollectedField `json:"data_collection_results"`
	EvaluationCriteriaResults json.RawMessage              `json:"evaluation_criteria_results"`
}

type rawCollectedField struct {
	Value      any `json:"value"`
	JSONSchema *struct {
		Type        *string `json:"type"`
		Description *string `json:"description"`
	} `json:"json_schema"`
	Rationale *string `json:"rationale"`
}

func extractAnalysis(ra *rawAnalysis) *Analysis {
	if ra == nil {
		ra = &rawAnalysis{}
	}
	a := &Analysis{
		Summary:           derefString(ra.TranscriptSummary, ""),
		CallSuccessful:    OutcomeUnknown,
		CollectedData:     make(map[string]CollectedField, len(ra.DataCollectionResults)),
		EvaluationResults: json.RawMessage("{}"),
	}
	if len(ra.CallSuccessful) > 0 {
		a.CallSuccessful = parseOutcome(ra.CallSuccessful)
	}
	if len(ra.EvaluationCriteriaResults) > 0 && string(ra.EvaluationCriteriaResults) != "null" {
		a.EvaluationResults = cloneRaw(ra.EvaluationCriteriaResults)
	}
	for key, item := range ra.DataCollectionResults {
		f := CollectedField{
			Value:     item.Value,
			Type:      "unknown",
			Rationale: derefString(item.Rationale, ""),
		}
		if item.JSONSchema != nil {
			f.Type = derefString(item.JSONSchema.Type, "unknown")
			f.Description = derefString(item.JSONSchema.Description, "")
		}
		a.CollectedData[key] = f
	}
	return a
}

// PatientInfo is the quick-reference subset of collected data surfaced in
// call summaries.
type PatientInfo struct {
	PatientName          any `json:"patient_name"`
	PatientDOB           any `json:"patient_dob"`
	PrimaryDiagnosis     any `json:"primary_diagnosis"`
	Comorbidities        any `json:"comorbidities"`
	TransportationNeeded any `json:"transportation_needed"`
}

// KeyPatientInfo pulls the well-known patient fields out of collected data,
// substituting defaults for fields that are absent or null.
func KeyPatientInfo(collected map[string]CollectedField) PatientInfo {
	value := func(key string, def any) any {
		f, ok := collected[key]
		if !ok || f.Value == nil {
			return def
		}
		return f.Value
	}
	return PatientInfo{
		PatientName:          value("patient_name", "Unknown"),
		PatientDOB:           value("patient_dob", "Unknown"),
		PrimaryDiagnosis:     value("primary_diagnosis", "Unknown"),
		Comorbidities:        value("comorbidities", "None"),
		TransportationNeeded: value("transportation_assistance", false),
	}
}
