package normalize

import "unicode/utf8"

// MaxSummaryRunes is the longest analysis summary carried in realtime
// updates before truncation.
const MaxSummaryRunes = 200

// Ellipsis marks a truncated summary.
const Ellipsis = "..."

// Summary is the compact digest pushed to realtime subscribers after a
// post-call transcription is processed.
type Summary struct {
	MessageCount int     `json:"message_count"`
	CallDuration string  `json:"call_duration"`
	TotalCost    float64 `json:"total_cost"`
	CallSummary  string  `json:"call_summary"`
}

// Summarize builds the realtime digest from a normalized result. Missing
// blocks fall back to zero values and "N/A" for the duration.
func Summarize(res *Result) Summary {
	s := Summary{CallDuration: "N/A"}
	if res == nil {
		return s
	}
	if res.Transcript != nil {
		s.MessageCount = res.Transcript.MessageCount
	}
	if res.Statistics != nil {
		s.CallDuration = res.Statistics.CallDurationFormatted
		s.TotalCost = res.Statistics.Costs.TotalCostDollars
	}
	if res.Analysis != nil {
		s.CallSummary = Truncate(res.Analysis.Summary, MaxSummaryRunes)
	}
	return s
}

// Truncate shortens s to max runes and appends Ellipsis when anything was
// cut. Strings of max runes or fewer are returned unchanged.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + Ellipsis
}
