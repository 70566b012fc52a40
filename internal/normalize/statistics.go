package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CreditsPerUnit is the number of provider credits in one currency unit.
const CreditsPerUnit = 100000

// Generation categories aggregated into the per-model usage breakdown.
var usageCategories = []string{"irreversible_generation", "initiated_generation"}

// Costs is the cost breakdown of one call, in currency and raw credits.
type Costs struct {
	TotalCostDollars float64 `json:"total_cost_dollars"`
	CallCostDollars  float64 `json:"call_cost_dollars"`
	LLMCostDollars   float64 `json:"llm_cost_dollars"`
	TotalCostCredits float64 `json:"total_cost_credits"`
	CallCostCredits  float64 `json:"call_cost_credits"`
	LLMCostCredits   float64 `json:"llm_cost_credits"`
}

// ModelUsage aggregates token counts and price for one language model.
type ModelUsage struct {
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCost         float64 `json:"total_cost"`
}

// Statistics is the normalized call-metrics block.
type Statistics struct {
	CallDurationSecs      int                   `json:"call_duration_secs"`
	CallDurationFormatted string                `json:"call_duration_formatted"`
	StartTime             *time.Time            `json:"start_time"`
	TerminationReason     string                `json:"termination_reason"`
	MainLanguage          string                `json:"main_language"`
	Costs                 Costs                 `json:"costs"`
	LLMUsage              map[string]ModelUsage `json:"llm_usage"`
	FeaturesUsed          []string              `json:"features_used"`
}

type rawMetadata struct {
	StartTimeUnixSecs *float64                   `json:"start_time_unix_secs"`
	CallDurationSecs  *float64                   `json:"call_duration_secs"`
	Cost              *float64                   `json:"cost"`
	TerminationReason *string                    `json:"termination_reason"`
	MainLanguage      *string                    `json:"main_language"`
	Charging          *rawCharging               `json:"charging"`
	FeaturesUsage     map[string]json.RawMessage `json:"features_usage"`
}

type rawCharging struct {
	CallCharge *float64                 `json:"call_charge"`
	LLMCharge  *float64                 `json:"llm_charge"`
	LLMUsage   map[string]rawGeneration `json:"llm_usage"`
}

type rawGeneration struct {
	ModelUsage map[string]rawModelUsage `json:"model_usage"`
}

type rawModelUsage struct {
	Input       rawTokenPrice `json:"input"`
	OutputTotal rawTokenPrice `json:"output_total"`
}

type rawTokenPrice struct {
	Tokens float64 `json:"tokens"`
	Price  float64 `json:"price"`
}

func extractStatistics(md *rawMetadata) *Statistics {
	if md == nil {
		md = &rawMetadata{}
	}
	charging := md.Charging
	if charging == nil {
		charging = &rawCharging{}
	}

	duration := int(floatOr(md.CallDurationSecs, 0))
	totalCredits := floatOr(md.Cost, 0)
	callCredits := floatOr(charging.CallCharge, 0)
	llmCredits := floatOr(charging.LLMCharge, 0)

	stats := &Statistics{
		CallDurationSecs:      duration,
		CallDurationFormatted: FormatDuration(duration),
		TerminationReason:     derefString(md.TerminationReason, "Unknown"),
		MainLanguage:          derefString(md.MainLanguage, "Unknown"),
		Costs: Costs{
			TotalCostDollars: CreditsToDollars(totalCredits),
			CallCostDollars:  CreditsToDollars(callCredits),
			LLMCostDollars:   CreditsToDollars(llmCredits),
			TotalCostCredits: totalCredits,
			CallCostCredits:  callCredits,
			LLMCostCredits:   llmCredits,
		},
		LLMUsage:     aggregateLLMUsage(charging.LLMUsage),
		FeaturesUsed: ExtractFeaturesUsed(md.FeaturesUsage),
	}
	if md.StartTimeUnixSecs != nil && *md.StartTimeUnixSecs != 0 {
		start := time.Unix(int64(*md.StartTimeUnixSecs), 0).UTC()
		stats.StartTime = &start
	}
	return stats
}

func aggregateLLMUsage(usage map[string]rawGeneration) map[string]ModelUsage {
	out := make(map[string]ModelUsage)
	for _, category := range usageCategories {
		gen, ok := usage[category]
		if !ok {
			continue
		}
		for model, mu := range gen.ModelUsage {
			agg := out[model]
			agg.TotalInputTokens += int64(mu.Input.Tokens)
			agg.TotalOutputTokens += int64(mu.OutputTotal.Tokens)
			agg.TotalCost += mu.Input.Price + mu.OutputTotal.Price
			out[model] = agg
		}
	}
	return out
}

// CreditsToDollars converts provider credits to currency, rounded to four
// decimal places.
func CreditsToDollars(credits float64) float64 {
	return math.Round(credits/CreditsPerUnit*1e4) / 1e4
}

// FormatDuration renders seconds as "N seconds", "Mm Ss" or "Hh Mm Ss".
func FormatDuration(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d seconds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm %ds", seconds/3600, (seconds%3600)/60, seconds%60)
	}
}

// ExtractFeaturesUsed returns the human-readable names of features that were
// actually used: entries that are boolean true or objects with used=true.
// Names are sorted so the result does not depend on map order.
func ExtractFeaturesUsed(features map[string]json.RawMessage) []string {
	used := []string{}
	title := cases.Title(language.English)
	for name, raw := range features {
		if !featureUsed(raw) {
			continue
		}
		used = append(used, title.String(strings.ReplaceAll(name, "_", " ")))
	}
	sort.Strings(used)
	return used
}

func featureUsed(raw json.RawMessage) bool {
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return flag
	}
	var obj struct {
		Used bool `json:"used"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Used
	}
	return false
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
