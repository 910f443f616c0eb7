package billing

import (
	"github.com/scrybeapp/scrybe/pkg/models"
)

// Plan describes a subscription tier: the minutes it grants per billing
// cycle and which fulfillment modes it covers.
type Plan struct {
	ID              string
	IncludedMinutes int
	Modes           []string
}

// Plans is the subscription catalog.
var Plans = map[string]Plan{
	"starter": {
		ID:              "starter",
		IncludedMinutes: 300,
		Modes:           []string{models.ModeAI},
	},
	"pro": {
		ID:              "pro",
		IncludedMinutes: 1200,
		Modes:           []string{models.ModeAI, models.ModeHybrid},
	},
	"business": {
		ID:              "business",
		IncludedMinutes: 3000,
		Modes:           []string{models.ModeAI, models.ModeHybrid, models.ModeHuman},
	},
}

// Wallet pricing per billed minute. Human transcription is priced at the
// per-minute rate charged for professional transcriptionists.
var creditsPerMinute = map[string]int{
	models.ModeAI:     10,
	models.ModeHybrid: 50,
	models.ModeHuman:  200,
}

// CreditsPerMinute returns the wallet cost of one billed minute for a mode.
func CreditsPerMinute(mode string) (int, bool) {
	rate, ok := creditsPerMinute[mode]
	return rate, ok
}

// PlanCoversMode reports whether the given plan may fund the given mode from
// subscription minutes.
func PlanCoversMode(planID, mode string) bool {
	plan, ok := Plans[planID]
	if !ok {
		return false
	}
	for _, m := range plan.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// BilledMinutes rounds a duration up to whole minutes with a one minute
// floor, matching billing conventions. Zero or negative durations bill the
// minimum.
func BilledMinutes(durationSeconds int) int {
	if durationSeconds <= 60 {
		return 1
	}
	minutes := durationSeconds / 60
	if durationSeconds%60 != 0 {
		minutes++
	}
	return minutes
}
