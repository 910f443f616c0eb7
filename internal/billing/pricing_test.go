package billing

import (
	"testing"

	"github.com/scrybeapp/scrybe/pkg/models"
)

func TestBilledMinutes(t *testing.T) {
	tests := []struct {
		name            string
		durationSeconds int
		want            int
	}{
		{"zero bills the minimum", 0, 1},
		{"negative bills the minimum", -5, 1},
		{"under a minute rounds up to one", 30, 1},
		{"exactly one minute", 60, 1},
		{"just over a minute", 61, 2},
		{"exact multiple", 600, 10},
		{"partial last minute rounds up", 601, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BilledMinutes(tt.durationSeconds); got != tt.want {
				t.Errorf("BilledMinutes(%d) = %d, want %d", tt.durationSeconds, got, tt.want)
			}
		})
	}
}

func TestCreditsPerMinute(t *testing.T) {
	if rate, ok := CreditsPerMinute(models.ModeHuman); !ok || rate != 200 {
		t.Errorf("human rate = %d, %v; want 200, true", rate, ok)
	}
	if _, ok := CreditsPerMinute("smoke-signals"); ok {
		t.Error("expected unknown mode to be rejected")
	}
}

func TestPlanCoversMode(t *testing.T) {
	if !PlanCoversMode("starter", models.ModeAI) {
		t.Error("starter should cover ai")
	}
	if PlanCoversMode("starter", models.ModeHuman) {
		t.Error("starter should not cover human")
	}
	if !PlanCoversMode("business", models.ModeHuman) {
		t.Error("business should cover human")
	}
	if PlanCoversMode("no-such-plan", models.ModeAI) {
		t.Error("unknown plan should not cover anything")
	}
}
