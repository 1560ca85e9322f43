package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/events"
)

func TestDecidePromotion(t *testing.T) {
	tests := []struct {
		name string
		sc   events.ScorecardData
		want PromotionAction
	}{
		{
			name: "pass low risk asks for approval",
			sc:   events.ScorecardData{Verdict: "PASS", RiskTier: "low", Iteration: 1},
			want: PromotionAction{Intent: "request_approval"},
		},
		{
			name: "pass medium risk asks for approval",
			sc:   events.ScorecardData{Verdict: "PASS", RiskTier: "medium", Iteration: 2},
			want: PromotionAction{Intent: "request_approval"},
		},
		{
			name: "pass high risk asks a human",
			sc:   events.ScorecardData{Verdict: "PASS", RiskTier: "high", Iteration: 1},
			want: PromotionAction{Intent: "request_human_decision"},
		},
		{
			name: "fail does nothing",
			sc:   events.ScorecardData{Verdict: "FAIL", RiskTier: "low", Iteration: 1},
			want: PromotionAction{},
		},
		{
			name: "iteration overflow opens an incident regardless of verdict",
			sc:   events.ScorecardData{Verdict: "PASS", RiskTier: "low", Iteration: 6},
			want: PromotionAction{OpenIncident: true, Category: "promotion_iteration_overflow"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecidePromotion(tt.sc, MaxPromotionIterations))
		})
	}
}

func TestRiskyDay(t *testing.T) {
	assert.False(t, RiskyDay(0, 0))
	assert.False(t, RiskyDay(5, 0))
	assert.False(t, RiskyDay(5, 3))
	assert.True(t, RiskyDay(2, 2))
	assert.True(t, RiskyDay(0, 1))
}

func TestNextState(t *testing.T) {
	// Active holds until the hysteresis threshold.
	assert.Equal(t, StateActive, NextState(StateActive, 0))
	assert.Equal(t, StateActive, NextState(StateActive, 2))
	assert.Equal(t, StateProbation, NextState(StateActive, 3))

	// Probation recovers on a clean day, sinks on a long streak.
	assert.Equal(t, StateActive, NextState(StateProbation, 0))
	assert.Equal(t, StateProbation, NextState(StateProbation, 4))
	assert.Equal(t, StateSunset, NextState(StateProbation, 5))

	// Sunset is terminal.
	assert.Equal(t, StateSunset, NextState(StateSunset, 0))
	assert.Equal(t, StateSunset, NextState(StateSunset, 9))
}

func TestBindings(t *testing.T) {
	b := Bindings(true)
	assert.Equal(t, []string{HandlerPromotion}, b(events.TypeScorecardRecorded))
	assert.Equal(t, []string{HandlerLifecycle}, b(events.TypeRunFailed))
	assert.Nil(t, b(events.TypeMessageCreated))

	disabled := Bindings(false)
	assert.Nil(t, disabled(events.TypeScorecardRecorded))
}
