package agent_test

import (
	"testing"

	"github.com/atlas-desktop/trading-agent/internal/agent"
	"github.com/atlas-desktop/trading-agent/internal/predictor"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func prediction(last, next string) predictor.Prediction {
	return predictor.Prediction{
		Ticker:             "AAPL",
		LastClose:          decimal.RequireFromString(last),
		PredictedNextClose: decimal.RequireFromString(next),
	}
}

func position(qty int64) *types.Position {
	if qty == 0 {
		return nil
	}
	return &types.Position{Symbol: "AAPL", Quantity: qty, AvgEntryPrice: decimal.NewFromInt(100)}
}

func TestDecide(t *testing.T) {
	rule := agent.DefaultConfig().Rule
	scaleIn := rule
	scaleIn.ScaleInQuantity = 5
	scaleIn.ScaleInThreshold = 3

	tests := []struct {
		name   string
		pred   predictor.Prediction
		pos    *types.Position
		rule   agent.DecisionRule
		action agent.Action
		qty    int64
	}{
		{"flat and rise buys", prediction("100", "105"), nil, rule, agent.ActionBuy, 10},
		{"flat and fall holds", prediction("100", "95"), nil, rule, agent.ActionHold, 0},
		{"flat and unchanged holds", prediction("100", "100"), nil, rule, agent.ActionHold, 0},
		{"long and fall sells all", prediction("100", "95"), position(10), rule, agent.ActionSell, 10},
		{"long and tiny fall sells all", prediction("100", "99.99"), position(25), rule, agent.ActionSell, 25},
		{"long and rise holds without scale-in", prediction("100", "110"), position(10), rule, agent.ActionHold, 0},
		{"long and strong rise scales in", prediction("100", "104"), position(10), scaleIn, agent.ActionBuy, 5},
		{"long and mild rise holds with scale-in", prediction("100", "102"), position(10), scaleIn, agent.ActionHold, 0},
		{"short is never traded", prediction("100", "90"), position(-10), rule, agent.ActionHold, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := agent.Decide(tt.pred, tt.pos, tt.rule)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.qty, d.Quantity)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideEntryThreshold(t *testing.T) {
	rule := agent.DecisionRule{TradeQuantity: 10, EntryThreshold: 1.5}

	d := agent.Decide(prediction("100", "101"), nil, rule)
	assert.Equal(t, agent.ActionHold, d.Action)

	d = agent.Decide(prediction("100", "102"), nil, rule)
	assert.Equal(t, agent.ActionBuy, d.Action)
	assert.True(t, d.ChangePercent.Equal(decimal.NewFromInt(2)))
}

func TestActionSide(t *testing.T) {
	assert.Equal(t, types.OrderSideBuy, agent.ActionBuy.Side())
	assert.Equal(t, types.OrderSideSell, agent.ActionSell.Side())
}
