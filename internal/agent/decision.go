package agent

import (
	"fmt"

	"github.com/atlas-desktop/trading-agent/internal/predictor"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// Action is what the agent does in one cycle.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side maps a trading action to an order side.
func (a Action) Side() types.OrderSide {
	if a == ActionSell {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Action        Action          `json:"action"`
	Quantity      int64           `json:"quantity"`
	Reason        string          `json:"reason"`
	ChangePercent decimal.Decimal `json:"changePercent"`
}

// DecisionRule holds the thresholds used by Decide. Thresholds are percents.
type DecisionRule struct {
	TradeQuantity    int64   `json:"tradeQuantity" mapstructure:"trade_quantity"`
	EntryThreshold   float64 `json:"entryThreshold" mapstructure:"entry_threshold"`
	ScaleInThreshold float64 `json:"scaleInThreshold" mapstructure:"scale_in_threshold"`
	ScaleInQuantity  int64   `json:"scaleInQuantity" mapstructure:"scale_in_quantity"`
}

// Decide turns a prediction and the current position into an action.
//
// Flat and a predicted rise above the entry threshold buys TradeQuantity.
// Long and any predicted fall sells the whole position. Long and a rise
// above the scale-in threshold adds ScaleInQuantity when that is set.
// Short positions are left alone.
func Decide(pred predictor.Prediction, pos *types.Position, rule DecisionRule) Decision {
	change := pred.ChangePercent()
	d := Decision{Action: ActionHold, ChangePercent: change.Round(4)}

	switch pos.Side() {
	case types.PositionSideFlat:
		if change.GreaterThan(decimal.NewFromFloat(rule.EntryThreshold)) && rule.TradeQuantity > 0 {
			d.Action = ActionBuy
			d.Quantity = rule.TradeQuantity
			d.Reason = fmt.Sprintf("predicted rise %s%% with no position", change.StringFixed(2))
			return d
		}
		d.Reason = fmt.Sprintf("predicted change %s%% does not justify entry", change.StringFixed(2))

	case types.PositionSideLong:
		if change.IsNegative() {
			d.Action = ActionSell
			d.Quantity = pos.AbsQuantity()
			d.Reason = fmt.Sprintf("predicted fall %s%%, exiting position", change.StringFixed(2))
			return d
		}
		if rule.ScaleInQuantity > 0 && change.GreaterThan(decimal.NewFromFloat(rule.ScaleInThreshold)) {
			d.Action = ActionBuy
			d.Quantity = rule.ScaleInQuantity
			d.Reason = fmt.Sprintf("strong predicted rise %s%%, adding to position", change.StringFixed(2))
			return d
		}
		d.Reason = fmt.Sprintf("holding %d shares, predicted change %s%%", pos.AbsQuantity(), change.StringFixed(2))

	case types.PositionSideShort:
		d.Reason = "short position is not managed by the agent"
	}
	return d
}
