package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimGateway is an in-memory broker used for paper runs and tests.
// Market orders fill immediately at the mark price; resting stop and
// limit orders fill when SetMark crosses their trigger.
type SimGateway struct {
	logger *zap.Logger

	mu         sync.RWMutex
	marks      map[string]decimal.Decimal
	positions  map[string]*types.Position
	orders     map[string]*types.Order
	orderIDs   []string
	marketOpen bool

	failErr   error
	failCount int
}

// NewSimGateway creates a simulated broker with the market open.
func NewSimGateway(logger *zap.Logger) *SimGateway {
	return &SimGateway{
		logger:     logger.Named("sim-broker"),
		marks:      make(map[string]decimal.Decimal),
		positions:  make(map[string]*types.Position),
		orders:     make(map[string]*types.Order),
		marketOpen: true,
	}
}

// Name returns the adapter name.
func (s *SimGateway) Name() string { return "sim" }

// FailNext makes the next n gateway calls return err.
func (s *SimGateway) FailNext(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
	s.failCount = n
}

// SetMarketOpen sets the simulated market clock.
func (s *SimGateway) SetMarketOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketOpen = open
}

// SetPosition overwrites the position for ticker. A zero quantity clears it.
func (s *SimGateway) SetPosition(ticker string, qty int64, avgEntry decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qty == 0 {
		delete(s.positions, ticker)
		return
	}
	s.positions[ticker] = &types.Position{Symbol: ticker, Quantity: qty, AvgEntryPrice: avgEntry}
}

// SetMark updates the mark price and fills any resting order it triggers.
func (s *SimGateway) SetMark(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[ticker] = price

	for _, o := range s.sortedOrders() {
		if o.Symbol != ticker || !o.Status.IsOpen() || !triggered(o, price) {
			continue
		}
		fillPrice := price
		if o.Type == types.OrderTypeLimit {
			fillPrice = o.LimitPrice
		}
		s.fill(o, fillPrice)
	}
}

func triggered(o *types.Order, price decimal.Decimal) bool {
	switch o.Type {
	case types.OrderTypeStop:
		if o.Side == types.OrderSideSell {
			return price.LessThanOrEqual(o.StopPrice)
		}
		return price.GreaterThanOrEqual(o.StopPrice)
	case types.OrderTypeLimit:
		if o.Side == types.OrderSideSell {
			return price.GreaterThanOrEqual(o.LimitPrice)
		}
		return price.LessThanOrEqual(o.LimitPrice)
	}
	return false
}

// Orders returns a snapshot of every order, oldest first.
func (s *SimGateway) Orders() []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.sortedOrders() {
		out = append(out, *o)
	}
	return out
}

// OpenOrders returns a snapshot of resting orders for ticker, oldest first.
func (s *SimGateway) OpenOrders(ticker string) []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Order
	for _, o := range s.sortedOrders() {
		if o.Symbol == ticker && o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	return out
}

// GetPosition returns the open position for ticker, or nil when flat.
func (s *SimGateway) GetPosition(ctx context.Context, ticker string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	pos, ok := s.positions[ticker]
	if !ok {
		return nil, nil
	}
	posCopy := *pos
	return &posCopy, nil
}

// SubmitMarketOrder fills immediately at the mark price.
func (s *SimGateway) SubmitMarketOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", err
	}
	if qty <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive, got %d", ErrOrderRejected, qty)
	}
	mark, ok := s.marks[ticker]
	if !ok {
		if pos, held := s.positions[ticker]; held {
			mark = pos.AvgEntryPrice
		} else {
			return "", fmt.Errorf("%w: no mark price for %s", ErrOrderRejected, ticker)
		}
	}

	o := s.newOrder(types.OrderRequest{
		Symbol:      ticker,
		Side:        side,
		Type:        types.OrderTypeMarket,
		TimeInForce: types.TimeInForceDay,
		Quantity:    qty,
	})
	s.fill(o, mark)
	return o.ID, nil
}

// SubmitStopOrder rests a stop order.
func (s *SimGateway) SubmitStopOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, stopPrice decimal.Decimal, tif types.TimeInForce) (string, error) {
	return s.rest(ctx, types.OrderRequest{
		Symbol:      ticker,
		Side:        side,
		Type:        types.OrderTypeStop,
		TimeInForce: tif,
		Quantity:    qty,
		StopPrice:   stopPrice,
	})
}

// SubmitLimitOrder rests a limit order.
func (s *SimGateway) SubmitLimitOrder(ctx context.Context, ticker string, side types.OrderSide, qty int64, limitPrice decimal.Decimal, tif types.TimeInForce) (string, error) {
	return s.rest(ctx, types.OrderRequest{
		Symbol:      ticker,
		Side:        side,
		Type:        types.OrderTypeLimit,
		TimeInForce: tif,
		Quantity:    qty,
		LimitPrice:  limitPrice,
	})
}

func (s *SimGateway) rest(ctx context.Context, req types.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive, got %d", ErrOrderRejected, req.Quantity)
	}
	price := req.StopPrice
	if req.Type == types.OrderTypeLimit {
		price = req.LimitPrice
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("%w: %s price must be positive, got %s", ErrOrderRejected, req.Type, price)
	}

	o := s.newOrder(req)
	s.logger.Debug("Order resting",
		zap.String("orderId", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("type", string(o.Type)),
		zap.String("price", price.String()))
	return o.ID, nil
}

// CancelOrder cancels a resting order.
func (s *SimGateway) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok || !o.Status.IsOpen() {
		return fmt.Errorf("cancel order %s: %w", orderID, ErrOrderNotFound)
	}
	o.Status = types.OrderStatusCancelled
	return nil
}

// ListOpenOrders returns ids of resting orders for ticker.
func (s *SimGateway) ListOpenOrders(ctx context.Context, ticker string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	ids := []string{}
	for _, o := range s.sortedOrders() {
		if o.Symbol == ticker && o.Status.IsOpen() {
			ids = append(ids, o.ID)
		}
	}
	return ids, nil
}

// IsMarketOpen reports the simulated clock.
func (s *SimGateway) IsMarketOpen(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	return s.marketOpen, nil
}

// check consumes one injected failure. Caller holds mu.
func (s *SimGateway) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if s.failCount > 0 {
		s.failCount--
		return s.failErr
	}
	return nil
}

func (s *SimGateway) newOrder(req types.OrderRequest) *types.Order {
	o := &types.Order{
		ID:          uuid.New().String(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		Status:      types.OrderStatusAccepted,
		CreatedAt:   time.Now(),
	}
	s.orders[o.ID] = o
	s.orderIDs = append(s.orderIDs, o.ID)
	return o
}

// fill executes o at price and updates the position. Caller holds mu.
func (s *SimGateway) fill(o *types.Order, price decimal.Decimal) {
	o.Status = types.OrderStatusFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price

	delta := o.Quantity
	if o.Side == types.OrderSideSell {
		delta = -delta
	}

	pos, exists := s.positions[o.Symbol]
	if !exists {
		s.positions[o.Symbol] = &types.Position{Symbol: o.Symbol, Quantity: delta, AvgEntryPrice: price}
		return
	}

	newQty := pos.Quantity + delta
	switch {
	case newQty == 0:
		delete(s.positions, o.Symbol)
	case (pos.Quantity > 0) != (newQty > 0):
		// Flipped through flat: the remainder opens at the fill price.
		pos.Quantity = newQty
		pos.AvgEntryPrice = price
	case abs(newQty) > abs(pos.Quantity):
		// Adding to the position
		held := pos.AvgEntryPrice.Mul(decimal.NewFromInt(abs(pos.Quantity)))
		added := price.Mul(decimal.NewFromInt(abs(delta)))
		pos.Quantity = newQty
		pos.AvgEntryPrice = held.Add(added).Div(decimal.NewFromInt(abs(newQty)))
	default:
		pos.Quantity = newQty
	}

	s.logger.Debug("Order filled",
		zap.String("orderId", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Int64("qty", o.Quantity),
		zap.String("price", price.String()))
}

// sortedOrders returns orders in submission order. Caller holds mu.
func (s *SimGateway) sortedOrders() []*types.Order {
	out := make([]*types.Order, 0, len(s.orderIDs))
	for _, id := range s.orderIDs {
		out = append(out, s.orders[id])
	}
	return out
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
