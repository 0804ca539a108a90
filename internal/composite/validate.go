package composite

import (
	"fmt"

	"github.com/shopspring/decimal"

	"crossarb/internal/errs"
	"crossarb/pkg/types"
)

// validateOrder enforces the symbol's trading rules before any wire
// call: price and quantity must sit on the venue's grid, quantity within
// min/max, and limit notional above the minimum. Checks run on decimals;
// callers size with TruncateToStep/TruncateToTick so float noise never
// reaches the wire.
func validateOrder(req types.OrderRequest, info types.SymbolInfo) error {
	if req.Quantity <= 0 {
		return &errs.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	qty := decimal.NewFromFloat(req.Quantity)
	if !onGrid(qty, info.Step, info.QtyPrecision) {
		return &errs.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("%v is not a multiple of step %v", req.Quantity, info.Step),
		}
	}
	if info.MinQuantity > 0 && req.Quantity < info.MinQuantity {
		return &errs.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("%v below minimum %v", req.Quantity, info.MinQuantity),
		}
	}
	if info.MaxQuantity > 0 && req.Quantity > info.MaxQuantity {
		return &errs.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("%v above maximum %v", req.Quantity, info.MaxQuantity),
		}
	}

	if req.OrderType == types.OrderTypeMarket {
		return nil
	}

	if req.Price <= 0 {
		return &errs.ValidationError{Field: "price", Message: "must be positive for limit orders"}
	}
	price := decimal.NewFromFloat(req.Price)
	if !onGrid(price, info.Tick, info.PricePrecision) {
		return &errs.ValidationError{
			Field:   "price",
			Message: fmt.Sprintf("%v is not a multiple of tick %v", req.Price, info.Tick),
		}
	}
	if info.MinNotional > 0 {
		notional := price.Mul(qty)
		if notional.LessThan(decimal.NewFromFloat(info.MinNotional)) {
			return &errs.ValidationError{
				Field:   "notional",
				Message: fmt.Sprintf("%s below minimum %v", notional.String(), info.MinNotional),
			}
		}
	}
	return nil
}

// onGrid reports whether v fits the wire precision and is an exact
// multiple of step.
func onGrid(v decimal.Decimal, step float64, precision int32) bool {
	if !v.Equal(v.Truncate(precision)) {
		return false
	}
	if step <= 0 {
		return true
	}
	s := decimal.NewFromFloat(step)
	if s.IsZero() {
		return true
	}
	return v.Mod(s).IsZero()
}

// TruncateToStep rounds qty down to the symbol's quantity grid. Helpers
// for strategy sizing: the result always passes validation (given it
// stays above the minimum).
func TruncateToStep(qty float64, info types.SymbolInfo) float64 {
	if info.Step <= 0 {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(info.Step)
	f, _ := d.Div(step).Floor().Mul(step).Truncate(info.QtyPrecision).Float64()
	return f
}

// TruncateToTick rounds price down to the symbol's price grid.
func TruncateToTick(price float64, info types.SymbolInfo) float64 {
	if info.Tick <= 0 {
		return price
	}
	d := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(info.Tick)
	f, _ := d.Div(tick).Floor().Mul(tick).Truncate(info.PricePrecision).Float64()
	return f
}
