package composite

import (
	"errors"
	"math"
	"testing"

	"crossarb/internal/errs"
	"crossarb/pkg/types"
)

var btcInfo = types.SymbolInfo{
	Symbol:         types.NewSymbol("BTC", "USDT"),
	PricePrecision: 2,
	QtyPrecision:   4,
	MinQuantity:    0.0001,
	MaxQuantity:    100,
	MinNotional:    5,
	Tick:           0.01,
	Step:           0.0001,
	IsActive:       true,
}

func limitReq(price, qty float64) types.OrderRequest {
	return types.OrderRequest{
		Symbol:    btcInfo.Symbol,
		Side:      types.BUY,
		OrderType: types.OrderTypeLimit,
		Price:     price,
		Quantity:  qty,
	}
}

func TestValidateOrderAccepts(t *testing.T) {
	t.Parallel()

	if err := validateOrder(limitReq(50000.25, 0.001), btcInfo); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}
}

func TestValidateOrderRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		req   types.OrderRequest
		field string
	}{
		{"zero quantity", limitReq(50000, 0), "quantity"},
		{"off step", limitReq(50000, 0.00015), "quantity"},
		{"below min qty", limitReq(50000, 0.00009), "quantity"},
		{"above max qty", limitReq(50000, 200), "quantity"},
		{"off tick", limitReq(50000.255, 0.001), "price"},
		{"zero price", limitReq(0, 0.001), "price"},
		{"below notional", limitReq(10, 0.001), "notional"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateOrder(tc.req, btcInfo)
			var vErr *errs.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if vErr.Field != tc.field {
				t.Fatalf("field = %s, want %s", vErr.Field, tc.field)
			}
		})
	}
}

func TestValidateMarketOrderSkipsPriceChecks(t *testing.T) {
	t.Parallel()

	req := types.OrderRequest{
		Symbol:    btcInfo.Symbol,
		Side:      types.SELL,
		OrderType: types.OrderTypeMarket,
		Quantity:  0.001,
	}
	if err := validateOrder(req, btcInfo); err != nil {
		t.Fatalf("market order rejected: %v", err)
	}
}

func TestTruncateHelpersLandOnGrid(t *testing.T) {
	t.Parallel()

	// 0.1+0.2 carries float noise that must not survive truncation.
	qty := TruncateToStep(0.1+0.2, btcInfo)
	if qty != 0.3 {
		t.Fatalf("qty = %v", qty)
	}
	price := TruncateToTick(50000.256, btcInfo)
	if math.Abs(price-50000.25) > 1e-9 {
		t.Fatalf("price = %v", price)
	}

	req := limitReq(price, qty)
	if err := validateOrder(req, btcInfo); err != nil {
		t.Fatalf("truncated order rejected: %v", err)
	}
}
