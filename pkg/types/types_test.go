package types

import (
	"encoding/json"
	"sort"
	"testing"
)

func TestSymbolString(t *testing.T) {
	t.Parallel()
	spot := NewSymbol("BTC", "USDT")
	if got := spot.String(); got != "BTC/USDT" {
		t.Errorf("String() = %q, want BTC/USDT", got)
	}
	fut := NewFuturesSymbol("BTC", "USDT")
	if got := fut.String(); got != "BTC/USDT:FUT" {
		t.Errorf("String() = %q, want BTC/USDT:FUT", got)
	}
}

func TestParseSymbolRoundTrip(t *testing.T) {
	t.Parallel()
	for _, want := range []Symbol{
		NewSymbol("BTC", "USDT"),
		NewSymbol("ETH", "BTC"),
		NewFuturesSymbol("SOL", "USDC"),
	} {
		got, err := ParseSymbol(want.String())
		if err != nil {
			t.Fatalf("ParseSymbol(%q): %v", want.String(), err)
		}
		if got != want {
			t.Errorf("ParseSymbol(%q) = %+v, want %+v", want.String(), got, want)
		}
	}
	for _, bad := range []string{"", "BTCUSDT", "/USDT", "BTC/", "BTC/USDT:PERP"} {
		if _, err := ParseSymbol(bad); err == nil {
			t.Errorf("ParseSymbol(%q) accepted malformed input", bad)
		}
	}
}

func TestSymbolAsMapKey(t *testing.T) {
	t.Parallel()
	m := map[Symbol]int{}
	m[NewSymbol("ETH", "USDT")] = 1
	m[NewFuturesSymbol("ETH", "USDT")] = 2

	if m[NewSymbol("ETH", "USDT")] != 1 {
		t.Error("spot symbol did not hash structurally")
	}
	if m[NewFuturesSymbol("ETH", "USDT")] != 2 {
		t.Error("futures symbol did not hash structurally")
	}
}

func TestSymbolOrderingFuturesAfterSpot(t *testing.T) {
	t.Parallel()
	syms := []Symbol{
		NewFuturesSymbol("ADA", "USDT"),
		NewSymbol("ETH", "USDT"),
		NewSymbol("ADA", "USDT"),
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Less(syms[j]) })

	want := []string{"ADA/USDT", "ETH/USDT", "ADA/USDT:FUT"}
	for i, s := range syms {
		if s.String() != want[i] {
			t.Errorf("syms[%d] = %s, want %s", i, s, want[i])
		}
	}
}

func TestSymbolJSONRoundTrip(t *testing.T) {
	t.Parallel()
	orig := NewFuturesSymbol("SOL", "USDC")
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	var back Symbol
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != orig {
		t.Errorf("round trip = %+v, want %+v", back, orig)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled, OrderStatusUnknown}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderJSONRoundTrip(t *testing.T) {
	t.Parallel()
	orig := Order{
		OrderID:        "12345",
		Symbol:         NewSymbol("BTC", "USDT"),
		Side:           SELL,
		OrderType:      OrderTypeLimit,
		Price:          64000.5,
		Quantity:       0.25,
		FilledQuantity: 0.1,
		Status:         OrderStatusPartiallyFilled,
		TimestampMs:    1700000000000,
		ClientOrderID:  "c-1",
		Fee:            0.01,
		FeeAsset:       "USDT",
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	var back Order
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != orig {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, orig)
	}
}

func TestSideHelpers(t *testing.T) {
	t.Parallel()
	if BUY.Sign() != 1 || SELL.Sign() != -1 {
		t.Error("Sign() wrong")
	}
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite() wrong")
	}
}

func TestOrderBookTopOfBook(t *testing.T) {
	t.Parallel()
	ob := OrderBook{
		Symbol:      NewSymbol("BTC", "USDT"),
		Bids:        []PriceLevel{{Price: 100, Qty: 2}, {Price: 99, Qty: 5}},
		Asks:        []PriceLevel{{Price: 101, Qty: 3}},
		TimestampMs: 42,
	}
	bt := ob.TopOfBook()
	if bt.BidPrice != 100 || bt.BidQty != 2 || bt.AskPrice != 101 || bt.AskQty != 3 {
		t.Errorf("TopOfBook = %+v", bt)
	}
	if bt.MidPrice() != 100.5 {
		t.Errorf("MidPrice = %v, want 100.5", bt.MidPrice())
	}
}
