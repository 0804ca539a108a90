package mexc

import (
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"

	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

func TestPairRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []types.Symbol{
		types.NewSymbol("BTC", "USDT"),
		types.NewSymbol("ETH", "USDC"),
		types.NewSymbol("SOL", "BTC"),
		types.NewSymbol("DOGE", "ETH"),
	}
	for _, want := range cases {
		pair := toPair(want)
		got, err := fromPair(pair)
		if err != nil {
			t.Fatalf("fromPair(%q): %v", pair, err)
		}
		if got != want {
			t.Errorf("round trip %q: got %v, want %v", pair, got, want)
		}
	}
}

func TestFromPairUnknownQuote(t *testing.T) {
	t.Parallel()
	if _, err := fromPair("BTCXYZQ"); err == nil {
		t.Fatal("expected error for unknown quote asset")
	}
}

func TestPairCacheEvictsOldest(t *testing.T) {
	t.Parallel()
	c := newPairCache(2)
	c.put("AUSDT", types.NewSymbol("A", "USDT"))
	c.put("BUSDT", types.NewSymbol("B", "USDT"))
	c.get("AUSDT") // refresh A
	c.put("CUSDT", types.NewSymbol("C", "USDT"))

	if _, ok := c.get("BUSDT"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.get("AUSDT"); !ok {
		t.Error("recently used entry evicted")
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()
	if got := mapStatus("PARTIALLY_CANCELED"); got != types.OrderStatusCanceled {
		t.Errorf("PARTIALLY_CANCELED -> %s, want CANCELED", got)
	}
	if got := mapStatus("something-new"); got != types.OrderStatusUnknown {
		t.Errorf("unmapped status -> %s, want UNKNOWN", got)
	}
}

func TestIntervalMapping(t *testing.T) {
	t.Parallel()
	w, err := mapInterval(types.Kline1h)
	if err != nil {
		t.Fatal(err)
	}
	if w != "60m" {
		t.Errorf("1h -> %q, want 60m", w)
	}
}

func TestPublicParserDepth(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"c": "spot@public.increase.depth.v3.api@BTCUSDT",
		"s": "BTCUSDT",
		"t": 1700000000000,
		"d": {"bids":[{"p":"43000.5","v":"0.25"}],"asks":[{"p":"43001.0","v":"0"}],"r":"123456"}
	}`)
	msg, err := publicParser{}.Parse(websocket.TextMessage, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Type != transport.MsgOrderbook {
		t.Fatalf("type = %s, want ORDERBOOK", msg.Type)
	}
	upd, ok := msg.Data.(*exchange.BookUpdate)
	if !ok {
		t.Fatalf("data type %T, want *BookUpdate", msg.Data)
	}
	if upd.UpdateID != 123456 {
		t.Errorf("update id = %d", upd.UpdateID)
	}
	if len(upd.Bids) != 1 || upd.Bids[0].Price != 43000.5 {
		t.Errorf("bids = %+v", upd.Bids)
	}
	// Zero-qty ask is a removal delta and must be preserved.
	if len(upd.Asks) != 1 || upd.Asks[0].Qty != 0 {
		t.Errorf("asks = %+v", upd.Asks)
	}
}

func TestPublicParserBookTicker(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"c": "spot@public.bookTicker.v3.api@ETHUSDT",
		"s": "ETHUSDT",
		"t": 1700000000001,
		"d": {"b":"2300.1","B":"5.5","a":"2300.2","A":"1.25"}
	}`)
	msg, err := publicParser{}.Parse(websocket.TextMessage, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bt, ok := msg.Data.(types.BookTicker)
	if !ok {
		t.Fatalf("data type %T, want BookTicker", msg.Data)
	}
	if bt.BidPrice != 2300.1 || bt.AskQty != 1.25 {
		t.Errorf("unexpected ticker %+v", bt)
	}
	if bt.Symbol != types.NewSymbol("ETH", "USDT") {
		t.Errorf("symbol = %v", bt.Symbol)
	}
}

func TestPublicParserPong(t *testing.T) {
	t.Parallel()
	msg, err := publicParser{}.Parse(websocket.TextMessage, []byte(`{"msg":"PONG"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Type != transport.MsgHeartbeat {
		t.Errorf("type = %s, want HEARTBEAT", msg.Type)
	}
}

func TestPrivateParserDropsBinaryFrames(t *testing.T) {
	t.Parallel()
	_, err := privateParser{}.Parse(websocket.BinaryMessage, []byte{0x0a, 0x03, 0x01})
	if err == nil {
		t.Fatal("binary frame must surface a parse error")
	}
}

func TestPrivateParserOrder(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"c": "spot@private.orders.v3.api",
		"s": "BTCUSDT",
		"t": 1700000000002,
		"d": {"i":"oid-1","p":"43000","v":"0.5","cv":"0.2","ap":"42999.5","s":3,"S":1,"o":1}
	}`)
	msg, err := privateParser{}.Parse(websocket.TextMessage, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	order, ok := msg.Data.(types.Order)
	if !ok {
		t.Fatalf("data type %T, want Order", msg.Data)
	}
	if order.Status != types.OrderStatusPartiallyFilled || order.Side != types.BUY {
		t.Errorf("unexpected order %+v", order)
	}
	if order.FilledQuantity != 0.2 {
		t.Errorf("filled = %v, want 0.2", order.FilledQuantity)
	}
}

func TestSubscribeMessageShape(t *testing.T) {
	t.Parallel()
	msgs, err := subStrategy{}.SubscribeMessages([]transport.Subscription{
		{Channel: chanDepth, Symbol: types.NewSymbol("BTC", "USDT")},
		{Channel: chanBookTicker, Symbol: types.NewSymbol("ETH", "USDT")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("want one batched frame, got %d", len(msgs))
	}
	raw, _ := json.Marshal(msgs[0])
	want := `{"method":"SUBSCRIPTION","params":["spot@public.increase.depth.v3.api@BTCUSDT","spot@public.bookTicker.v3.api@ETHUSDT"]}`
	if string(raw) != want {
		t.Errorf("frame = %s\nwant    %s", raw, want)
	}
}

func TestSignerHeaders(t *testing.T) {
	t.Parallel()
	s := &signer{apiKey: "key", secretKey: "secret"}
	h, err := s.Headers("GET", "/api/v3/account", "timestamp=1", "")
	if err != nil {
		t.Fatal(err)
	}
	if h["ApiKey"] != "key" {
		t.Errorf("ApiKey header = %q", h["ApiKey"])
	}
	if h["Request-Time"] == "" || h["Signature"] == "" {
		t.Error("missing Request-Time or Signature header")
	}
	if len(h["Signature"]) != 64 {
		t.Errorf("signature length %d, want 64 hex chars", len(h["Signature"]))
	}
}
