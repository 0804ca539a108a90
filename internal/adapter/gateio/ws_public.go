package gateio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

const (
	chanDepth      = "order_book_update"
	chanBookTicker = "book_ticker"
	chanTrades     = "trades"

	depthFrequency = "100ms"
)

// wsFrame is the v4 envelope in both directions.
type wsFrame struct {
	Time    int64           `json:"time"`
	TimeMs  int64           `json:"time_ms,omitempty"`
	Channel string          `json:"channel"`
	Event   string          `json:"event,omitempty"`
	Payload []string        `json:"payload,omitempty"`
	Auth    *wsAuth         `json:"auth,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type wsAuth struct {
	Method string `json:"method"`
	Key    string `json:"KEY"`
	Sign   string `json:"SIGN"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// prefix is "spot" or "futures"; every channel name is prefix-qualified.
type subStrategy struct {
	prefix string
}

func (s subStrategy) frames(event string, subs []transport.Subscription) ([]any, error) {
	out := make([]any, 0, len(subs))
	for _, sub := range subs {
		payload := []string{toPair(sub.Symbol)}
		if sub.Channel == chanDepth {
			if s.prefix == "futures" {
				payload = append(payload, depthFrequency, "20")
			} else {
				payload = append(payload, depthFrequency)
			}
		}
		out = append(out, wsFrame{
			Time:    time.Now().Unix(),
			Channel: s.prefix + "." + sub.Channel,
			Event:   event,
			Payload: payload,
		})
	}
	return out, nil
}

func (s subStrategy) SubscribeMessages(subs []transport.Subscription) ([]any, error) {
	return s.frames("subscribe", subs)
}

func (s subStrategy) UnsubscribeMessages(subs []transport.Subscription) ([]any, error) {
	return s.frames("unsubscribe", subs)
}

func (subStrategy) ResubscribeOnReconnect() bool { return true }

// Result payload shapes.

type wsSpotDepth struct {
	T    int64      `json:"t"`
	Pair string     `json:"s"`
	U    int64      `json:"u"`
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
}

type wsFuturesDepth struct {
	T    int64              `json:"t"`
	Pair string             `json:"s"`
	U    int64              `json:"u"`
	Bids []wireFuturesLevel `json:"b"`
	Asks []wireFuturesLevel `json:"a"`
}

type wsBookTickerResult struct {
	T    int64  `json:"t"`
	Pair string `json:"s"`
	U    int64  `json:"u"`
	Bid  string `json:"b"`
	BidQ string `json:"B"`
	Ask  string `json:"a"`
	AskQ string `json:"A"`
}

// futures book ticker sizes are integer contract counts
type wsFuturesBookTicker struct {
	T    int64  `json:"t"`
	Pair string `json:"s"`
	U    int64  `json:"u"`
	Bid  string `json:"b"`
	BidQ int64  `json:"B"`
	Ask  string `json:"a"`
	AskQ int64  `json:"A"`
}

type wsSpotTrade struct {
	ID           int64  `json:"id"`
	CreateTimeMs string `json:"create_time_ms"`
	Side         string `json:"side"`
	Pair         string `json:"currency_pair"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
}

type wsFuturesTrade struct {
	ID           int64   `json:"id"`
	CreateTimeMs float64 `json:"create_time_ms"`
	Contract     string  `json:"contract"`
	Size         int64   `json:"size"`
	Price        string  `json:"price"`
}

// publicParser decodes public v4 frames for one market.
type publicParser struct {
	prefix  string
	futures bool
}

func (p publicParser) Parse(frameType int, data []byte) (transport.ParsedMessage, error) {
	if frameType == websocket.BinaryMessage {
		return transport.ParsedMessage{}, &errs.ParsingError{
			Exchange: "gateio", Channel: "binary",
			Cause: fmt.Errorf("unexpected binary frame"),
		}
	}

	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: p.prefix, Raw: string(data), Cause: err}
	}

	channel := shortChannel(frame.Channel)
	switch frame.Event {
	case "subscribe", "unsubscribe":
		if frame.Error != nil {
			return transport.ParsedMessage{}, &errs.SubscriptionError{Channel: frame.Channel, Message: frame.Error.Message}
		}
		return transport.ParsedMessage{Type: transport.MsgSubConfirm, Channel: channel}, nil
	case "update", "all":
	default:
		if channel == "pong" || channel == "ping" {
			return transport.ParsedMessage{Type: transport.MsgHeartbeat}, nil
		}
		return transport.ParsedMessage{Type: transport.MsgUnknown, Channel: channel}, nil
	}

	switch channel {
	case chanDepth:
		return p.parseDepth(frame, data)
	case chanBookTicker:
		return p.parseBookTicker(frame, data)
	case chanTrades:
		return p.parseTrade(frame, data)
	}
	return transport.ParsedMessage{Type: transport.MsgUnknown, Channel: channel}, nil
}

func (p publicParser) parseDepth(frame wsFrame, raw []byte) (transport.ParsedMessage, error) {
	if p.futures {
		var d wsFuturesDepth
		if err := json.Unmarshal(frame.Result, &d); err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanDepth, Raw: string(raw), Cause: err}
		}
		sym, _, err := fromContract(d.Pair)
		if err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanDepth, Raw: string(raw), Cause: err}
		}
		mult, _ := multiplierFor(d.Pair)
		if mult == 0 {
			mult = 1
		}
		return transport.ParsedMessage{
			Type:    transport.MsgOrderbook,
			Channel: chanDepth,
			Symbol:  sym,
			Data: &exchange.BookUpdate{
				Symbol:      sym,
				Bids:        futuresLevels(d.Bids, mult),
				Asks:        futuresLevels(d.Asks, mult),
				UpdateID:    d.U,
				TimestampMs: d.T,
			},
		}, nil
	}

	var d wsSpotDepth
	if err := json.Unmarshal(frame.Result, &d); err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanDepth, Raw: string(raw), Cause: err}
	}
	sym, err := fromPair(d.Pair)
	if err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanDepth, Raw: string(raw), Cause: err}
	}
	return transport.ParsedMessage{
		Type:    transport.MsgOrderbook,
		Channel: chanDepth,
		Symbol:  sym,
		Data: &exchange.BookUpdate{
			Symbol:      sym,
			Bids:        parseLevels(d.Bids),
			Asks:        parseLevels(d.Asks),
			UpdateID:    d.U,
			TimestampMs: d.T,
		},
	}, nil
}

func (p publicParser) parseBookTicker(frame wsFrame, raw []byte) (transport.ParsedMessage, error) {
	if p.futures {
		var d wsFuturesBookTicker
		if err := json.Unmarshal(frame.Result, &d); err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanBookTicker, Raw: string(raw), Cause: err}
		}
		sym, _, err := fromContract(d.Pair)
		if err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanBookTicker, Raw: string(raw), Cause: err}
		}
		mult, _ := multiplierFor(d.Pair)
		if mult == 0 {
			mult = 1
		}
		return transport.ParsedMessage{
			Type:    transport.MsgBookTicker,
			Channel: chanBookTicker,
			Symbol:  sym,
			Data: types.BookTicker{
				Symbol:      sym,
				BidPrice:    parseFloat(d.Bid),
				BidQty:      float64(d.BidQ) * mult,
				AskPrice:    parseFloat(d.Ask),
				AskQty:      float64(d.AskQ) * mult,
				TimestampMs: d.T,
			},
		}, nil
	}

	var d wsBookTickerResult
	if err := json.Unmarshal(frame.Result, &d); err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanBookTicker, Raw: string(raw), Cause: err}
	}
	sym, err := fromPair(d.Pair)
	if err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanBookTicker, Raw: string(raw), Cause: err}
	}
	return transport.ParsedMessage{
		Type:    transport.MsgBookTicker,
		Channel: chanBookTicker,
		Symbol:  sym,
		Data: types.BookTicker{
			Symbol:      sym,
			BidPrice:    parseFloat(d.Bid),
			BidQty:      parseFloat(d.BidQ),
			AskPrice:    parseFloat(d.Ask),
			AskQty:      parseFloat(d.AskQ),
			TimestampMs: d.T,
		},
	}, nil
}

func (p publicParser) parseTrade(frame wsFrame, raw []byte) (transport.ParsedMessage, error) {
	if p.futures {
		var batch []wsFuturesTrade
		if err := json.Unmarshal(frame.Result, &batch); err != nil || len(batch) == 0 {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanTrades, Raw: string(raw), Cause: err}
		}
		d := batch[len(batch)-1]
		sym, _, err := fromContract(d.Contract)
		if err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanTrades, Raw: string(raw), Cause: err}
		}
		mult, _ := multiplierFor(d.Contract)
		if mult == 0 {
			mult = 1
		}
		side := types.BUY
		size := d.Size
		if size < 0 {
			side = types.SELL
			size = -size
		}
		return transport.ParsedMessage{
			Type:    transport.MsgTrade,
			Channel: chanTrades,
			Symbol:  sym,
			Data: types.Trade{
				Symbol:      sym,
				Side:        side,
				Price:       parseFloat(d.Price),
				Quantity:    float64(size) * mult,
				TimestampMs: int64(d.CreateTimeMs),
				TradeID:     fmt.Sprintf("%d", d.ID),
			},
		}, nil
	}

	var d wsSpotTrade
	if err := json.Unmarshal(frame.Result, &d); err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanTrades, Raw: string(raw), Cause: err}
	}
	sym, err := fromPair(d.Pair)
	if err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanTrades, Raw: string(raw), Cause: err}
	}
	side := types.BUY
	if d.Side == "sell" {
		side = types.SELL
	}
	return transport.ParsedMessage{
		Type:    transport.MsgTrade,
		Channel: chanTrades,
		Symbol:  sym,
		Data: types.Trade{
			Symbol:      sym,
			Side:        side,
			Price:       parseFloat(d.Price),
			Quantity:    parseFloat(d.Amount),
			TimestampMs: int64(parseFloat(d.CreateTimeMs)),
			TradeID:     fmt.Sprintf("%d", d.ID),
		},
	}, nil
}

// shortChannel strips the market prefix: "spot.trades" -> "trades".
func shortChannel(channel string) string {
	for i := 0; i < len(channel); i++ {
		if channel[i] == '.' {
			return channel[i+1:]
		}
	}
	return channel
}

// PublicStream is one market-data connection for spot or futures.
type PublicStream struct {
	*transport.WSClient
}

func NewPublicStream(futures bool) func(config.ExchangeConfig, *slog.Logger) (exchange.PublicWS, error) {
	prefix := "spot"
	if futures {
		prefix = "futures"
	}
	return func(cfg config.ExchangeConfig, logger *slog.Logger) (exchange.PublicWS, error) {
		ws, err := transport.NewWSClient(transport.WSConfig{
			Exchange:          "gateio",
			URL:               transport.StaticURL(cfg.WebsocketURL),
			Parser:            publicParser{prefix: prefix, futures: futures},
			Subscription:      subStrategy{prefix: prefix},
			ConnectTimeout:    cfg.Websocket.ConnectTimeout,
			HeartbeatInterval: heartbeatOrDefault(cfg),
			Heartbeat: func() any {
				return wsFrame{Time: time.Now().Unix(), Channel: prefix + ".ping"}
			},
			ReconnectDelay:       cfg.Websocket.ReconnectDelay,
			ReconnectBackoff:     cfg.Websocket.ReconnectBackoff,
			MaxReconnectDelay:    cfg.Websocket.MaxReconnectDelay,
			MaxReconnectAttempts: cfg.Websocket.MaxReconnectAttempts,
			MaxMessageSize:       cfg.Websocket.MaxMessageSize,
			MaxQueueSize:         cfg.Websocket.MaxQueueSize,
			EnableCompression:    cfg.Websocket.EnableCompression,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &PublicStream{WSClient: ws}, nil
	}
}

func heartbeatOrDefault(cfg config.ExchangeConfig) time.Duration {
	if cfg.Websocket.HeartbeatInterval > 0 {
		return cfg.Websocket.HeartbeatInterval
	}
	return 15 * time.Second
}

func (s *PublicStream) SubscribeOrderBook(symbols ...types.Symbol) error {
	return s.Subscribe(toSubs(chanDepth, symbols))
}

func (s *PublicStream) UnsubscribeOrderBook(symbols ...types.Symbol) error {
	return s.Unsubscribe(toSubs(chanDepth, symbols))
}

func (s *PublicStream) SubscribeBookTicker(symbols ...types.Symbol) error {
	return s.Subscribe(toSubs(chanBookTicker, symbols))
}

func (s *PublicStream) UnsubscribeBookTicker(symbols ...types.Symbol) error {
	return s.Unsubscribe(toSubs(chanBookTicker, symbols))
}

func (s *PublicStream) SubscribeTrades(symbols ...types.Symbol) error {
	return s.Subscribe(toSubs(chanTrades, symbols))
}

func (s *PublicStream) UnsubscribeTrades(symbols ...types.Symbol) error {
	return s.Unsubscribe(toSubs(chanTrades, symbols))
}

func toSubs(channel string, symbols []types.Symbol) []transport.Subscription {
	out := make([]transport.Subscription, len(symbols))
	for i, sym := range symbols {
		out[i] = transport.Subscription{Channel: channel, Symbol: sym}
	}
	return out
}
