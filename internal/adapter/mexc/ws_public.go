package mexc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

// Stream name templates of the spot v3 protocol.
const (
	streamDepth      = "spot@public.increase.depth.v3.api"
	streamBookTicker = "spot@public.bookTicker.v3.api"
	streamDeals      = "spot@public.deals.v3.api"

	chanDepth      = "depth"
	chanBookTicker = "bookTicker"
	chanDeals      = "deals"
)

var streamByChannel = map[string]string{
	chanDepth:      streamDepth,
	chanBookTicker: streamBookTicker,
	chanDeals:      streamDeals,
}

// wsCommand is the subscription envelope: {"method": ..., "params": [...]}.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

// subStrategy batches all streams into one SUBSCRIPTION frame.
type subStrategy struct{}

func (subStrategy) SubscribeMessages(subs []transport.Subscription) ([]any, error) {
	return []any{wsCommand{Method: "SUBSCRIPTION", Params: streamNames(subs)}}, nil
}

func (subStrategy) UnsubscribeMessages(subs []transport.Subscription) ([]any, error) {
	return []any{wsCommand{Method: "UNSUBSCRIPTION", Params: streamNames(subs)}}, nil
}

func (subStrategy) ResubscribeOnReconnect() bool { return true }

func streamNames(subs []transport.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		tmpl, ok := streamByChannel[s.Channel]
		if !ok {
			continue
		}
		out = append(out, tmpl+"@"+toPair(s.Symbol))
	}
	return out
}

// wsEnvelope is the public data frame: c=channel, s=pair, t=timestamp.
type wsEnvelope struct {
	Channel string          `json:"c"`
	Symbol  string          `json:"s"`
	Time    int64           `json:"t"`
	Data    json.RawMessage `json:"d"`
	Msg     string          `json:"msg"`
	Code    *int            `json:"code"`
}

type wsDepthLevel struct {
	Price string `json:"p"`
	Qty   string `json:"v"`
}

type wsDepthData struct {
	Bids    []wsDepthLevel `json:"bids"`
	Asks    []wsDepthLevel `json:"asks"`
	Version string         `json:"r"`
}

type wsBookTickerData struct {
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

type wsDealsData struct {
	Deals []struct {
		Price string `json:"p"`
		Qty   string `json:"v"`
		Side  int    `json:"S"` // 1 buy, 2 sell
		Time  int64  `json:"t"`
	} `json:"deals"`
}

// publicParser decodes public spot v3 frames.
type publicParser struct{}

func (publicParser) Parse(frameType int, data []byte) (transport.ParsedMessage, error) {
	if frameType == websocket.BinaryMessage {
		return transport.ParsedMessage{}, &errs.ParsingError{
			Exchange: "mexc", Channel: "binary",
			Cause: fmt.Errorf("unexpected binary frame on public stream"),
		}
	}

	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: "public", Raw: string(data), Cause: err}
	}

	// Control frames: PONG and subscription acks arrive as {code, msg}.
	if env.Channel == "" {
		if env.Msg == "PONG" {
			return transport.ParsedMessage{Type: transport.MsgHeartbeat}, nil
		}
		if env.Code != nil {
			if *env.Code != 0 {
				return transport.ParsedMessage{}, &errs.SubscriptionError{Channel: env.Msg, Message: fmt.Sprintf("code %d", *env.Code)}
			}
			return transport.ParsedMessage{Type: transport.MsgSubConfirm, Channel: env.Msg}, nil
		}
		return transport.ParsedMessage{Type: transport.MsgUnknown}, nil
	}

	sym, err := fromPair(env.Symbol)
	if err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: env.Channel, Raw: string(data), Cause: err}
	}

	switch {
	case strings.HasPrefix(env.Channel, streamDepth):
		var d wsDepthData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: chanDepth, Raw: string(data), Cause: err}
		}
		version, _ := strconv.ParseInt(d.Version, 10, 64)
		return transport.ParsedMessage{
			Type:    transport.MsgOrderbook,
			Channel: chanDepth,
			Symbol:  sym,
			Data: &exchange.BookUpdate{
				Symbol:      sym,
				Bids:        convertLevels(d.Bids),
				Asks:        convertLevels(d.Asks),
				UpdateID:    version,
				TimestampMs: env.Time,
			},
		}, nil

	case strings.HasPrefix(env.Channel, streamBookTicker):
		var d wsBookTickerData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: chanBookTicker, Raw: string(data), Cause: err}
		}
		return transport.ParsedMessage{
			Type:    transport.MsgBookTicker,
			Channel: chanBookTicker,
			Symbol:  sym,
			Data: types.BookTicker{
				Symbol:      sym,
				BidPrice:    parseFloat(d.BidPrice),
				BidQty:      parseFloat(d.BidQty),
				AskPrice:    parseFloat(d.AskPrice),
				AskQty:      parseFloat(d.AskQty),
				TimestampMs: env.Time,
			},
		}, nil

	case strings.HasPrefix(env.Channel, streamDeals):
		var d wsDealsData
		if err := json.Unmarshal(env.Data, &d); err != nil || len(d.Deals) == 0 {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: chanDeals, Raw: string(data), Cause: err}
		}
		deal := d.Deals[len(d.Deals)-1]
		side := types.BUY
		if deal.Side == 2 {
			side = types.SELL
		}
		return transport.ParsedMessage{
			Type:    transport.MsgTrade,
			Channel: chanDeals,
			Symbol:  sym,
			Data: types.Trade{
				Symbol:      sym,
				Side:        side,
				Price:       parseFloat(deal.Price),
				Quantity:    parseFloat(deal.Qty),
				TimestampMs: deal.Time,
			},
		}, nil
	}

	return transport.ParsedMessage{Type: transport.MsgUnknown, Channel: env.Channel}, nil
}

func convertLevels(levels []wsDepthLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, types.PriceLevel{Price: parseFloat(l.Price), Qty: parseFloat(l.Qty)})
	}
	return out
}

// PublicStream is the public market-data connection.
type PublicStream struct {
	*transport.WSClient
}

func NewPublicStream(cfg config.ExchangeConfig, logger *slog.Logger) (exchange.PublicWS, error) {
	ws, err := transport.NewWSClient(transport.WSConfig{
		Exchange:             "mexc",
		URL:                  transport.StaticURL(cfg.WebsocketURL),
		Parser:               publicParser{},
		Subscription:         subStrategy{},
		ConnectTimeout:       cfg.Websocket.ConnectTimeout,
		HeartbeatInterval:    heartbeatOrDefault(cfg),
		Heartbeat:            func() any { return wsCommand{Method: "PING"} },
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

// The venue drops connections idle for 60s; ping at half that unless
// configured otherwise.
func heartbeatOrDefault(cfg config.ExchangeConfig) time.Duration {
	if cfg.Websocket.HeartbeatInterval > 0 {
		return cfg.Websocket.HeartbeatInterval
	}
	return 30 * time.Second
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
	return s.Subscribe(toSubs(chanDeals, symbols))
}

func (s *PublicStream) UnsubscribeTrades(symbols ...types.Symbol) error {
	return s.Unsubscribe(toSubs(chanDeals, symbols))
}

func toSubs(channel string, symbols []types.Symbol) []transport.Subscription {
	out := make([]transport.Subscription, len(symbols))
	for i, sym := range symbols {
		out[i] = transport.Subscription{Channel: channel, Symbol: sym}
	}
	return out
}
