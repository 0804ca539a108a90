package gateio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

const (
	chanOrders     = "orders"
	chanUserTrades = "usertrades"
	chanBalances   = "balances"
)

// privSubStrategy signs every private subscribe in-band. Auth covers
// "channel=<c>&event=subscribe&time=<t>" with the account's HMAC-SHA512
// key; a rejected login surfaces as a subscription error on the channel.
type privSubStrategy struct {
	prefix    string
	apiKey    string
	secretKey string
}

func (s privSubStrategy) frames(event string, _ []transport.Subscription) ([]any, error) {
	channels := []string{chanOrders, chanUserTrades, chanBalances}
	out := make([]any, 0, len(channels))
	now := time.Now().Unix()
	for _, ch := range channels {
		full := s.prefix + "." + ch
		frame := wsFrame{
			Time:    now,
			Channel: full,
			Event:   event,
			Auth: &wsAuth{
				Method: "api_key",
				Key:    s.apiKey,
				Sign:   wsSign(s.secretKey, full, event, now),
			},
		}
		if ch != chanBalances {
			frame.Payload = []string{"!all"}
		}
		out = append(out, frame)
	}
	return out, nil
}

func (s privSubStrategy) SubscribeMessages(subs []transport.Subscription) ([]any, error) {
	return s.frames("subscribe", subs)
}

func (s privSubStrategy) UnsubscribeMessages(subs []transport.Subscription) ([]any, error) {
	return s.frames("unsubscribe", subs)
}

func (privSubStrategy) ResubscribeOnReconnect() bool { return true }

type wsSpotOrderEvent struct {
	wireSpotOrder
	Event string `json:"event"`
}

type wsSpotUserTrade struct {
	ID           int64  `json:"id"`
	OrderID      string `json:"order_id"`
	Pair         string `json:"currency_pair"`
	CreateTimeMs string `json:"create_time_ms"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	Fee          string `json:"fee"`
	FeeCurrency  string `json:"fee_currency"`
	Role         string `json:"role"`
}

type wsSpotBalance struct {
	TimestampMs string `json:"timestamp_ms"`
	Currency    string `json:"currency"`
	Total       string `json:"total"`
	Available   string `json:"available"`
}

type wsFuturesUserTrade struct {
	ID           string  `json:"id"`
	OrderID      string  `json:"order_id"`
	Contract     string  `json:"contract"`
	CreateTimeMs int64   `json:"create_time_ms"`
	Size         int64   `json:"size"`
	Price        string  `json:"price"`
	Role         string  `json:"role"`
	Fee          float64 `json:"fee,string"`
}

type wsFuturesBalance struct {
	Balance  float64 `json:"balance"`
	Change   float64 `json:"change"`
	TimeMs   int64   `json:"time_ms"`
	Currency string  `json:"currency"`
}

// privateParser decodes the account event channels for one market.
type privateParser struct {
	prefix  string
	futures bool
	enum    types.ExchangeEnum
}

func (p privateParser) Parse(frameType int, data []byte) (transport.ParsedMessage, error) {
	if frameType == websocket.BinaryMessage {
		return transport.ParsedMessage{}, &errs.ParsingError{
			Exchange: "gateio", Channel: "binary",
			Cause: fmt.Errorf("unexpected binary frame"),
		}
	}

	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: "private", Raw: string(data), Cause: err}
	}

	channel := shortChannel(frame.Channel)
	switch frame.Event {
	case "subscribe":
		if frame.Error != nil {
			if strings.Contains(frame.Error.Message, "auth") || frame.Error.Code == 4 {
				return transport.ParsedMessage{}, &errs.AuthenticationError{Message: frame.Error.Message}
			}
			return transport.ParsedMessage{}, &errs.SubscriptionError{Channel: frame.Channel, Message: frame.Error.Message}
		}
		return transport.ParsedMessage{Type: transport.MsgSubConfirm, Channel: channel}, nil
	case "update":
	default:
		if channel == "pong" || channel == "ping" {
			return transport.ParsedMessage{Type: transport.MsgHeartbeat}, nil
		}
		return transport.ParsedMessage{Type: transport.MsgUnknown, Channel: channel}, nil
	}

	switch channel {
	case chanOrders:
		return p.parseOrders(frame, data)
	case chanUserTrades:
		return p.parseUserTrades(frame, data)
	case chanBalances:
		return p.parseBalances(frame, data)
	}
	return transport.ParsedMessage{Type: transport.MsgUnknown, Channel: channel}, nil
}

func (p privateParser) parseOrders(frame wsFrame, raw []byte) (transport.ParsedMessage, error) {
	if p.futures {
		var batch []wireFuturesOrder
		if err := json.Unmarshal(frame.Result, &batch); err != nil || len(batch) == 0 {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanOrders, Raw: string(raw), Cause: err}
		}
		order, err := batch[len(batch)-1].toDomain()
		if err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanOrders, Raw: string(raw), Cause: err}
		}
		return transport.ParsedMessage{Type: transport.MsgOrder, Channel: chanOrders, Symbol: order.Symbol, Data: *order}, nil
	}

	var batch []wsSpotOrderEvent
	if err := json.Unmarshal(frame.Result, &batch); err != nil || len(batch) == 0 {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanOrders, Raw: string(raw), Cause: err}
	}
	ev := batch[len(batch)-1]
	order, err := ev.toDomain()
	if err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanOrders, Raw: string(raw), Cause: err}
	}
	// Stream events carry the lifecycle in "event", not "status".
	switch ev.Event {
	case "put":
		order.Status = types.OrderStatusNew
	case "update":
		order.Status = types.OrderStatusPartiallyFilled
	case "finish":
		if ev.FinishAs == "filled" {
			order.Status = types.OrderStatusFilled
		} else {
			order.Status = mapSpotStatus("cancelled", ev.FinishAs, order.FilledQuantity)
		}
	}
	return transport.ParsedMessage{Type: transport.MsgOrder, Channel: chanOrders, Symbol: order.Symbol, Data: *order}, nil
}

func (p privateParser) parseUserTrades(frame wsFrame, raw []byte) (transport.ParsedMessage, error) {
	if p.futures {
		var batch []wsFuturesUserTrade
		if err := json.Unmarshal(frame.Result, &batch); err != nil || len(batch) == 0 {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanUserTrades, Raw: string(raw), Cause: err}
		}
		d := batch[len(batch)-1]
		sym, _, err := fromContract(d.Contract)
		if err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanUserTrades, Raw: string(raw), Cause: err}
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
			Type:    transport.MsgExecution,
			Channel: chanUserTrades,
			Symbol:  sym,
			Data: exchange.Execution{
				OrderID:     d.OrderID,
				Symbol:      sym,
				Side:        side,
				Price:       parseFloat(d.Price),
				Quantity:    float64(size) * mult,
				Fee:         d.Fee,
				TimestampMs: d.CreateTimeMs,
				IsMaker:     d.Role == "maker",
			},
		}, nil
	}

	var batch []wsSpotUserTrade
	if err := json.Unmarshal(frame.Result, &batch); err != nil || len(batch) == 0 {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanUserTrades, Raw: string(raw), Cause: err}
	}
	d := batch[len(batch)-1]
	sym, err := fromPair(d.Pair)
	if err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanUserTrades, Raw: string(raw), Cause: err}
	}
	side := types.BUY
	if d.Side == "sell" {
		side = types.SELL
	}
	return transport.ParsedMessage{
		Type:    transport.MsgExecution,
		Channel: chanUserTrades,
		Symbol:  sym,
		Data: exchange.Execution{
			OrderID:     d.OrderID,
			Symbol:      sym,
			Side:        side,
			Price:       parseFloat(d.Price),
			Quantity:    parseFloat(d.Amount),
			Fee:         parseFloat(d.Fee),
			FeeAsset:    types.AssetName(d.FeeCurrency),
			TimestampMs: int64(parseFloat(d.CreateTimeMs)),
			IsMaker:     d.Role == "maker",
		},
	}, nil
}

func (p privateParser) parseBalances(frame wsFrame, raw []byte) (transport.ParsedMessage, error) {
	if p.futures {
		var batch []wsFuturesBalance
		if err := json.Unmarshal(frame.Result, &batch); err != nil || len(batch) == 0 {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanBalances, Raw: string(raw), Cause: err}
		}
		d := batch[len(batch)-1]
		asset := types.AssetName(strings.ToUpper(d.Currency))
		if asset == "" {
			asset = "USDT"
		}
		return transport.ParsedMessage{
			Type:    transport.MsgBalance,
			Channel: chanBalances,
			Data: exchange.BalanceUpdate{
				Exchange: p.enum,
				Balances: []types.AssetBalance{{
					Asset:     asset,
					Available: d.Balance,
				}},
				TimestampMs: d.TimeMs,
			},
		}, nil
	}

	var batch []wsSpotBalance
	if err := json.Unmarshal(frame.Result, &batch); err != nil || len(batch) == 0 {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "gateio", Channel: chanBalances, Raw: string(raw), Cause: err}
	}

	balances := make([]types.AssetBalance, 0, len(batch))
	var ts int64
	for _, b := range batch {
		total := parseFloat(b.Total)
		available := parseFloat(b.Available)
		balances = append(balances, types.AssetBalance{
			Asset:     types.AssetName(b.Currency),
			Available: available,
			Locked:    total - available,
		})
		ts = int64(parseFloat(b.TimestampMs))
	}
	return transport.ParsedMessage{
		Type:    transport.MsgBalance,
		Channel: chanBalances,
		Data: exchange.BalanceUpdate{
			Exchange:    p.enum,
			Balances:    balances,
			TimestampMs: ts,
		},
	}, nil
}

// PrivateStream is the account event connection for one market.
type PrivateStream struct {
	*transport.WSClient
}

func NewPrivateStream(enum types.ExchangeEnum) func(config.ExchangeConfig, exchange.PrivateREST, *slog.Logger) (exchange.PrivateWS, error) {
	prefix := "spot"
	if enum.IsFutures() {
		prefix = "futures"
	}
	return func(cfg config.ExchangeConfig, _ exchange.PrivateREST, logger *slog.Logger) (exchange.PrivateWS, error) {
		ws, err := transport.NewWSClient(transport.WSConfig{
			Exchange: "gateio",
			URL:      transport.StaticURL(cfg.WebsocketURL),
			Parser:   privateParser{prefix: prefix, futures: enum.IsFutures(), enum: enum},
			Subscription: privSubStrategy{
				prefix:    prefix,
				apiKey:    cfg.Credentials.APIKey,
				secretKey: cfg.Credentials.SecretKey,
			},
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

		s := &PrivateStream{WSClient: ws}
		// The channel set is fixed; seed one marker subscription so every
		// (re)connect sends the signed subscribes.
		ws.Subscribe([]transport.Subscription{{Channel: "private"}})
		return s, nil
	}
}
