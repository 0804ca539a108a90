package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/config"
	"crossarb/internal/errs"
	"crossarb/internal/exchange"
	"crossarb/internal/transport"
	"crossarb/pkg/types"
)

const (
	streamPrivOrders  = "spot@private.orders.v3.api"
	streamPrivAccount = "spot@private.account.v3.api"
	streamPrivDeals   = "spot@private.deals.v3.api"

	listenKeyKeepAlive = 30 * time.Minute
)

// Integer dictionaries of the private push protocol.
var privStatusByCode = map[int]types.OrderStatus{
	1: types.OrderStatusNew,
	2: types.OrderStatusFilled,
	3: types.OrderStatusPartiallyFilled,
	4: types.OrderStatusCanceled,
	5: types.OrderStatusCanceled, // partially canceled
}

var privTypeByCode = map[int]types.OrderType{
	1:   types.OrderTypeLimit,
	2:   types.OrderTypeLimitMaker,
	3:   types.OrderTypeIOC,
	4:   types.OrderTypeFOK,
	5:   types.OrderTypeMarket,
	100: types.OrderTypeStopLimit,
}

func privSide(code int) types.Side {
	if code == 2 {
		return types.SELL
	}
	return types.BUY
}

type wsPrivOrderData struct {
	OrderID       string `json:"i"`
	ClientOrderID string `json:"c"`
	Price         string `json:"p"`
	Quantity      string `json:"v"`
	CumulativeQty string `json:"cv"`
	AvgPrice      string `json:"ap"`
	Status        int    `json:"s"`
	Side          int    `json:"S"`
	OrderType     int    `json:"o"`
	CreateTime    int64  `json:"ct"`
}

type wsPrivAccountData struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

type wsPrivDealData struct {
	OrderID  string `json:"i"`
	TradeID  string `json:"t"`
	Price    string `json:"p"`
	Quantity string `json:"v"`
	Side     int    `json:"S"`
	IsMaker  int    `json:"m"`
	Fee      string `json:"n"`
	FeeAsset string `json:"N"`
	Time     int64  `json:"T"`
}

// privateParser decodes the private push protocol. The venue also pushes
// binary protobuf frames on these channels; without a schema they are
// surfaced as parse errors and dropped, which keeps the connection alive
// while REST remains the source of truth.
type privateParser struct{}

func (privateParser) Parse(frameType int, data []byte) (transport.ParsedMessage, error) {
	if frameType == websocket.BinaryMessage {
		return transport.ParsedMessage{}, &errs.ParsingError{
			Exchange: "mexc", Channel: "private",
			Cause: fmt.Errorf("binary protobuf frame (%d bytes) has no json mapping", len(data)),
		}
	}

	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: "private", Raw: string(data), Cause: err}
	}
	if env.Channel == "" {
		if env.Msg == "PONG" {
			return transport.ParsedMessage{Type: transport.MsgHeartbeat}, nil
		}
		if env.Code != nil && *env.Code == 0 {
			return transport.ParsedMessage{Type: transport.MsgSubConfirm, Channel: env.Msg}, nil
		}
		return transport.ParsedMessage{Type: transport.MsgUnknown}, nil
	}

	switch env.Channel {
	case streamPrivOrders:
		var d wsPrivOrderData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: "orders", Raw: string(data), Cause: err}
		}
		sym, err := fromPair(env.Symbol)
		if err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: "orders", Raw: string(data), Cause: err}
		}
		status, ok := privStatusByCode[d.Status]
		if !ok {
			status = types.OrderStatusUnknown
		}
		orderType, ok := privTypeByCode[d.OrderType]
		if !ok {
			orderType = types.OrderTypeLimit
		}
		return transport.ParsedMessage{
			Type:    transport.MsgOrder,
			Channel: "orders",
			Symbol:  sym,
			Data: types.Order{
				OrderID:        d.OrderID,
				Symbol:         sym,
				Side:           privSide(d.Side),
				OrderType:      orderType,
				Price:          parseFloat(d.Price),
				Quantity:       parseFloat(d.Quantity),
				FilledQuantity: parseFloat(d.CumulativeQty),
				AveragePrice:   parseFloat(d.AvgPrice),
				Status:         status,
				TimestampMs:    env.Time,
				ClientOrderID:  d.ClientOrderID,
			},
		}, nil

	case streamPrivAccount:
		var d wsPrivAccountData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: "account", Raw: string(data), Cause: err}
		}
		return transport.ParsedMessage{
			Type:    transport.MsgBalance,
			Channel: "account",
			Data: exchange.BalanceUpdate{
				Exchange: types.MEXCSpot,
				Balances: []types.AssetBalance{{
					Asset:     types.AssetName(d.Asset),
					Available: parseFloat(d.Free),
					Locked:    parseFloat(d.Locked),
				}},
				TimestampMs: env.Time,
			},
		}, nil

	case streamPrivDeals:
		var d wsPrivDealData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: "deals", Raw: string(data), Cause: err}
		}
		sym, err := fromPair(env.Symbol)
		if err != nil {
			return transport.ParsedMessage{}, &errs.ParsingError{Exchange: "mexc", Channel: "deals", Raw: string(data), Cause: err}
		}
		return transport.ParsedMessage{
			Type:    transport.MsgExecution,
			Channel: "deals",
			Symbol:  sym,
			Data: exchange.Execution{
				OrderID:     d.OrderID,
				Symbol:      sym,
				Side:        privSide(d.Side),
				Price:       parseFloat(d.Price),
				Quantity:    parseFloat(d.Quantity),
				Fee:         parseFloat(d.Fee),
				FeeAsset:    types.AssetName(d.FeeAsset),
				TimestampMs: d.Time,
				IsMaker:     d.IsMaker == 1,
			},
		}, nil
	}

	return transport.ParsedMessage{Type: transport.MsgUnknown, Channel: env.Channel}, nil
}

// privSubStrategy subscribes the three private channels; they carry no
// per-symbol component.
type privSubStrategy struct{}

func (privSubStrategy) SubscribeMessages([]transport.Subscription) ([]any, error) {
	return []any{wsCommand{
		Method: "SUBSCRIPTION",
		Params: []string{streamPrivOrders, streamPrivAccount, streamPrivDeals},
	}}, nil
}

func (privSubStrategy) UnsubscribeMessages([]transport.Subscription) ([]any, error) {
	return []any{wsCommand{
		Method: "UNSUBSCRIPTION",
		Params: []string{streamPrivOrders, streamPrivAccount, streamPrivDeals},
	}}, nil
}

func (privSubStrategy) ResubscribeOnReconnect() bool { return true }

// PrivateStream authenticates with a listen key carried in the URL. The
// key is minted fresh on every (re)connect and kept alive on a ticker;
// a failed keepalive forces a reconnect, which regenerates the key.
type PrivateStream struct {
	*transport.WSClient
	keys   exchange.ListenKeyManager
	logger *slog.Logger

	mu  sync.Mutex
	key string
}

func NewPrivateStream(cfg config.ExchangeConfig, rest exchange.PrivateREST, logger *slog.Logger) (exchange.PrivateWS, error) {
	keys, ok := rest.(exchange.ListenKeyManager)
	if !ok {
		return nil, fmt.Errorf("mexc private rest client does not manage listen keys")
	}

	s := &PrivateStream{keys: keys, logger: logger.With("adapter", "mexc", "stream", "private")}
	ws, err := transport.NewWSClient(transport.WSConfig{
		Exchange: "mexc",
		URL: func(ctx context.Context) (string, error) {
			key, err := keys.CreateListenKey(ctx)
			if err != nil {
				return "", fmt.Errorf("mint listen key: %w", err)
			}
			s.mu.Lock()
			s.key = key
			s.mu.Unlock()
			return cfg.WebsocketURL + "?listenKey=" + key, nil
		},
		Parser:               privateParser{},
		Subscription:         privSubStrategy{},
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
	s.WSClient = ws

	// Channels are fixed; seed them so reconnects resubscribe.
	ws.Subscribe([]transport.Subscription{{Channel: "private"}})
	return s, nil
}

// Run maintains the connection and the listen-key keepalive together.
func (s *PrivateStream) Run(ctx context.Context) error {
	keepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAliveLoop(keepCtx)
	defer s.deleteKey()
	return s.WSClient.Run(ctx)
}

func (s *PrivateStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			key := s.key
			s.mu.Unlock()
			if key == "" {
				continue
			}
			if err := s.keys.KeepAliveListenKey(ctx, key); err != nil {
				s.logger.Warn("listen key keepalive failed, forcing reconnect", "error", err)
				s.Close() // the run loop reconnects with a fresh key
			}
		}
	}
}

func (s *PrivateStream) deleteKey() {
	s.mu.Lock()
	key := s.key
	s.key = ""
	s.mu.Unlock()
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.keys.DeleteListenKey(ctx, key); err != nil {
		s.logger.Debug("listen key delete failed", "error", err)
	}
}
