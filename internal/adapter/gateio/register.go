package gateio

import (
	"crossarb/internal/exchange"
	"crossarb/pkg/types"
)

func init() {
	exchange.Register(types.GateioSpot, exchange.Constructors{
		PublicREST:  NewPublicClient(false),
		PrivateREST: NewPrivateClient(types.GateioSpot),
		PublicWS:    NewPublicStream(false),
		PrivateWS:   NewPrivateStream(types.GateioSpot),
	})
	exchange.Register(types.GateioFutures, exchange.Constructors{
		PublicREST:  NewPublicClient(true),
		PrivateREST: NewPrivateClient(types.GateioFutures),
		PublicWS:    NewPublicStream(true),
		PrivateWS:   NewPrivateStream(types.GateioFutures),
	})
}
