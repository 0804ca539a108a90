package mexc

import (
	"crossarb/internal/exchange"
	"crossarb/pkg/types"
)

func init() {
	exchange.Register(types.MEXCSpot, exchange.Constructors{
		PublicREST:  NewPublicClient,
		PrivateREST: NewPrivateClient,
		PublicWS:    NewPublicStream,
		PrivateWS:   NewPrivateStream,
	})
}
