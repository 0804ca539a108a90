package composite

import (
	"sort"

	"crossarb/pkg/types"
)

// mergeLevels folds delta levels into a sorted book side. A delta with
// qty 0 removes the level; otherwise it replaces or inserts at the price.
// desc selects bid ordering (prices descending), asks use ascending.
func mergeLevels(side []types.PriceLevel, deltas []types.PriceLevel, desc bool) []types.PriceLevel {
	for _, d := range deltas {
		i := sort.Search(len(side), func(i int) bool {
			if desc {
				return side[i].Price <= d.Price
			}
			return side[i].Price >= d.Price
		})
		found := i < len(side) && side[i].Price == d.Price
		switch {
		case d.Qty == 0 && found:
			side = append(side[:i], side[i+1:]...)
		case d.Qty == 0:
			// removal of a level we never had; diff raced the snapshot
		case found:
			side[i].Qty = d.Qty
		default:
			side = append(side, types.PriceLevel{})
			copy(side[i+1:], side[i:])
			side[i] = d
		}
	}
	return side
}

// cloneBook returns a deep copy safe to hand to callers outside the lock.
func cloneBook(ob *types.OrderBook) *types.OrderBook {
	cp := *ob
	cp.Bids = append([]types.PriceLevel(nil), ob.Bids...)
	cp.Asks = append([]types.PriceLevel(nil), ob.Asks...)
	return &cp
}
