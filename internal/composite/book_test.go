package composite

import (
	"testing"

	"crossarb/pkg/types"
)

func levels(pairs ...float64) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, types.PriceLevel{Price: pairs[i], Qty: pairs[i+1]})
	}
	return out
}

func TestMergeLevelsInsertReplaceRemove(t *testing.T) {
	t.Parallel()

	bids := levels(100, 1, 99, 2, 98, 3)

	bids = mergeLevels(bids, levels(99.5, 5), true)
	if len(bids) != 4 || bids[1].Price != 99.5 {
		t.Fatalf("insert: got %+v", bids)
	}

	bids = mergeLevels(bids, levels(99, 7), true)
	if bids[2].Qty != 7 {
		t.Fatalf("replace: got %+v", bids)
	}

	bids = mergeLevels(bids, levels(100, 0), true)
	if len(bids) != 3 || bids[0].Price != 99.5 {
		t.Fatalf("remove: got %+v", bids)
	}
}

func TestMergeLevelsAscendingAsks(t *testing.T) {
	t.Parallel()

	asks := levels(101, 1, 102, 2)
	asks = mergeLevels(asks, levels(101.5, 4, 100.5, 1), false)

	want := []float64{100.5, 101, 101.5, 102}
	if len(asks) != len(want) {
		t.Fatalf("got %+v", asks)
	}
	for i, p := range want {
		if asks[i].Price != p {
			t.Fatalf("level %d: got %v want %v", i, asks[i].Price, p)
		}
	}
}

func TestMergeLevelsRemoveMissingIsNoop(t *testing.T) {
	t.Parallel()

	bids := levels(100, 1)
	bids = mergeLevels(bids, levels(95, 0), true)
	if len(bids) != 1 {
		t.Fatalf("got %+v", bids)
	}
}

func TestCloneBookIsIndependent(t *testing.T) {
	t.Parallel()

	ob := &types.OrderBook{
		Symbol: types.NewSymbol("BTC", "USDT"),
		Bids:   levels(100, 1),
		Asks:   levels(101, 1),
	}
	cp := cloneBook(ob)
	cp.Bids[0].Qty = 99
	if ob.Bids[0].Qty != 1 {
		t.Fatal("clone shares bid storage with original")
	}
}
