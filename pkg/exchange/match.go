package exchange

import (
	"sort"

	"github.com/uhyunpark/unitex/pkg/ledger"
	"github.com/uhyunpark/unitex/params"
)

// book holds one asset's buy and sell lists for a single cycle.
// It is built from the snapshot and discarded when the cycle ends.
type book struct {
	assetID int64
	buys    []*ledger.Order
	sells   []*ledger.Order
}

// partition splits a snapshot of Outstanding into per-asset books ordered by asset id,
// each list ordered by order id
func partition(snapshot []*ledger.Order) []*book {
	byAsset := make(map[int64]*book)
	for _, o := range snapshot {
		b, ok := byAsset[o.AssetID]
		if !ok {
			b = &book{assetID: o.AssetID}
			byAsset[o.AssetID] = b
		}
		if o.IsBuy() {
			b.buys = append(b.buys, o)
		} else {
			b.sells = append(b.sells, o)
		}
	}

	books := make([]*book, 0, len(byAsset))
	for _, b := range byAsset {
		sort.Slice(b.buys, func(i, j int) bool { return b.buys[i].ID < b.buys[j].ID })
		sort.Slice(b.sells, func(i, j int) bool { return b.sells[i].ID < b.sells[j].ID })
		books = append(books, b)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].assetID < books[j].assetID })
	return books
}

// matchable reports whether the book has at least one buy and one sell
func (b *book) matchable() bool {
	return len(b.buys) > 0 && len(b.sells) > 0
}

// removeSell drops the sell with the given id from the cycle's list
func (b *book) removeSell(id uint64) {
	for i, s := range b.sells {
		if s.ID == id {
			b.sells = append(b.sells[:i], b.sells[i+1:]...)
			return
		}
	}
}

// compatible: the buy is fully covered by the sell's remaining quantity and the buyer
// pays at least what the seller asks
func compatible(buy, sell *ledger.Order) bool {
	return buy.AssetID == sell.AssetID &&
		buy.Quantity <= sell.Quantity &&
		buy.LimitPrice >= sell.LimitPrice
}

func settlementPrice(rule params.PriceRule, buy, sell *ledger.Order) int64 {
	if rule == params.BuyerPrice {
		return buy.LimitPrice
	}
	return sell.LimitPrice
}
