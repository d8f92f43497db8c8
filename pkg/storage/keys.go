package storage

import (
	"encoding/binary"
	"fmt"
)

// Pebble key schema
//
//   asset:<id>                  → Asset
//   assetdesc:<description>     → asset id (uniqueness index)
//   unit:<name>                 → unit record (credits)
//   hold:<name>:<assetID>       → holding record
//   out:<orderID>               → outstanding Order
//   hist:<orderID>              → settled Order
//   trade:<assetID>:<tradeID>   → Trade
//   seq:<name>                  → id counter
//
// Numeric ids are zero-padded so prefix iteration yields ascending id order.
// Unit names are letters only, so "hold:<name>:" never prefixes another unit's keys.

const (
	prefixAsset     = "asset:"
	prefixAssetDesc = "assetdesc:"
	prefixUnit      = "unit:"
	prefixHolding   = "hold:"
	prefixOut       = "out:"
	prefixHist      = "hist:"
	prefixTrade     = "trade:"
	prefixSeq       = "seq:"
)

const (
	seqOrder = "order"
	seqTrade = "trade"
)

func assetKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%019d", prefixAsset, id))
}

func assetDescKey(desc string) []byte {
	return []byte(prefixAssetDesc + desc)
}

func unitKey(name string) []byte {
	return []byte(prefixUnit + name)
}

// holdingKey format: "hold:{unit}:{assetID}"
func holdingKey(unit string, assetID int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d", prefixHolding, unit, assetID))
}

func holdingPrefix(unit string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixHolding, unit))
}

func outstandingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOut, id))
}

func historyKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixHist, id))
}

// tradeKey format: "trade:{assetID}:{tradeID}"
func tradeKey(assetID int64, tradeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%019d:%020d", prefixTrade, assetID, tradeID))
}

func tradePrefix(assetID int64) []byte {
	return []byte(fmt.Sprintf("%s%019d:", prefixTrade, assetID))
}

func seqKey(name string) []byte {
	return []byte(prefixSeq + name)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
