package api

import (
	"strconv"

	"github.com/uhyunpark/unitex/pkg/ledger"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// AssetInfo is a registered asset
type AssetInfo struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
}

// HoldingInfo is one asset position of a unit
type HoldingInfo struct {
	AssetID  int64 `json:"assetId"`
	Quantity int64 `json:"quantity"`
}

// UnitInfo represents a unit's credits and holdings
type UnitInfo struct {
	Name     string        `json:"name"`
	Credits  int64         `json:"credits"`
	Holdings []HoldingInfo `json:"holdings"` // Sorted by asset id
}

// OrderInfo represents an order (outstanding or historical)
type OrderInfo struct {
	ID               string `json:"id"`
	Unit             string `json:"unit"`
	AssetID          int64  `json:"assetId"`
	Side             string `json:"side"` // "buy" or "sell"
	Price            int64  `json:"price"`
	Quantity         int64  `json:"quantity"`         // Remaining, or settled by the final fill once resolved
	OriginalQuantity int64  `json:"originalQuantity"` // At submission
	Status           string `json:"status"`           // "outstanding" or "settled"
	PlacedAt         int64  `json:"placedAt"`         // Unix milliseconds
	ResolvedAt       int64  `json:"resolvedAt,omitempty"`
}

// TradeInfo represents a settled trade
type TradeInfo struct {
	ID          string `json:"id"`
	AssetID     int64  `json:"assetId"`
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Price       int64  `json:"price"`
	Quantity    int64  `json:"quantity"`
	Value       int64  `json:"value"` // Credits moved from buyer to seller
	Timestamp   int64  `json:"timestamp"`
}

// CycleInfo summarizes a manually triggered settlement cycle
type CycleInfo struct {
	Outstanding int         `json:"outstanding"`
	Remaining   int         `json:"remaining"`
	Trades      []TradeInfo `json:"trades"`
	Skipped     int         `json:"skipped"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:7", "unit:finance"]
}

// TradeUpdate is broadcast when a trade settles
type TradeUpdate struct {
	Type  string    `json:"type"` // "trade"
	Trade TradeInfo `json:"trade"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Unit     string `json:"unit"`
	AssetID  int64  `json:"assetId"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
	Side     string `json:"side"` // "buy" or "sell"
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string `json:"status"`  // "submitted"
	OrderID string `json:"orderId"` // Assigned order ID
}

// AddAssetRequest is the payload for POST /api/v1/admin/assets
type AddAssetRequest struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
}

// RenameAssetRequest is the payload for PUT /api/v1/admin/assets/{id}
type RenameAssetRequest struct {
	Description string `json:"description"`
}

// AddUnitRequest is the payload for POST /api/v1/admin/units
type AddUnitRequest struct {
	Name    string `json:"name"`
	Credits int64  `json:"credits"`
}

// SetCreditsRequest is the payload for PUT /api/v1/admin/units/{unit}/credits
type SetCreditsRequest struct {
	Credits int64 `json:"credits"`
}

// SetHoldingRequest is the payload for PUT /api/v1/admin/units/{unit}/holdings/{assetId}
type SetHoldingRequest struct {
	Quantity int64 `json:"quantity"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// Conversions
// ==============================

func toAssetInfo(a *ledger.Asset) AssetInfo {
	return AssetInfo{ID: a.ID, Description: a.Description}
}

func toUnitInfo(u *ledger.Unit) UnitInfo {
	info := UnitInfo{Name: u.Name, Credits: u.Credits, Holdings: []HoldingInfo{}}
	for assetID, qty := range u.Holdings {
		info.Holdings = append(info.Holdings, HoldingInfo{AssetID: assetID, Quantity: qty})
	}
	sortHoldings(info.Holdings)
	return info
}

func toOrderInfo(o *ledger.Order) OrderInfo {
	info := OrderInfo{
		ID:               strconv.FormatUint(o.ID, 10),
		Unit:             o.Unit,
		AssetID:          o.AssetID,
		Side:             o.Side.String(),
		Price:            o.LimitPrice,
		Quantity:         o.Quantity,
		OriginalQuantity: o.OriginalQuantity,
		Status:           "outstanding",
		PlacedAt:         o.PlacedAt.UnixMilli(),
	}
	if o.ResolvedAt != nil {
		info.Status = "settled"
		info.ResolvedAt = o.ResolvedAt.UnixMilli()
	}
	return info
}

func toOrderInfos(orders []*ledger.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = toOrderInfo(o)
	}
	return out
}

func toTradeInfo(t ledger.Trade) TradeInfo {
	return TradeInfo{
		ID:          strconv.FormatUint(t.ID, 10),
		AssetID:     t.AssetID,
		BuyOrderID:  strconv.FormatUint(t.BuyOrderID, 10),
		SellOrderID: strconv.FormatUint(t.SellOrderID, 10),
		Buyer:       t.Buyer,
		Seller:      t.Seller,
		Price:       t.Price,
		Quantity:    t.Quantity,
		Value:       t.Value(),
		Timestamp:   t.ExecutedAt.UnixMilli(),
	}
}
