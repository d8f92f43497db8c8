package exchange

import (
	"github.com/uhyunpark/unitex/pkg/ledger"
	"github.com/uhyunpark/unitex/pkg/storage"
)

// Store is the ledger the gate and the settlement engine run against.
// *storage.Store implements it; tests wrap it to inject failures.
type Store interface {
	FetchUnit(name string) (*ledger.Unit, error)
	FetchAsset(id int64) (*ledger.Asset, error)
	FetchOrder(id uint64) (*ledger.Order, error)
	FetchOutstanding() ([]*ledger.Order, error)
	InsertOrder(o *ledger.Order) (uint64, error)
	CancelOrder(id uint64) error
	ListOutstanding(unit string) ([]*ledger.Order, error)
	ListHistory(unit string) ([]*ledger.Order, error)
	NewBatch() *storage.Batch
}

// AdminStore adds the administrative operations used to seed and adjust the ledger
type AdminStore interface {
	Store
	AddAsset(a ledger.Asset) error
	RenameAsset(id int64, desc string) error
	ListAssets() ([]*ledger.Asset, error)
	AddUnit(name string, credits int64) (*ledger.Unit, error)
	ListUnits() ([]*ledger.Unit, error)
	AdjustBalance(unit string, newBalance int64) error
	AdjustHolding(unit string, assetID int64, newQuantity int64) error
	ListTrades(assetID int64, limit int) ([]*ledger.Trade, error)
	ListUnitTrades(unit string) ([]*ledger.Trade, error)
}

var (
	_ Store      = (*storage.Store)(nil)
	_ AdminStore = (*storage.Store)(nil)
)
