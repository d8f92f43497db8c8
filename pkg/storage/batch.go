package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/unitex/pkg/ledger"
)

// Batch stages ledger mutations and applies them in a single atomic commit.
// The settlement engine writes every trade through one Batch so both ledgers,
// the order transitions and the trade record land together or not at all.
type Batch struct {
	batch *pebble.Batch
	store *Store
}

// NewBatch creates a new batch writer
func (s *Store) NewBatch() *Batch {
	return &Batch{
		batch: s.db.NewBatch(),
		store: s,
	}
}

func (bw *Batch) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bw.batch.Set(key, data, nil)
}

// AdjustBalance stages an absolute credit balance for a unit
func (bw *Batch) AdjustBalance(unit string, newBalance int64) error {
	if newBalance < 0 {
		return &ledger.LedgerInvariantViolation{Unit: unit, Reason: fmt.Sprintf("credits would become %d", newBalance)}
	}
	return bw.setJSON(unitKey(unit), unitRecord{Name: unit, Credits: newBalance})
}

// AdjustHolding stages an absolute holding quantity, creating the holding if absent
func (bw *Batch) AdjustHolding(unit string, assetID int64, newQuantity int64) error {
	if newQuantity < 0 {
		return &ledger.LedgerInvariantViolation{Unit: unit, Reason: fmt.Sprintf("holding of asset %d would become %d", assetID, newQuantity)}
	}
	return bw.setJSON(holdingKey(unit, assetID), holdingRecord{AssetID: assetID, Quantity: newQuantity})
}

// SaveUnit stages a unit's credits and every holding it carries
func (bw *Batch) SaveUnit(u *ledger.Unit) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if err := bw.AdjustBalance(u.Name, u.Credits); err != nil {
		return err
	}
	for assetID, qty := range u.Holdings {
		if err := bw.AdjustHolding(u.Name, assetID, qty); err != nil {
			return err
		}
	}
	return nil
}

// UpdateOutstanding stages the new remaining quantity of a resting order
func (bw *Batch) UpdateOutstanding(o *ledger.Order) error {
	if o.Quantity <= 0 {
		return fmt.Errorf("order %d: outstanding quantity must stay positive, got %d", o.ID, o.Quantity)
	}
	return bw.setJSON(outstandingKey(o.ID), o)
}

// MoveToHistory stages the history insert and outstanding delete of an order
func (bw *Batch) MoveToHistory(o *ledger.Order) error {
	if o.ResolvedAt == nil {
		return fmt.Errorf("order %d: cannot archive an unresolved order", o.ID)
	}
	if err := bw.setJSON(historyKey(o.ID), o); err != nil {
		return err
	}
	return bw.batch.Delete(outstandingKey(o.ID), nil)
}

// CancelOrder stages the removal of an order from Outstanding
func (bw *Batch) CancelOrder(id uint64) error {
	return bw.batch.Delete(outstandingKey(id), nil)
}

// RecordTrade assigns the trade an id and stages it
func (bw *Batch) RecordTrade(t *ledger.Trade) error {
	id, err := bw.store.nextID(seqTrade)
	if err != nil {
		return err
	}
	t.ID = id
	return bw.setJSON(tradeKey(t.AssetID, t.ID), t)
}

// Commit writes the batch to Pebble atomically
func (bw *Batch) Commit() error {
	if err := bw.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Close releases the batch without committing (no-op after Commit)
func (bw *Batch) Close() error {
	return bw.batch.Close()
}
