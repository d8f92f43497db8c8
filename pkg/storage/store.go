package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/unitex/pkg/ledger"
)

// Store is the Pebble-backed ledger: assets, units, holdings, outstanding orders,
// order history and trades.
//
// Single-key writes are synchronous. Multi-key effects (a settled trade, moving an order
// to history) go through Batch and commit atomically. Callers serialize writes to a given
// unit through exchange.Locks; Store itself only guards id counters and admin uniqueness.
type Store struct {
	db *pebble.DB

	mu   sync.Mutex        // guards seqs and admin inserts
	seqs map[string]uint64 // last issued id per counter
}

// unitRecord is the persisted form of a unit; holdings live under their own keys
type unitRecord struct {
	Name    string
	Credits int64
}

type holdingRecord struct {
	AssetID  int64
	Quantity int64
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	return open(dbPath, opts)
}

// NewInMemoryStore opens a store backed by an in-memory filesystem (tests, dry runs)
func NewInMemoryStore() (*Store, error) {
	return open("ledger", &pebble.Options{FS: vfs.NewMem()})
}

func open(dbPath string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	s := &Store{db: db, seqs: make(map[string]uint64)}
	for _, name := range []string{seqOrder, seqTrade} {
		v, err := s.getRaw(seqKey(name))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load %s counter: %w", name, err)
		}
		s.seqs[name] = decodeUint64(v)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// nextID issues the next id for a counter and persists the new high-water mark
// before returning, so an id is never reissued after a restart.
func (s *Store) nextID(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seqs[name] + 1
	if err := s.db.Set(seqKey(name), encodeUint64(next), pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to advance %s counter: %w", name, err)
	}
	s.seqs[name] = next
	return next, nil
}

// getRaw returns a copy of the value at key, or nil if absent
func (s *Store) getRaw(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// getJSON decodes the value at key into v, reporting whether it existed
func (s *Store) getJSON(key []byte, v any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

// scan calls fn with every value under prefix in key order
func (s *Store) scan(prefix []byte, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ============================================================================
// Assets
// ============================================================================

// AddAsset registers a new asset. Both id and description must be unique.
func (s *Store) AddAsset(a ledger.Asset) error {
	if a.ID < 0 {
		return &ledger.ValidationError{Field: "asset id", Reason: "must not be negative"}
	}
	if a.Description == "" {
		return &ledger.ValidationError{Field: "asset description", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRaw(assetKey(a.ID))
	if err != nil {
		return fmt.Errorf("failed to get asset: %w", err)
	}
	if existing != nil {
		return &ledger.AlreadyExistsError{Kind: ledger.KindAsset, Key: strconv.FormatInt(a.ID, 10)}
	}
	taken, err := s.getRaw(assetDescKey(a.Description))
	if err != nil {
		return fmt.Errorf("failed to get asset description: %w", err)
	}
	if taken != nil {
		return &ledger.AlreadyExistsError{Kind: ledger.KindAsset, Key: a.Description}
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal asset: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(assetKey(a.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(assetDescKey(a.Description), encodeUint64(uint64(a.ID)), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

// RenameAsset changes an asset's description, keeping the uniqueness index in step
func (s *Store) RenameAsset(id int64, desc string) error {
	if desc == "" {
		return &ledger.ValidationError{Field: "asset description", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var a ledger.Asset
	ok, err := s.getJSON(assetKey(id), &a)
	if err != nil {
		return fmt.Errorf("failed to get asset: %w", err)
	}
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindAsset, Key: strconv.FormatInt(id, 10)}
	}
	if a.Description == desc {
		return nil
	}
	taken, err := s.getRaw(assetDescKey(desc))
	if err != nil {
		return fmt.Errorf("failed to get asset description: %w", err)
	}
	if taken != nil {
		return &ledger.AlreadyExistsError{Kind: ledger.KindAsset, Key: desc}
	}

	old := a.Description
	a.Description = desc
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal asset: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(assetDescKey(old), nil); err != nil {
		return err
	}
	if err := b.Set(assetDescKey(desc), encodeUint64(uint64(id)), nil); err != nil {
		return err
	}
	if err := b.Set(assetKey(id), data, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// FetchAsset loads an asset by id
// Returns nil if the asset is not registered
func (s *Store) FetchAsset(id int64) (*ledger.Asset, error) {
	var a ledger.Asset
	ok, err := s.getJSON(assetKey(id), &a)
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// ListAssets returns all registered assets ordered by id
func (s *Store) ListAssets() ([]*ledger.Asset, error) {
	var assets []*ledger.Asset
	err := s.scan([]byte(prefixAsset), func(val []byte) error {
		var a ledger.Asset
		if err := json.Unmarshal(val, &a); err != nil {
			return fmt.Errorf("failed to unmarshal asset: %w", err)
		}
		assets = append(assets, &a)
		return nil
	})
	return assets, err
}

// ============================================================================
// Units
// ============================================================================

// AddUnit creates a unit with the given starting credits and no holdings.
// The name is validated and lowercased.
func (s *Store) AddUnit(name string, credits int64) (*ledger.Unit, error) {
	canonical, err := ledger.NormalizeUnitName(name)
	if err != nil {
		return nil, err
	}
	if credits < 0 {
		return nil, &ledger.ValidationError{Field: "credits", Reason: "must not be negative"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRaw(unitKey(canonical))
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	if existing != nil {
		return nil, &ledger.AlreadyExistsError{Kind: ledger.KindUnit, Key: canonical}
	}
	if err := s.setJSON(unitKey(canonical), unitRecord{Name: canonical, Credits: credits}); err != nil {
		return nil, fmt.Errorf("failed to save unit: %w", err)
	}
	return ledger.NewUnit(canonical, credits), nil
}

// FetchUnit loads a unit and all its holdings
// Returns nil if the unit doesn't exist
func (s *Store) FetchUnit(name string) (*ledger.Unit, error) {
	var rec unitRecord
	ok, err := s.getJSON(unitKey(name), &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	if !ok {
		return nil, nil
	}

	u := ledger.NewUnit(rec.Name, rec.Credits)
	err = s.scan(holdingPrefix(name), func(val []byte) error {
		var h holdingRecord
		if err := json.Unmarshal(val, &h); err != nil {
			return fmt.Errorf("failed to unmarshal holding: %w", err)
		}
		u.Holdings[h.AssetID] = h.Quantity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListUnits returns every unit (with holdings) ordered by name
func (s *Store) ListUnits() ([]*ledger.Unit, error) {
	var names []string
	err := s.scan([]byte(prefixUnit), func(val []byte) error {
		var rec unitRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal unit: %w", err)
		}
		names = append(names, rec.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	units := make([]*ledger.Unit, 0, len(names))
	for _, n := range names {
		u, err := s.FetchUnit(n)
		if err != nil {
			return nil, err
		}
		if u != nil {
			units = append(units, u)
		}
	}
	return units, nil
}

// AdjustBalance sets a unit's credits to newBalance
func (s *Store) AdjustBalance(unit string, newBalance int64) error {
	b := s.NewBatch()
	defer b.Close()
	if err := s.requireUnit(unit); err != nil {
		return err
	}
	if err := b.AdjustBalance(unit, newBalance); err != nil {
		return err
	}
	return b.Commit()
}

// AdjustHolding sets a unit's quantity of an asset, creating the holding if absent
func (s *Store) AdjustHolding(unit string, assetID int64, newQuantity int64) error {
	b := s.NewBatch()
	defer b.Close()
	if err := s.requireUnit(unit); err != nil {
		return err
	}
	if err := b.AdjustHolding(unit, assetID, newQuantity); err != nil {
		return err
	}
	return b.Commit()
}

func (s *Store) requireUnit(unit string) error {
	v, err := s.getRaw(unitKey(unit))
	if err != nil {
		return fmt.Errorf("failed to get unit: %w", err)
	}
	if v == nil {
		return &ledger.NotFoundError{Kind: ledger.KindUnit, Key: unit}
	}
	return nil
}

// ============================================================================
// Orders
// ============================================================================

// InsertOrder assigns the order a fresh id and stores it in Outstanding
func (s *Store) InsertOrder(o *ledger.Order) (uint64, error) {
	id, err := s.nextID(seqOrder)
	if err != nil {
		return 0, err
	}
	o.ID = id
	o.ResolvedAt = nil
	if err := s.setJSON(outstandingKey(id), o); err != nil {
		return 0, fmt.Errorf("failed to save order: %w", err)
	}
	return id, nil
}

// FetchOrder loads an outstanding order
// Returns nil if the order is not outstanding
func (s *Store) FetchOrder(id uint64) (*ledger.Order, error) {
	var o ledger.Order
	ok, err := s.getJSON(outstandingKey(id), &o)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// FetchHistoricOrder loads a settled order
// Returns nil if the order is not in history
func (s *Store) FetchHistoricOrder(id uint64) (*ledger.Order, error) {
	var o ledger.Order
	ok, err := s.getJSON(historyKey(id), &o)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// FetchOutstanding returns a snapshot of every outstanding order ordered by id
func (s *Store) FetchOutstanding() ([]*ledger.Order, error) {
	return s.listOrders(prefixOut, "")
}

// ListOutstanding returns a unit's outstanding orders ordered by id
func (s *Store) ListOutstanding(unit string) ([]*ledger.Order, error) {
	return s.listOrders(prefixOut, unit)
}

// ListHistory returns a unit's settled orders ordered by id
func (s *Store) ListHistory(unit string) ([]*ledger.Order, error) {
	return s.listOrders(prefixHist, unit)
}

func (s *Store) listOrders(prefix string, unit string) ([]*ledger.Order, error) {
	var orders []*ledger.Order
	err := s.scan([]byte(prefix), func(val []byte) error {
		var o ledger.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		if unit == "" || o.Unit == unit {
			orders = append(orders, &o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// MoveToHistory inserts the order into History and removes it from Outstanding in one commit
func (s *Store) MoveToHistory(o *ledger.Order) error {
	b := s.NewBatch()
	defer b.Close()
	if err := b.MoveToHistory(o); err != nil {
		return err
	}
	return b.Commit()
}

// CancelOrder removes an order from Outstanding
func (s *Store) CancelOrder(id uint64) error {
	v, err := s.getRaw(outstandingKey(id))
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}
	if v == nil {
		return &ledger.NotFoundError{Kind: ledger.KindOrder, Key: strconv.FormatUint(id, 10)}
	}
	if err := s.db.Delete(outstandingKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// ============================================================================
// Trades
// ============================================================================

// ListTrades returns the most recent trades of an asset, newest first
func (s *Store) ListTrades(assetID int64, limit int) ([]*ledger.Trade, error) {
	prefix := tradePrefix(assetID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []*ledger.Trade
	for iter.Last(); iter.Valid() && (limit <= 0 || len(trades) < limit); iter.Prev() {
		var t ledger.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		trades = append(trades, &t)
	}
	return trades, iter.Error()
}

// ListUnitTrades returns every trade the unit took part in, oldest first
func (s *Store) ListUnitTrades(unit string) ([]*ledger.Trade, error) {
	var trades []*ledger.Trade
	err := s.scan([]byte(prefixTrade), func(val []byte) error {
		var t ledger.Trade
		if err := json.Unmarshal(val, &t); err != nil {
			return fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		if t.Buyer == unit || t.Seller == unit {
			trades = append(trades, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades, nil
}
