package ledger

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Side is the direction of an order
type Side int8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s)}
	}
}

// Asset is a tradeable item registered by an administrator
type Asset struct {
	ID          int64  // Unique asset id
	Description string // Unique human readable name
}

// Unit is an organisational trading account
// Credits and holdings are only mutated by the settlement engine and admin adjustments
type Unit struct {
	Name     string          // Lowercase letters only
	Credits  int64           // Virtual credit balance (never negative)
	Holdings map[int64]int64 // asset id → quantity held
}

// NewUnit creates a unit with no holdings
func NewUnit(name string, credits int64) *Unit {
	return &Unit{
		Name:     name,
		Credits:  credits,
		Holdings: make(map[int64]int64),
	}
}

// Holding returns the quantity of an asset held by the unit (0 if none)
func (u *Unit) Holding(assetID int64) int64 {
	return u.Holdings[assetID]
}

// Validate checks unit invariants
func (u *Unit) Validate() error {
	if u.Credits < 0 {
		return &LedgerInvariantViolation{Unit: u.Name, Reason: fmt.Sprintf("negative credits: %d", u.Credits)}
	}
	for assetID, qty := range u.Holdings {
		if qty < 0 {
			return &LedgerInvariantViolation{Unit: u.Name, Reason: fmt.Sprintf("negative holding of asset %d: %d", assetID, qty)}
		}
	}
	return nil
}

// Order is a limit order placed on behalf of a unit.
// An order lives in exactly one of Outstanding or History.
type Order struct {
	ID               uint64
	Unit             string
	AssetID          int64
	Side             Side
	Quantity         int64 // Remaining while outstanding; quantity settled by the final fill once in History
	OriginalQuantity int64 // Quantity at submission
	LimitPrice       int64
	PlacedAt         time.Time
	ResolvedAt       *time.Time // nil while outstanding
}

// IsBuy reports whether the order buys the asset
func (o *Order) IsBuy() bool { return o.Side == Buy }

// Resolve marks the order as settled at t
func (o *Order) Resolve(t time.Time) {
	o.ResolvedAt = &t
}

// Trade is the record of one settled buy/sell pairing
type Trade struct {
	ID          uint64
	AssetID     int64
	BuyOrderID  uint64
	SellOrderID uint64
	Buyer       string
	Seller      string
	Quantity    int64
	Price       int64 // per unit of asset
	ExecutedAt  time.Time
}

// Value returns the credits transferred from buyer to seller
func (t *Trade) Value() int64 { return t.Quantity * t.Price }

var unitNamePattern = regexp.MustCompile(`^[a-zA-Z]+$`)

// NormalizeUnitName validates a unit name and returns its canonical lowercase form
func NormalizeUnitName(name string) (string, error) {
	if !unitNamePattern.MatchString(name) {
		return "", &ValidationError{Field: "unit", Reason: fmt.Sprintf("unit name %q must be letters only", name)}
	}
	return strings.ToLower(name), nil
}

// Cost returns quantity*price, reporting false on overflow
func Cost(quantity, price int64) (int64, bool) {
	if quantity == 0 || price == 0 {
		return 0, true
	}
	c := quantity * price
	if c/quantity != price || c < 0 {
		return 0, false
	}
	return c, true
}
