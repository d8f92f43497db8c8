package ledger

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input (names, quantities, prices)
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// EntityKind names what a NotFoundError or AlreadyExistsError refers to
type EntityKind string

const (
	KindUnit  EntityKind = "unit"
	KindAsset EntityKind = "asset"
	KindOrder EntityKind = "order"
)

// NotFoundError reports an unknown unit, asset or order
type NotFoundError struct {
	Kind EntityKind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s does not exist", e.Kind, e.Key)
}

// AlreadyExistsError reports a duplicate unit name, asset id or asset description
type AlreadyExistsError struct {
	Kind EntityKind
	Key  string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Kind, e.Key)
}

// InsufficientFundsError rejects a buy costing more than the unit's credits
type InsufficientFundsError struct {
	Unit      string
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: need %d, have %d", e.Unit, e.Required, e.Available)
}

// InsufficientInventoryError rejects a sell larger than the unit's holding
type InsufficientInventoryError struct {
	Unit      string
	AssetID   int64
	Required  int64
	Available int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory of asset %d for %s: need %d, have %d", e.AssetID, e.Unit, e.Required, e.Available)
}

// LedgerInvariantViolation is returned when a mutation would drive credits or a holding negative.
// Such a mutation is never committed.
type LedgerInvariantViolation struct {
	Unit   string
	Reason string
}

func (e *LedgerInvariantViolation) Error() string {
	return fmt.Sprintf("ledger invariant violated for %s: %s", e.Unit, e.Reason)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError of the given kind.
// An empty kind matches any.
func IsNotFound(err error, kind EntityKind) bool {
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return false
	}
	return kind == "" || nf.Kind == kind
}

// IsRejection reports whether err is a domain rejection rather than an infrastructure failure
func IsRejection(err error) bool {
	var (
		ve  *ValidationError
		nf  *NotFoundError
		ae  *AlreadyExistsError
		ife *InsufficientFundsError
		iie *InsufficientInventoryError
		liv *LedgerInvariantViolation
	)
	return errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &ae) ||
		errors.As(err, &ife) || errors.As(err, &iie) || errors.As(err, &liv)
}
