package domain

import (
	"errors"
	"fmt"
)

var ErrInvalidOutcome = errors.New("outcome violates offer space")

// Contains reports whether the outcome lies inside the space. Bounds
// are inclusive: an offer exactly at a bound is valid.
func (s OfferSpace) Contains(o Outcome) bool {
	if o.Quantity < s.MinQuantity || o.Quantity > s.MaxQuantity {
		return false
	}
	if o.UnitPrice < s.MinUnitPrice || o.UnitPrice > s.MaxUnitPrice {
		return false
	}
	return o.Time == s.Time
}

func (s OfferSpace) Validate(o Outcome) error {
	if o.Quantity < s.MinQuantity || o.Quantity > s.MaxQuantity {
		return fmt.Errorf("quantity %d outside [%d, %d]: %w", o.Quantity, s.MinQuantity, s.MaxQuantity, ErrInvalidOutcome)
	}
	if o.UnitPrice < s.MinUnitPrice || o.UnitPrice > s.MaxUnitPrice {
		return fmt.Errorf("unit price %g outside [%g, %g]: %w", o.UnitPrice, s.MinUnitPrice, s.MaxUnitPrice, ErrInvalidOutcome)
	}
	if o.Time != s.Time {
		return fmt.Errorf("time %d does not match period %d: %w", o.Time, s.Time, ErrInvalidOutcome)
	}
	return nil
}

// ClampQuantity fits a desired quantity into the space bounds. Used by
// offer construction, never by validation.
func (s OfferSpace) ClampQuantity(q int) int {
	if q < s.MinQuantity {
		return s.MinQuantity
	}
	if q > s.MaxQuantity {
		return s.MaxQuantity
	}
	return q
}
