package model

import "fmt"

// MappingError describes why a single upstream row could not be normalized.
// Mapping errors are reported per row; the caller's batch loop continues
// rather than unwinding (see internal/mapper doc comment).
type MappingError struct {
	Symbol string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("map row (symbol=%s): %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("map row: %s", e.Reason)
}

func NewMappingError(symbol, reason string) *MappingError {
	return &MappingError{Symbol: symbol, Reason: reason}
}
