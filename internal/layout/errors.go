package layout

import (
	"errors"
	"fmt"
)

// Error kinds reported by validation and placement. Every kind is fatal: a
// failing placement never yields a partial image.
var (
	ErrInvalidDescriptor  = errors.New("invalid layout descriptor")
	ErrPlacementConflict  = errors.New("placement conflict")
	ErrAlignment          = errors.New("unsatisfiable alignment")
	ErrUnresolvedSymbol   = errors.New("unresolved symbol")
	ErrUnmatchedContent   = errors.New("unmatched content")
	ErrAmbiguousContent   = errors.New("ambiguous content")
	ErrDuplicateSymbol    = errors.New("duplicate symbol")
	ErrMemoryOverflow     = errors.New("image exceeds memory window")
	errCursorOverflow     = fmt.Errorf("%w: cursor overflows the address space", ErrMemoryOverflow)
	errFragmentWithoutSec = fmt.Errorf("%w: fragment has no section name", ErrInvalidDescriptor)
)

// Error annotates an error kind with the region or symbol it concerns.
type Error struct {
	Kind   error
	Region string
	Symbol string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Region != "" {
		msg += fmt.Sprintf(" in region %q", e.Region)
	}
	if e.Symbol != "" {
		msg += fmt.Sprintf(" for symbol %q", e.Symbol)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

func regionError(kind error, region string, format string, args ...any) error {
	return &Error{Kind: kind, Region: region, Detail: fmt.Sprintf(format, args...)}
}

func symbolError(kind error, symbol string, format string, args ...any) error {
	return &Error{Kind: kind, Symbol: symbol, Detail: fmt.Sprintf(format, args...)}
}
