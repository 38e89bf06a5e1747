package reconcile

import (
	"errors"

	"github.com/hongminglow/sampledeck-billing/internal/catalog"
	"github.com/hongminglow/sampledeck-billing/internal/ledger"
)

var (
	// ErrUserNotFound means no application user matches the event's customer or user id.
	ErrUserNotFound = errors.New("user not found")
	// ErrMalformedEvent means a verified event lacks the fields its handler needs.
	ErrMalformedEvent = errors.New("malformed event")
)

// IsPermanent reports whether err is an application-data defect that a
// provider retry can never fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, catalog.ErrUnknownProduct) ||
		errors.Is(err, ledger.ErrInvalidEntry)
}

// Outcome summarizes how an event was reconciled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeStale     Outcome = "stale"
	OutcomeRejected  Outcome = "rejected"
)
