package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gip-inclusion/immersion-facile-sub025/convention"
)

var (
	ErrNotFound     = errors.New("broadcast: not found")
	ErrUnauthorized = errors.New("broadcast: unauthorized")
	ErrIneligible   = errors.New("broadcast: convention is not in a broadcast-eligible status")
	ErrInvalidEntry = errors.New("broadcast: invalid ledger entry")
)

// SyncStatus is the delivery state of a convention towards the partner.
type SyncStatus string

const (
	StatusToProcess SyncStatus = "TO_PROCESS"
	StatusSuccess   SyncStatus = "SUCCESS"
	StatusError     SyncStatus = "ERROR"
	StatusSkip      SyncStatus = "SKIP"
)

// LedgerEntry is the single sync row of a convention. ProcessDate and Reason
// are set exactly when Status is not TO_PROCESS. AttemptedFor is the
// convention status the last attempt was made for, empty when unknown.
type LedgerEntry struct {
	ConventionID string
	Status       SyncStatus
	ProcessDate  *time.Time
	Reason       *string
	AttemptedFor convention.StatusName
}

// Validate enforces the field presence rule of LedgerEntry.
func (e LedgerEntry) Validate() error {
	switch e.Status {
	case StatusToProcess:
		if e.ProcessDate != nil || e.Reason != nil {
			return fmt.Errorf("%w: %s must not carry a process date or reason", ErrInvalidEntry, e.Status)
		}
	case StatusSuccess, StatusError, StatusSkip:
		if e.ProcessDate == nil || e.Reason == nil {
			return fmt.Errorf("%w: %s requires a process date and a reason", ErrInvalidEntry, e.Status)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

// ToProcess returns a fresh entry waiting for its first attempt.
func ToProcess(conventionID string) LedgerEntry {
	return LedgerEntry{ConventionID: conventionID, Status: StatusToProcess}
}

// Processed returns an entry recording an attempt made at when.
func Processed(conventionID string, status SyncStatus, when time.Time, reason string) LedgerEntry {
	w := when.UTC()
	return LedgerEntry{ConventionID: conventionID, Status: status, ProcessDate: &w, Reason: &reason}
}

// attempted reports whether the entry already records an attempt made for a
// convention in status s.
func (e LedgerEntry) attempted(s convention.StatusName) bool {
	return e.Status != StatusToProcess && e.AttemptedFor != "" && e.AttemptedFor == s
}

// ErrorFeedback is what the partner told us when it did not accept a delivery.
type ErrorFeedback struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// PartnerResponse is the raw answer of the partner, kept for inspection.
type PartnerResponse struct {
	HTTPStatus int             `json:"httpStatus"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Feedback is the latest delivery report for a (convention, consumer) pair.
type Feedback struct {
	ServiceName             string
	ConsumerName            string
	ConsumerID              string
	ConventionID            string
	RequestParams           json.RawMessage
	Response                *PartnerResponse
	SubscriberErrorFeedback *ErrorFeedback
	OccurredAt              time.Time
	HandledByAgency         bool
}

// DeliveryOutcome is the classified result of one delivery attempt.
type DeliveryOutcome struct {
	ConventionID string
	Status       SyncStatus
	Reason       string
	HTTPStatus   int
	ProcessDate  time.Time
}

// SweepResult summarises one retry sweep.
type SweepResult struct {
	Attempted   int
	Succeeded   int
	Failed      int
	Skipped     int
	Interrupted bool
}
