package convention

import (
	"fmt"
	"strings"
	"time"
)

// StatusName is the persisted label of a convention status.
type StatusName string

const (
	StatusDraft                StatusName = "DRAFT"
	StatusReadyToSign          StatusName = "READY_TO_SIGN"
	StatusPartiallySigned      StatusName = "PARTIALLY_SIGNED"
	StatusInReview             StatusName = "IN_REVIEW"
	StatusAcceptedByCounsellor StatusName = "ACCEPTED_BY_COUNSELLOR"
	StatusAcceptedByValidator  StatusName = "ACCEPTED_BY_VALIDATOR"
	StatusValidated            StatusName = "VALIDATED"
	StatusRejected             StatusName = "REJECTED"
	StatusCancelled            StatusName = "CANCELLED"
	StatusDeprecated           StatusName = "DEPRECATED"
)

// IsTerminal reports whether no action may leave the status.
func (n StatusName) IsTerminal() bool {
	switch n {
	case StatusValidated, StatusRejected, StatusCancelled, StatusDeprecated:
		return true
	}
	return false
}

// IsBroadcastEligible reports whether a convention in this status is pushed to the partner.
func (n StatusName) IsBroadcastEligible() bool {
	return n == StatusAcceptedByValidator || n == StatusValidated
}

// Status is a closed set of variants; each carries only the fields valid for it.
type Status interface {
	Name() StatusName
	isStatus()
}

type (
	Draft                struct{}
	ReadyToSign          struct{}
	PartiallySigned      struct{}
	InReview             struct{}
	AcceptedByCounsellor struct{}
	AcceptedByValidator  struct{ ValidatedAt time.Time }
	Validated            struct{ ValidatedAt time.Time }
	Rejected             struct{ Justification string }
	Cancelled            struct{ Justification string }
	Deprecated           struct{ Justification string }
)

func (Draft) Name() StatusName                { return StatusDraft }
func (ReadyToSign) Name() StatusName          { return StatusReadyToSign }
func (PartiallySigned) Name() StatusName      { return StatusPartiallySigned }
func (InReview) Name() StatusName             { return StatusInReview }
func (AcceptedByCounsellor) Name() StatusName { return StatusAcceptedByCounsellor }
func (AcceptedByValidator) Name() StatusName  { return StatusAcceptedByValidator }
func (Validated) Name() StatusName            { return StatusValidated }
func (Rejected) Name() StatusName             { return StatusRejected }
func (Cancelled) Name() StatusName            { return StatusCancelled }
func (Deprecated) Name() StatusName           { return StatusDeprecated }

func (Draft) isStatus()                {}
func (ReadyToSign) isStatus()          {}
func (PartiallySigned) isStatus()      {}
func (InReview) isStatus()             {}
func (AcceptedByCounsellor) isStatus() {}
func (AcceptedByValidator) isStatus()  {}
func (Validated) isStatus()            {}
func (Rejected) isStatus()             {}
func (Cancelled) isStatus()            {}
func (Deprecated) isStatus()           {}

// StatusColumns is the flattened storage form of a Status.
type StatusColumns struct {
	Name           StatusName
	Justification  *string
	DateValidation *time.Time
}

// EncodeStatus flattens s into its three persisted columns.
func EncodeStatus(s Status) StatusColumns {
	cols := StatusColumns{Name: s.Name()}
	switch v := s.(type) {
	case AcceptedByValidator:
		t := v.ValidatedAt.UTC()
		cols.DateValidation = &t
	case Validated:
		t := v.ValidatedAt.UTC()
		cols.DateValidation = &t
	case Rejected:
		cols.Justification = &v.Justification
	case Cancelled:
		cols.Justification = &v.Justification
	case Deprecated:
		cols.Justification = &v.Justification
	}
	return cols
}

// DecodeStatus rebuilds a Status from its persisted columns, rejecting
// combinations no variant can hold.
func DecodeStatus(cols StatusColumns) (Status, error) {
	justified := cols.Name == StatusRejected || cols.Name == StatusCancelled || cols.Name == StatusDeprecated
	dated := cols.Name == StatusAcceptedByValidator || cols.Name == StatusValidated

	hasJustification := cols.Justification != nil && strings.TrimSpace(*cols.Justification) != ""
	if justified != hasJustification {
		return nil, fmt.Errorf("%w: %s with justification=%t", ErrInvalidStatus, cols.Name, hasJustification)
	}
	if dated != (cols.DateValidation != nil) {
		return nil, fmt.Errorf("%w: %s with validation date=%t", ErrInvalidStatus, cols.Name, cols.DateValidation != nil)
	}

	switch cols.Name {
	case StatusDraft:
		return Draft{}, nil
	case StatusReadyToSign:
		return ReadyToSign{}, nil
	case StatusPartiallySigned:
		return PartiallySigned{}, nil
	case StatusInReview:
		return InReview{}, nil
	case StatusAcceptedByCounsellor:
		return AcceptedByCounsellor{}, nil
	case StatusAcceptedByValidator:
		return AcceptedByValidator{ValidatedAt: cols.DateValidation.UTC()}, nil
	case StatusValidated:
		return Validated{ValidatedAt: cols.DateValidation.UTC()}, nil
	case StatusRejected:
		return Rejected{Justification: *cols.Justification}, nil
	case StatusCancelled:
		return Cancelled{Justification: *cols.Justification}, nil
	case StatusDeprecated:
		return Deprecated{Justification: *cols.Justification}, nil
	}
	return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, cols.Name)
}

// validatedAt returns the validation timestamp carried by s, if any.
func validatedAt(s Status) (time.Time, bool) {
	switch v := s.(type) {
	case AcceptedByValidator:
		return v.ValidatedAt, true
	case Validated:
		return v.ValidatedAt, true
	}
	return time.Time{}, false
}
