package convention

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalTransition             = errors.New("convention: illegal transition")
	ErrUnauthorized                  = errors.New("convention: unauthorized")
	ErrNotFound                      = errors.New("convention: not found")
	ErrMissingJustification          = errors.New("convention: missing justification")
	ErrInvalidSignatoryConfiguration = errors.New("convention: invalid signatory configuration")
	ErrInvalidTransferTarget         = errors.New("convention: invalid transfer target")
	ErrInvalidStatus                 = errors.New("convention: invalid persisted status")
	ErrInvalidConvention             = errors.New("convention: invalid convention")
)

// TransitionError describes why a requested action was refused. Kind is one
// of the sentinel errors above, so errors.Is works on the result.
type TransitionError struct {
	Kind   error
	Action Action
	Status StatusName
	Role   Role
	Detail string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%v: action=%s status=%s role=%s", e.Kind, e.Action, e.Status, e.Role)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Kind }

func refuse(kind error, action Action, status StatusName, role Role, detail string) *TransitionError {
	return &TransitionError{Kind: kind, Action: action, Status: status, Role: role, Detail: detail}
}
