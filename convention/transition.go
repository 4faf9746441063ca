package convention

import (
	"fmt"
	"strings"
	"time"

	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

// Action is a transition an actor may request.
type Action string

const (
	ActionSubmit              Action = "submit"
	ActionSign                Action = "sign"
	ActionRequestModification Action = "requestModification"
	ActionAcceptAsCounsellor  Action = "acceptAsCounsellor"
	ActionAcceptAsValidator   Action = "acceptAsValidator"
	ActionValidate            Action = "validate"
	ActionReject              Action = "reject"
	ActionCancel              Action = "cancel"
	ActionDeprecate           Action = "deprecate"
	ActionTransferToAgency    Action = "transferToAgency"
)

// TransitionRequest is an actor's request to move a convention along.
type TransitionRequest struct {
	Action         Action
	ActorRole      Role
	SignatoryRole  Role
	Justification  string
	TargetAgencyID string
}

type rule struct {
	from          []StatusName
	roles         []Role
	justification bool
}

var (
	signatoryRoles = []Role{RoleBeneficiary, RoleEstablishmentRepresentative, RoleBeneficiaryRepresentative, RoleBeneficiaryCurrentEmployer}
	agencyRoles    = []Role{RoleCounsellor, RoleValidator, RoleBackOffice}
	validatorRoles = []Role{RoleValidator, RoleBackOffice}
)

// transitions is the complete table of legal moves. Anything absent is illegal.
var transitions = map[Action]rule{
	ActionSubmit: {
		from:  []StatusName{StatusDraft},
		roles: signatoryRoles,
	},
	ActionSign: {
		from:  []StatusName{StatusReadyToSign, StatusPartiallySigned, StatusInReview},
		roles: signatoryRoles,
	},
	ActionRequestModification: {
		from:          []StatusName{StatusReadyToSign, StatusPartiallySigned, StatusInReview, StatusAcceptedByCounsellor},
		roles:         append(append([]Role{}, signatoryRoles...), agencyRoles...),
		justification: true,
	},
	ActionAcceptAsCounsellor: {
		from:  []StatusName{StatusInReview},
		roles: agencyRoles,
	},
	ActionAcceptAsValidator: {
		from:  []StatusName{StatusInReview, StatusAcceptedByCounsellor},
		roles: validatorRoles,
	},
	ActionValidate: {
		from:  []StatusName{StatusAcceptedByValidator},
		roles: validatorRoles,
	},
	ActionReject: {
		from:          []StatusName{StatusReadyToSign, StatusPartiallySigned, StatusInReview, StatusAcceptedByCounsellor},
		roles:         agencyRoles,
		justification: true,
	},
	ActionCancel: {
		from:          []StatusName{StatusDraft, StatusReadyToSign, StatusPartiallySigned, StatusInReview, StatusAcceptedByCounsellor, StatusAcceptedByValidator},
		roles:         agencyRoles,
		justification: true,
	},
	ActionDeprecate: {
		from:          []StatusName{StatusDraft, StatusReadyToSign, StatusPartiallySigned, StatusInReview, StatusAcceptedByCounsellor},
		roles:         append(append([]Role{}, agencyRoles...), RoleSystem),
		justification: true,
	},
	ActionTransferToAgency: {
		from:          []StatusName{StatusInReview, StatusAcceptedByCounsellor},
		roles:         agencyRoles,
		justification: true,
	},
}

// AllowedFrom reports whether action may be requested while in status.
func AllowedFrom(action Action, status StatusName) bool {
	r, ok := transitions[action]
	return ok && containsStatus(r.from, status)
}

// ApplyTransition validates req against the current state of conv and returns
// the updated convention with the events to append. It is pure: on error conv
// is untouched and no events are produced. A repeated signature by the same
// signatory succeeds with no change and no events.
func ApplyTransition(conv Convention, req TransitionRequest, now time.Time) (Convention, []outbox.Event, error) {
	current := conv.StatusName()
	r, ok := transitions[req.Action]
	if !ok {
		return conv, nil, refuse(ErrIllegalTransition, req.Action, current, req.ActorRole, "unknown action")
	}
	if !containsStatus(r.from, current) {
		return conv, nil, refuse(ErrIllegalTransition, req.Action, current, req.ActorRole, "")
	}
	if !containsRole(r.roles, req.ActorRole) {
		return conv, nil, refuse(ErrUnauthorized, req.Action, current, req.ActorRole, "")
	}
	justification := strings.TrimSpace(req.Justification)
	if r.justification && justification == "" {
		return conv, nil, refuse(ErrMissingJustification, req.Action, current, req.ActorRole, "")
	}

	next := conv.Clone()
	now = now.UTC()

	switch req.Action {
	case ActionSubmit:
		if _, err := RequiredSignatories(next.Signatories, next.BeneficiaryIsMinor); err != nil {
			return conv, nil, refuse(ErrInvalidSignatoryConfiguration, req.Action, current, req.ActorRole, err.Error())
		}
		next.Status = ReadyToSign{}
		next.DateSubmission = now

	case ActionSign:
		signer := req.SignatoryRole
		if signer == "" {
			signer = req.ActorRole
		}
		if signer != req.ActorRole {
			return conv, nil, refuse(ErrUnauthorized, req.Action, current, req.ActorRole, fmt.Sprintf("cannot sign as %s", signer))
		}
		s, ok := next.Signatories[signer]
		if !ok {
			return conv, nil, refuse(ErrUnauthorized, req.Action, current, req.ActorRole, "not a signatory of this convention")
		}
		if s.SignedAt != nil {
			return conv, nil, nil
		}
		if current == StatusInReview {
			return conv, nil, refuse(ErrIllegalTransition, req.Action, current, req.ActorRole, "only already-signed parties may re-sign in review")
		}
		signedAt := now
		s.SignedAt = &signedAt
		next.Signatories[signer] = s

		readiness, err := EvaluateSignatures(next.Signatories, next.BeneficiaryIsMinor)
		if err != nil {
			return conv, nil, refuse(ErrInvalidSignatoryConfiguration, req.Action, current, req.ActorRole, err.Error())
		}
		if readiness.FullySigned {
			next.Status = InReview{}
		} else {
			next.Status = PartiallySigned{}
		}

	case ActionRequestModification:
		next.Status = Draft{}
		next.clearSignatures()

	case ActionAcceptAsCounsellor:
		next.Status = AcceptedByCounsellor{}

	case ActionAcceptAsValidator:
		next.Status = AcceptedByValidator{ValidatedAt: now}

	case ActionValidate:
		at, ok := validatedAt(conv.Status)
		if !ok {
			at = now
		}
		next.Status = Validated{ValidatedAt: at}

	case ActionReject:
		next.Status = Rejected{Justification: justification}

	case ActionCancel:
		next.Status = Cancelled{Justification: justification}

	case ActionDeprecate:
		next.Status = Deprecated{Justification: justification}

	case ActionTransferToAgency:
		target := strings.TrimSpace(req.TargetAgencyID)
		if target == "" || target == conv.AgencyID {
			return conv, nil, refuse(ErrInvalidTransferTarget, req.Action, current, req.ActorRole, "target agency must differ from the current one")
		}
		next.AgencyID = target
		next.Status = InReview{}
	}

	next.StatusChangedAt = now

	events, err := transitionEvents(conv, next, req, justification, now)
	if err != nil {
		return conv, nil, err
	}
	return next, events, nil
}

func transitionEvents(prev, next Convention, req TransitionRequest, justification string, now time.Time) ([]outbox.Event, error) {
	payload := outbox.StatusChangedPayload{
		ConventionID:   next.ID,
		PreviousStatus: string(prev.StatusName()),
		NewStatus:      string(next.StatusName()),
		ActorRole:      string(req.ActorRole),
		Action:         string(req.Action),
		Justification:  justification,
		AgencyID:       next.AgencyID,
	}
	if req.Action == ActionSign {
		payload.SignatoryRole = string(req.ActorRole)
	}
	changed, err := outbox.NewEvent(outbox.TopicConventionStatusChanged, now, payload)
	if err != nil {
		return nil, err
	}
	events := []outbox.Event{changed}

	if next.StatusName().IsBroadcastEligible() && next.StatusName() != prev.StatusName() {
		ready, err := outbox.NewEvent(outbox.TopicConventionReadyForBroadcast, now, outbox.ConventionRefPayload{
			ConventionID: next.ID,
			Status:       string(next.StatusName()),
		})
		if err != nil {
			return nil, err
		}
		events = append(events, ready)
	}
	return events, nil
}

func containsStatus(list []StatusName, s StatusName) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsRole(list []Role, r Role) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}
