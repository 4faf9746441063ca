package convention

import (
	"fmt"
	"strings"
	"time"

	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

// NewConvention builds a DRAFT convention from params and the matching
// creation event.
func NewConvention(id string, params CreateParams, now time.Time) (Convention, []outbox.Event, error) {
	if !params.ActorRole.IsSignatory() && !params.ActorRole.IsAgency() {
		return Convention{}, nil, refuse(ErrUnauthorized, "create", "", params.ActorRole, "")
	}
	if err := validateContent(params.AgencyID, params.Siret, params.DateStart, params.DateEnd); err != nil {
		return Convention{}, nil, err
	}

	signatories := make(map[Role]Signatory, len(params.Signatories))
	for _, s := range params.Signatories {
		if _, dup := signatories[s.Role]; dup {
			return Convention{}, nil, fmt.Errorf("%w: duplicate signatory %q", ErrInvalidSignatoryConfiguration, s.Role)
		}
		s.SignedAt = nil
		signatories[s.Role] = s
	}
	if _, err := RequiredSignatories(signatories, params.BeneficiaryIsMinor); err != nil {
		return Convention{}, nil, err
	}

	now = now.UTC()
	conv := Convention{
		ID:                 id,
		Status:             Draft{},
		DateSubmission:     now,
		DateStart:          params.DateStart.UTC(),
		DateEnd:            params.DateEnd.UTC(),
		AgencyID:           strings.TrimSpace(params.AgencyID),
		Siret:              strings.TrimSpace(params.Siret),
		BusinessName:       strings.TrimSpace(params.BusinessName),
		Schedule:           params.Schedule,
		ImmersionObjective: params.ImmersionObjective,
		BeneficiaryIsMinor: params.BeneficiaryIsMinor,
		Signatories:        signatories,
		StatusChangedAt:    now,
	}

	ev, err := outbox.NewEvent(outbox.TopicConventionCreated, now, outbox.ConventionRefPayload{
		ConventionID: id,
		Status:       string(StatusDraft),
		ActorRole:    string(params.ActorRole),
	})
	if err != nil {
		return Convention{}, nil, err
	}
	return conv, []outbox.Event{ev}, nil
}

// Renew derives a new DRAFT convention from an accepted one. The source is
// left as is; the copy keeps parties and agency, drops every signature and
// points back to its source.
func Renew(source Convention, newID string, params RenewParams, now time.Time) (Convention, []outbox.Event, error) {
	current := source.StatusName()
	if !current.IsBroadcastEligible() {
		return Convention{}, nil, refuse(ErrIllegalTransition, "renew", current, params.ActorRole, "only accepted conventions can be renewed")
	}
	if !params.ActorRole.IsAgency() {
		return Convention{}, nil, refuse(ErrUnauthorized, "renew", current, params.ActorRole, "")
	}
	if err := validateContent(source.AgencyID, source.Siret, params.DateStart, params.DateEnd); err != nil {
		return Convention{}, nil, err
	}

	now = now.UTC()
	renewed := source.Clone()
	renewed.ID = newID
	renewed.Status = Draft{}
	renewed.DateSubmission = now
	renewed.DateStart = params.DateStart.UTC()
	renewed.DateEnd = params.DateEnd.UTC()
	renewed.StatusChangedAt = now
	renewed.clearSignatures()
	from := source.ID
	renewed.RenewedFrom = &from

	ev, err := outbox.NewEvent(outbox.TopicConventionCreated, now, outbox.ConventionRefPayload{
		ConventionID: newID,
		Status:       string(StatusDraft),
		ActorRole:    string(params.ActorRole),
		RenewedFrom:  source.ID,
	})
	if err != nil {
		return Convention{}, nil, err
	}
	return renewed, []outbox.Event{ev}, nil
}

func validateContent(agencyID, siret string, start, end time.Time) error {
	switch {
	case strings.TrimSpace(agencyID) == "":
		return fmt.Errorf("%w: agency is required", ErrInvalidConvention)
	case len(strings.TrimSpace(siret)) != 14:
		return fmt.Errorf("%w: siret must have 14 digits", ErrInvalidConvention)
	case start.IsZero() || end.IsZero():
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidConvention)
	case !end.After(start):
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidConvention)
	}
	return nil
}
