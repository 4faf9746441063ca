package convention

import "time"

// Role identifies who is acting on a convention. Signatory roles double as
// keys of Convention.Signatories.
type Role string

const (
	RoleBeneficiary                 Role = "beneficiary"
	RoleEstablishmentRepresentative Role = "establishment-representative"
	RoleBeneficiaryRepresentative   Role = "beneficiary-representative"
	RoleBeneficiaryCurrentEmployer  Role = "beneficiary-current-employer"

	RoleCounsellor Role = "counsellor"
	RoleValidator  Role = "validator"
	RoleBackOffice Role = "back-office"

	// RoleSystem is used by scheduled jobs, never by a person.
	RoleSystem Role = "system"
)

// IsSignatory reports whether r is one of the fixed signatory roles.
func (r Role) IsSignatory() bool {
	switch r {
	case RoleBeneficiary, RoleEstablishmentRepresentative, RoleBeneficiaryRepresentative, RoleBeneficiaryCurrentEmployer:
		return true
	}
	return false
}

// IsAgency reports whether r acts on behalf of the supervising agency.
func (r Role) IsAgency() bool {
	return r == RoleCounsellor || r == RoleValidator || r == RoleBackOffice
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.IsSignatory() || r.IsAgency() || r == RoleSystem
}

// Signatory is one party expected to sign the convention.
type Signatory struct {
	Role      Role
	FirstName string
	LastName  string
	Email     string
	Phone     string
	SignedAt  *time.Time
}

// Schedule summarises the weekly immersion schedule.
type Schedule struct {
	TotalHours float64
	Summary    string
}

// Convention is the agreement aggregate. It is only mutated through
// ApplyTransition and never deleted.
type Convention struct {
	ID                 string
	Status             Status
	DateSubmission     time.Time
	DateStart          time.Time
	DateEnd            time.Time
	AgencyID           string
	Siret              string
	BusinessName       string
	Schedule           Schedule
	ImmersionObjective string
	BeneficiaryIsMinor bool
	Signatories        map[Role]Signatory
	RenewedFrom        *string
	StatusChangedAt    time.Time
}

// Clone returns a deep copy so callers can mutate the result freely.
func (c Convention) Clone() Convention {
	out := c
	if c.Signatories != nil {
		out.Signatories = make(map[Role]Signatory, len(c.Signatories))
		for role, s := range c.Signatories {
			if s.SignedAt != nil {
				t := *s.SignedAt
				s.SignedAt = &t
			}
			out.Signatories[role] = s
		}
	}
	if c.RenewedFrom != nil {
		id := *c.RenewedFrom
		out.RenewedFrom = &id
	}
	return out
}

// StatusName is a shortcut for c.Status.Name().
func (c Convention) StatusName() StatusName {
	if c.Status == nil {
		return ""
	}
	return c.Status.Name()
}

func (c *Convention) clearSignatures() {
	for role, s := range c.Signatories {
		s.SignedAt = nil
		c.Signatories[role] = s
	}
}

// CreateParams is the caller-supplied content of a new convention.
type CreateParams struct {
	ActorRole          Role
	DateStart          time.Time
	DateEnd            time.Time
	AgencyID           string
	Siret              string
	BusinessName       string
	Schedule           Schedule
	ImmersionObjective string
	BeneficiaryIsMinor bool
	Signatories        []Signatory
}

// RenewParams describes the renewal of an accepted convention.
type RenewParams struct {
	ActorRole Role
	DateStart time.Time
	DateEnd   time.Time
}
