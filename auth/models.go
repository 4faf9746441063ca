package auth

import (
	"time"

	"github.com/gip-inclusion/immersion-facile-sub025/convention"
)

// Actor is the authenticated caller. Signatories receive tokens scoped to a
// single convention through magic links; agency users get tokens scoped to
// their agency and back-office users get unscoped ones.
type Actor struct {
	Subject      string
	Role         convention.Role
	ConventionID string
	AgencyID     string
	ExpiresAt    time.Time
}

// CanAccess reports whether the actor may act on conventionID.
func (a Actor) CanAccess(conventionID string) bool {
	return a.ConventionID == "" || a.ConventionID == conventionID
}

// AgencyScoped reports whether the actor is confined to the conventions of
// its agency claim.
func (a Actor) AgencyScoped() bool {
	return a.AgencyID != "" && a.Role != convention.RoleBackOffice
}

// CanAccessAgency reports whether the actor may act on a convention managed by
// agencyID.
func (a Actor) CanAccessAgency(agencyID string) bool {
	return !a.AgencyScoped() || a.AgencyID == agencyID
}

// IssueRequest describes the token to mint.
type IssueRequest struct {
	Subject      string
	Role         convention.Role
	ConventionID string
	AgencyID     string
	TTL          time.Duration
}
