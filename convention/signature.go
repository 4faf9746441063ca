package convention

import (
	"fmt"
	"sort"
)

// Readiness is the signature progress of a convention.
type Readiness struct {
	FullySigned     bool
	PartiallySigned bool
}

// RequiredSignatories lists the roles that must sign: beneficiary and
// establishment representative always, the beneficiary representative for a
// minor, and any other declared signatory.
func RequiredSignatories(signatories map[Role]Signatory, beneficiaryIsMinor bool) ([]Role, error) {
	for key, s := range signatories {
		if !key.IsSignatory() {
			return nil, fmt.Errorf("%w: unknown signatory role %q", ErrInvalidSignatoryConfiguration, key)
		}
		if s.Role != "" && s.Role != key {
			return nil, fmt.Errorf("%w: signatory stored under %q declares role %q", ErrInvalidSignatoryConfiguration, key, s.Role)
		}
	}
	if _, ok := signatories[RoleBeneficiary]; !ok {
		return nil, fmt.Errorf("%w: beneficiary is missing", ErrInvalidSignatoryConfiguration)
	}
	if _, ok := signatories[RoleEstablishmentRepresentative]; !ok {
		return nil, fmt.Errorf("%w: establishment representative is missing", ErrInvalidSignatoryConfiguration)
	}
	if _, ok := signatories[RoleBeneficiaryRepresentative]; beneficiaryIsMinor && !ok {
		return nil, fmt.Errorf("%w: minor beneficiary requires a legal representative", ErrInvalidSignatoryConfiguration)
	}

	roles := make([]Role, 0, len(signatories))
	for key := range signatories {
		roles = append(roles, key)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles, nil
}

// EvaluateSignatures reports whether every required signatory has signed, or
// only some of them. It has no side effects.
func EvaluateSignatures(signatories map[Role]Signatory, beneficiaryIsMinor bool) (Readiness, error) {
	required, err := RequiredSignatories(signatories, beneficiaryIsMinor)
	if err != nil {
		return Readiness{}, err
	}
	signed := 0
	for _, role := range required {
		if signatories[role].SignedAt != nil {
			signed++
		}
	}
	return Readiness{
		FullySigned:     signed == len(required),
		PartiallySigned: signed > 0 && signed < len(required),
	}, nil
}
