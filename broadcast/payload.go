package broadcast

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/gip-inclusion/immersion-facile-sub025/agency"
	"github.com/gip-inclusion/immersion-facile-sub025/convention"
)

// Document is the flattened form of a convention the partner ingests. Field
// order is fixed so the same snapshot always encodes to the same bytes.
type Document struct {
	ConventionID       string  `json:"conventionId"`
	Status             string  `json:"status"`
	AgencyID           string  `json:"agencyId"`
	AgencyKind         string  `json:"agencyKind,omitempty"`
	Siret              string  `json:"siret"`
	BusinessName       string  `json:"businessName"`
	DateSubmission     string  `json:"dateSubmission"`
	DateStart          string  `json:"dateStart"`
	DateEnd            string  `json:"dateEnd"`
	DateValidation     string  `json:"dateValidation,omitempty"`
	ImmersionObjective string  `json:"immersionObjective,omitempty"`
	ScheduleTotalHours float64 `json:"scheduleTotalHours"`
	ScheduleSummary    string  `json:"scheduleSummary,omitempty"`
	BeneficiaryIsMinor bool    `json:"beneficiaryIsMinor"`
	RenewedFrom        string  `json:"renewedFrom,omitempty"`

	BeneficiaryFirstName string `json:"beneficiaryFirstName"`
	BeneficiaryLastName  string `json:"beneficiaryLastName"`
	BeneficiaryEmail     string `json:"beneficiaryEmail"`
	BeneficiaryPhone     string `json:"beneficiaryPhone,omitempty"`
	BeneficiarySignedAt  string `json:"beneficiarySignedAt,omitempty"`

	EstablishmentRepresentativeFirstName string `json:"establishmentRepresentativeFirstName"`
	EstablishmentRepresentativeLastName  string `json:"establishmentRepresentativeLastName"`
	EstablishmentRepresentativeEmail     string `json:"establishmentRepresentativeEmail"`
	EstablishmentRepresentativePhone     string `json:"establishmentRepresentativePhone,omitempty"`
	EstablishmentRepresentativeSignedAt  string `json:"establishmentRepresentativeSignedAt,omitempty"`

	BeneficiaryRepresentativeFirstName string `json:"beneficiaryRepresentativeFirstName,omitempty"`
	BeneficiaryRepresentativeLastName  string `json:"beneficiaryRepresentativeLastName,omitempty"`
	BeneficiaryRepresentativeEmail     string `json:"beneficiaryRepresentativeEmail,omitempty"`
	BeneficiaryRepresentativePhone     string `json:"beneficiaryRepresentativePhone,omitempty"`
	BeneficiaryRepresentativeSignedAt  string `json:"beneficiaryRepresentativeSignedAt,omitempty"`

	CurrentEmployerFirstName string `json:"beneficiaryCurrentEmployerFirstName,omitempty"`
	CurrentEmployerLastName  string `json:"beneficiaryCurrentEmployerLastName,omitempty"`
	CurrentEmployerEmail     string `json:"beneficiaryCurrentEmployerEmail,omitempty"`
	CurrentEmployerPhone     string `json:"beneficiaryCurrentEmployerPhone,omitempty"`
	CurrentEmployerSignedAt  string `json:"beneficiaryCurrentEmployerSignedAt,omitempty"`
}

// NewDocument flattens c. Timestamps are rendered in UTC RFC 3339.
func NewDocument(c convention.Convention, kind agency.Kind) Document {
	doc := Document{
		ConventionID:       c.ID,
		Status:             string(c.StatusName()),
		AgencyID:           c.AgencyID,
		AgencyKind:         string(kind),
		Siret:              c.Siret,
		BusinessName:       c.BusinessName,
		DateSubmission:     formatTime(c.DateSubmission),
		DateStart:          formatTime(c.DateStart),
		DateEnd:            formatTime(c.DateEnd),
		ImmersionObjective: c.ImmersionObjective,
		ScheduleTotalHours: c.Schedule.TotalHours,
		ScheduleSummary:    c.Schedule.Summary,
		BeneficiaryIsMinor: c.BeneficiaryIsMinor,
	}
	if cols := convention.EncodeStatus(c.Status); cols.DateValidation != nil {
		doc.DateValidation = formatTime(*cols.DateValidation)
	}
	if c.RenewedFrom != nil {
		doc.RenewedFrom = *c.RenewedFrom
	}

	if s, ok := c.Signatories[convention.RoleBeneficiary]; ok {
		doc.BeneficiaryFirstName, doc.BeneficiaryLastName = s.FirstName, s.LastName
		doc.BeneficiaryEmail, doc.BeneficiaryPhone = s.Email, s.Phone
		doc.BeneficiarySignedAt = formatSignedAt(s.SignedAt)
	}
	if s, ok := c.Signatories[convention.RoleEstablishmentRepresentative]; ok {
		doc.EstablishmentRepresentativeFirstName, doc.EstablishmentRepresentativeLastName = s.FirstName, s.LastName
		doc.EstablishmentRepresentativeEmail, doc.EstablishmentRepresentativePhone = s.Email, s.Phone
		doc.EstablishmentRepresentativeSignedAt = formatSignedAt(s.SignedAt)
	}
	if s, ok := c.Signatories[convention.RoleBeneficiaryRepresentative]; ok {
		doc.BeneficiaryRepresentativeFirstName, doc.BeneficiaryRepresentativeLastName = s.FirstName, s.LastName
		doc.BeneficiaryRepresentativeEmail, doc.BeneficiaryRepresentativePhone = s.Email, s.Phone
		doc.BeneficiaryRepresentativeSignedAt = formatSignedAt(s.SignedAt)
	}
	if s, ok := c.Signatories[convention.RoleBeneficiaryCurrentEmployer]; ok {
		doc.CurrentEmployerFirstName, doc.CurrentEmployerLastName = s.FirstName, s.LastName
		doc.CurrentEmployerEmail, doc.CurrentEmployerPhone = s.Email, s.Phone
		doc.CurrentEmployerSignedAt = formatSignedAt(s.SignedAt)
	}
	return doc
}

// Encode returns the wire bytes of d and their fingerprint, used as the
// partner idempotency key.
func (d Document) Encode() ([]byte, string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, "", fmt.Errorf("broadcast: encode document: %w", err)
	}
	sum := blake2b.Sum256(b)
	return b, hex.EncodeToString(sum[:]), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatSignedAt(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
