package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gip-inclusion/immersion-facile-sub025/convention"
	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

// Kind names the message template the sender should use.
type Kind string

const (
	KindConventionCreated     Kind = "CONVENTION_CREATED"
	KindSignatureRequested    Kind = "SIGNATURE_REQUESTED"
	KindReviewRequested       Kind = "REVIEW_REQUESTED"
	KindModificationRequested Kind = "MODIFICATION_REQUESTED"
	KindConventionAccepted    Kind = "CONVENTION_ACCEPTED"
	KindConventionRejected    Kind = "CONVENTION_REJECTED"
	KindConventionCancelled   Kind = "CONVENTION_CANCELLED"
	KindConventionDeprecated  Kind = "CONVENTION_DEPRECATED"
	KindConventionTransferred Kind = "CONVENTION_TRANSFERRED"
)

// Notification is what the sender turns into a message. ID is the id of the
// event it stems from, so senders can deduplicate redeliveries.
type Notification struct {
	ID            string
	Kind          Kind
	ConventionID  string
	Status        string
	Justification string
	BusinessName  string
}

// Recipient is either a signatory, addressed by email, or an agency.
type Recipient struct {
	Role     convention.Role
	Email    string
	AgencyID string
}

// Sender delivers notifications. Templating and transport live behind it.
type Sender interface {
	Send(ctx context.Context, n Notification, recipients []Recipient) error
}

// ConventionReader loads the current snapshot of a convention.
type ConventionReader interface {
	Get(ctx context.Context, id string) (convention.Convention, error)
}

// Notifier turns lifecycle events into notifications.
type Notifier struct {
	conventions ConventionReader
	sender      Sender
	logger      *zap.Logger
}

func NewNotifier(conventions ConventionReader, sender Sender) *Notifier {
	return &Notifier{conventions: conventions, sender: sender, logger: zap.NewNop()}
}

func (n *Notifier) WithLogger(logger *zap.Logger) *Notifier {
	if logger != nil {
		n.logger = logger
	}
	return n
}

// Topics are the outbox topics the notifier consumes.
func (n *Notifier) Topics() []string {
	return []string{outbox.TopicConventionCreated, outbox.TopicConventionStatusChanged}
}

func (n *Notifier) Handle(ctx context.Context, ev outbox.StoredEvent) error {
	var (
		conventionID  string
		kind          Kind
		justification string
		status        string
	)
	switch ev.Topic {
	case outbox.TopicConventionCreated:
		var p outbox.ConventionRefPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return n.discard(ev, err)
		}
		conventionID, kind, status = p.ConventionID, KindConventionCreated, p.Status
	case outbox.TopicConventionStatusChanged:
		var p outbox.StatusChangedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return n.discard(ev, err)
		}
		var ok bool
		kind, ok = kindFor(p)
		if !ok {
			return nil
		}
		conventionID, justification, status = p.ConventionID, p.Justification, p.NewStatus
	default:
		return nil
	}

	conv, err := n.conventions.Get(ctx, conventionID)
	if err != nil {
		if errors.Is(err, convention.ErrNotFound) {
			return n.discard(ev, err)
		}
		return err
	}

	recipients := recipientsFor(kind, conv)
	if len(recipients) == 0 {
		return nil
	}
	if err := n.sender.Send(ctx, Notification{
		ID:            ev.ID,
		Kind:          kind,
		ConventionID:  conv.ID,
		Status:        status,
		Justification: justification,
		BusinessName:  conv.BusinessName,
	}, recipients); err != nil {
		return fmt.Errorf("notification: send %s: %w", kind, err)
	}
	return nil
}

func (n *Notifier) discard(ev outbox.StoredEvent, err error) error {
	n.logger.Warn("notification skipped", zap.String("event_id", ev.ID), zap.String("topic", ev.Topic), zap.Error(err))
	return nil
}

func kindFor(p outbox.StatusChangedPayload) (Kind, bool) {
	if p.Action == string(convention.ActionTransferToAgency) {
		return KindConventionTransferred, true
	}
	if p.PreviousStatus == p.NewStatus {
		return "", false
	}
	switch convention.StatusName(p.NewStatus) {
	case convention.StatusReadyToSign:
		return KindSignatureRequested, true
	case convention.StatusInReview:
		return KindReviewRequested, true
	case convention.StatusDraft:
		return KindModificationRequested, true
	case convention.StatusAcceptedByValidator:
		return KindConventionAccepted, true
	case convention.StatusRejected:
		return KindConventionRejected, true
	case convention.StatusCancelled:
		return KindConventionCancelled, true
	case convention.StatusDeprecated:
		return KindConventionDeprecated, true
	}
	return "", false
}

func recipientsFor(kind Kind, conv convention.Convention) []Recipient {
	agency := Recipient{Role: convention.RoleCounsellor, AgencyID: conv.AgencyID}
	switch kind {
	case KindReviewRequested, KindConventionTransferred:
		return []Recipient{agency}
	case KindConventionAccepted:
		return append(signatoryRecipients(conv), agency)
	default:
		return signatoryRecipients(conv)
	}
}

func signatoryRecipients(conv convention.Convention) []Recipient {
	roles := []convention.Role{
		convention.RoleBeneficiary,
		convention.RoleEstablishmentRepresentative,
		convention.RoleBeneficiaryRepresentative,
		convention.RoleBeneficiaryCurrentEmployer,
	}
	out := make([]Recipient, 0, len(roles))
	for _, role := range roles {
		if s, ok := conv.Signatories[role]; ok && s.Email != "" {
			out = append(out, Recipient{Role: role, Email: s.Email})
		}
	}
	return out
}

// LogSender writes notifications to the log instead of sending them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification, recipients []Recipient) error {
	targets := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.Email != "" {
			targets = append(targets, string(r.Role)+":"+r.Email)
		} else {
			targets = append(targets, string(r.Role)+"@agency:"+r.AgencyID)
		}
	}
	s.logger.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("convention_id", n.ConventionID),
		zap.String("status", n.Status),
		zap.Strings("recipients", targets))
	return nil
}
