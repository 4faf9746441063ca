package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/gip-inclusion/immersion-facile-sub025/agency"
	"github.com/gip-inclusion/immersion-facile-sub025/convention"
	"github.com/gip-inclusion/immersion-facile-sub025/lock"
	"github.com/gip-inclusion/immersion-facile-sub025/metrics"
	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

const (
	serviceName   = "broadcastConventionToPartner"
	sweepLockKey  = "broadcast:retry-sweep"
	reasonTimeout = "timeout"
)

// ConventionReader loads the current snapshot of a convention.
type ConventionReader interface {
	Get(ctx context.Context, id string) (convention.Convention, error)
}

// AgencyReader resolves the network of an agency.
type AgencyReader interface {
	KindOf(ctx context.Context, id string) (agency.Kind, error)
}

// LedgerStore is the sync retry ledger.
type LedgerStore interface {
	GetByID(ctx context.Context, conventionID string) (LedgerEntry, error)
	GetToProcessOrError(ctx context.Context, limit int) ([]LedgerEntry, error)
	Save(ctx context.Context, e LedgerEntry) error
	EnsureToProcess(ctx context.Context, conventionID string) error
}

// FeedbackStore keeps the latest delivery report per convention and consumer.
type FeedbackStore interface {
	Save(ctx context.Context, fb Feedback) error
	GetLatest(ctx context.Context, conventionID string) (Feedback, error)
	MarkHandled(ctx context.Context, conventionID string) error
}

// Config tunes the pipeline.
type Config struct {
	ConsumerID   string
	ConsumerName string
	// AgencyKinds lists the networks the partner accepts. Empty means all.
	AgencyKinds  []agency.Kind
	SweepTimeout time.Duration
}

// Pipeline pushes finalized conventions to the partner and records every
// attempt in the ledger and the feedback store. It is the only writer of both.
type Pipeline struct {
	cfg         Config
	conventions ConventionReader
	agencies    AgencyReader
	partner     Partner
	ledger      LedgerStore
	feedback    FeedbackStore
	locker      lock.Locker
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

func NewPipeline(cfg Config, conventions ConventionReader, agencies AgencyReader, partner Partner, ledger LedgerStore, feedback FeedbackStore) *Pipeline {
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "partner"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = cfg.ConsumerID
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 2 * time.Minute
	}
	return &Pipeline{
		cfg:         cfg,
		conventions: conventions,
		agencies:    agencies,
		partner:     partner,
		ledger:      ledger,
		feedback:    feedback,
		locker:      lock.LocalLocker{},
		logger:      zap.NewNop(),
		now:         time.Now,
	}
}

func (p *Pipeline) WithLocker(l lock.Locker) *Pipeline {
	if l != nil {
		p.locker = l
	}
	return p
}

func (p *Pipeline) WithLogger(logger *zap.Logger) *Pipeline {
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	if now != nil {
		p.now = now
	}
	return p
}

// Topics are the outbox topics the pipeline consumes.
func (p *Pipeline) Topics() []string {
	return []string{outbox.TopicConventionReadyForBroadcast}
}

// Handle reacts to a ready-for-broadcast event. Delivery failures are recorded
// in the ledger and do not fail the event; only storage errors do, so the
// outbox redelivers it.
//
// When the ledger already records an attempt for the convention's current
// status, the event is acknowledged without calling the partner; retrying
// ERROR entries belongs to RetrySweep. Reaching a new eligible status re-arms
// delivery.
func (p *Pipeline) Handle(ctx context.Context, ev outbox.StoredEvent) error {
	var payload outbox.ConventionRefPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.logger.Warn("discarding malformed broadcast event", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	conv, err := p.conventions.Get(ctx, payload.ConventionID)
	if err != nil {
		if errors.Is(err, convention.ErrNotFound) {
			p.logger.Warn("broadcast event for unknown convention", zap.String("convention_id", payload.ConventionID))
			return nil
		}
		return err
	}
	entry, err := p.ledger.GetByID(ctx, conv.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := p.ledger.EnsureToProcess(ctx, conv.ID); err != nil {
			return err
		}
	case err != nil:
		return err
	case entry.attempted(conv.StatusName()):
		p.logger.Debug("broadcast event already attempted",
			zap.String("event_id", ev.ID),
			zap.String("convention_id", conv.ID),
			zap.String("status", string(entry.Status)))
		return nil
	case entry.Status == StatusSuccess && !conv.StatusName().IsBroadcastEligible():
		// The partner holds a delivered copy; an ineligible status must not
		// replace it with a SKIP.
		p.logger.Info("keeping delivered convention",
			zap.String("convention_id", conv.ID),
			zap.String("convention_status", string(conv.StatusName())))
		return nil
	}
	_, err = p.Broadcast(ctx, conv)
	return err
}

// Broadcast makes one delivery attempt for conv and records its outcome. The
// returned error only reports failures to record it.
func (p *Pipeline) Broadcast(ctx context.Context, conv convention.Convention) (DeliveryOutcome, error) {
	ctx, span := otel.Tracer("broadcast").Start(ctx, "broadcast.deliver")
	defer span.End()
	span.SetAttributes(attribute.String("convention.id", conv.ID))

	start := time.Now()
	outcome, fb, err := p.deliver(ctx, conv)
	if err != nil {
		return DeliveryOutcome{}, err
	}
	span.SetAttributes(attribute.String("broadcast.status", string(outcome.Status)))

	entry := Processed(conv.ID, outcome.Status, outcome.ProcessDate, outcome.Reason)
	entry.AttemptedFor = conv.StatusName()
	if err := p.ledger.Save(ctx, entry); err != nil {
		return outcome, err
	}
	if fb != nil {
		if err := p.feedback.Save(ctx, *fb); err != nil {
			return outcome, err
		}
	}

	p.metrics.ObserveDelivery(string(outcome.Status), time.Since(start))
	p.logger.Info("convention broadcast",
		zap.String("convention_id", conv.ID),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason),
		zap.Int("http_status", outcome.HTTPStatus))
	return outcome, nil
}

func (p *Pipeline) deliver(ctx context.Context, conv convention.Convention) (DeliveryOutcome, *Feedback, error) {
	outcome := DeliveryOutcome{ConventionID: conv.ID}

	if !conv.StatusName().IsBroadcastEligible() {
		outcome.Status = StatusSkip
		outcome.Reason = fmt.Sprintf("convention status %s is not broadcast", conv.StatusName())
		outcome.ProcessDate = p.now().UTC()
		return outcome, nil, nil
	}

	kind, err := p.agencies.KindOf(ctx, conv.AgencyID)
	if err != nil && !errors.Is(err, agency.ErrNotFound) {
		return outcome, nil, err
	}
	if !p.inJurisdiction(kind) {
		outcome.Status = StatusSkip
		outcome.Reason = fmt.Sprintf("agency kind %q is not served by %s", kind, p.cfg.ConsumerName)
		outcome.ProcessDate = p.now().UTC()
		return outcome, nil, nil
	}

	body, key, err := NewDocument(conv, kind).Encode()
	if err != nil {
		return outcome, nil, err
	}
	params, _ := json.Marshal(map[string]string{
		"conventionId":   conv.ID,
		"idempotencyKey": key,
		"url":            p.partner.Endpoint(),
	})
	fb := &Feedback{
		ServiceName:   serviceName,
		ConsumerName:  p.cfg.ConsumerName,
		ConsumerID:    p.cfg.ConsumerID,
		ConventionID:  conv.ID,
		RequestParams: params,
	}

	resp, sendErr := p.partner.Send(ctx, body, key)
	outcome.ProcessDate = p.now().UTC()
	fb.OccurredAt = outcome.ProcessDate

	if sendErr != nil {
		outcome.Status = StatusError
		outcome.Reason = sendErr.Error()
		var netErr net.Error
		if errors.Is(sendErr, context.DeadlineExceeded) || (errors.As(sendErr, &netErr) && netErr.Timeout()) {
			outcome.Reason = reasonTimeout
		}
		fb.SubscriberErrorFeedback = &ErrorFeedback{Message: "partner unreachable", Error: outcome.Reason}
		return outcome, fb, nil
	}

	outcome.HTTPStatus = resp.HTTPStatus
	outcome.Reason = strconv.Itoa(resp.HTTPStatus)
	fb.Response = &resp
	outcome.Status = classify(resp.HTTPStatus)
	if outcome.Status != StatusSuccess {
		fb.SubscriberErrorFeedback = &ErrorFeedback{
			Message: fmt.Sprintf("partner answered %d %s", resp.HTTPStatus, http.StatusText(resp.HTTPStatus)),
			Error:   string(resp.Body),
		}
	}
	return outcome, fb, nil
}

// classify maps a partner HTTP status to a ledger status. 410 and 422 mean the
// partner will never accept this document, so retrying is pointless.
func classify(code int) SyncStatus {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == http.StatusGone, code == http.StatusUnprocessableEntity:
		return StatusSkip
	default:
		return StatusError
	}
}

func (p *Pipeline) inJurisdiction(kind agency.Kind) bool {
	if len(p.cfg.AgencyKinds) == 0 {
		return true
	}
	for _, k := range p.cfg.AgencyKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RetrySweep re-attempts up to limit TO_PROCESS or ERROR entries, oldest
// attempt first. The whole batch is bounded by the sweep timeout; when it
// expires the remaining entries are left for the next sweep and those already
// attempted keep their new state. Across replicas only the lease holder sweeps.
func (p *Pipeline) RetrySweep(ctx context.Context, limit int) (SweepResult, error) {
	var res SweepResult

	ctx, cancel := context.WithTimeout(ctx, p.cfg.SweepTimeout)
	defer cancel()

	lease, ok, err := p.locker.TryAcquire(ctx, sweepLockKey, p.cfg.SweepTimeout+30*time.Second)
	if err != nil {
		return res, fmt.Errorf("broadcast: acquire sweep lock: %w", err)
	}
	if !ok {
		p.logger.Debug("retry sweep already running elsewhere")
		return res, nil
	}
	defer func() {
		if err := p.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			p.logger.Warn("release sweep lock", zap.Error(err))
		}
	}()

	entries, err := p.ledger.GetToProcessOrError(ctx, limit)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		conv, err := p.conventions.Get(ctx, e.ConventionID)
		if err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
				break
			}
			p.logger.Warn("retry sweep: load convention", zap.String("convention_id", e.ConventionID), zap.Error(err))
			res.Attempted++
			if p.recordLoadFailure(ctx, e.ConventionID, err) == StatusSkip {
				res.Skipped++
			} else {
				res.Failed++
			}
			continue
		}
		res.Attempted++
		outcome, err := p.Broadcast(ctx, conv)
		if err != nil {
			p.logger.Warn("retry sweep: record outcome", zap.String("convention_id", e.ConventionID), zap.Error(err))
			continue
		}
		switch outcome.Status {
		case StatusSuccess:
			res.Succeeded++
		case StatusSkip:
			res.Skipped++
		default:
			res.Failed++
		}
	}

	p.metrics.AddSweepProcessed("broadcast_retry", res.Attempted)
	if res.Attempted > 0 {
		p.logger.Info("retry sweep done",
			zap.Int("attempted", res.Attempted),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Bool("interrupted", res.Interrupted))
	}
	return res, nil
}

// recordLoadFailure stamps an entry whose convention could not be loaded so
// that it moves behind the rest of the backlog. A convention that no longer
// exists is skipped for good.
func (p *Pipeline) recordLoadFailure(ctx context.Context, conventionID string, loadErr error) SyncStatus {
	status, reason := StatusError, "load convention: "+loadErr.Error()
	if errors.Is(loadErr, convention.ErrNotFound) {
		status, reason = StatusSkip, "convention not found"
	}
	if err := p.ledger.Save(ctx, Processed(conventionID, status, p.now(), reason)); err != nil {
		p.logger.Warn("retry sweep: record load failure", zap.String("convention_id", conventionID), zap.Error(err))
	}
	return status
}

// ForceRebroadcast re-attempts delivery regardless of the ledger state. Only
// validators and back-office may request it, and the convention must be in a
// broadcast-eligible status. The convention itself is not modified.
func (p *Pipeline) ForceRebroadcast(ctx context.Context, conventionID string, actor convention.Role) (DeliveryOutcome, error) {
	if actor != convention.RoleValidator && actor != convention.RoleBackOffice {
		return DeliveryOutcome{}, ErrUnauthorized
	}
	conv, err := p.conventions.Get(ctx, conventionID)
	if err != nil {
		if errors.Is(err, convention.ErrNotFound) {
			return DeliveryOutcome{}, ErrNotFound
		}
		return DeliveryOutcome{}, err
	}
	if !conv.StatusName().IsBroadcastEligible() {
		return DeliveryOutcome{}, ErrIneligible
	}
	if err := p.ledger.EnsureToProcess(ctx, conv.ID); err != nil {
		return DeliveryOutcome{}, err
	}
	return p.Broadcast(ctx, conv)
}

// MarkHandled records that the agency took care of the latest delivery error.
func (p *Pipeline) MarkHandled(ctx context.Context, conventionID string, actor convention.Role) error {
	if !actor.IsAgency() {
		return ErrUnauthorized
	}
	if _, err := uuid.Parse(conventionID); err != nil {
		return ErrNotFound
	}
	if err := p.feedback.MarkHandled(ctx, conventionID); err != nil {
		return err
	}
	p.logger.Info("broadcast feedback handled", zap.String("convention_id", conventionID), zap.String("actor_role", string(actor)))
	return nil
}

func (p *Pipeline) GetSyncLedgerEntry(ctx context.Context, conventionID string) (LedgerEntry, error) {
	if _, err := uuid.Parse(conventionID); err != nil {
		return LedgerEntry{}, ErrNotFound
	}
	return p.ledger.GetByID(ctx, conventionID)
}

func (p *Pipeline) GetLatestFeedback(ctx context.Context, conventionID string) (Feedback, error) {
	if _, err := uuid.Parse(conventionID); err != nil {
		return Feedback{}, ErrNotFound
	}
	return p.feedback.GetLatest(ctx, conventionID)
}
