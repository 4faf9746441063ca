package convention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/gip-inclusion/immersion-facile-sub025/metrics"
	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, c Convention) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Convention, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Convention, error)
	Update(ctx context.Context, tx pgx.Tx, c Convention) error
	ListObsolete(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) ([]string, error)
}

// EventAppender writes events in the caller's transaction.
type EventAppender interface {
	Append(ctx context.Context, tx pgx.Tx, events ...outbox.Event) error
}

// AgencyChecker confirms an agency exists before a convention references it.
type AgencyChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type Service struct {
	pool     TxBeginner
	repo     Store
	events   EventAppender
	agencies AgencyChecker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(pool TxBeginner, repo Store, events EventAppender) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if events == nil {
		events = outbox.NewWriter()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		events: events,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the time source used for timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator overrides how new convention ids are minted.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.newID = gen
	}
	return s
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithAgencies(agencies AgencyChecker) *Service {
	s.agencies = agencies
	return s
}

// Create stores a new DRAFT convention and its creation event.
func (s *Service) Create(ctx context.Context, params CreateParams) (Convention, error) {
	if err := s.checkAgency(ctx, params.AgencyID); err != nil {
		return Convention{}, err
	}
	conv, events, err := NewConvention(s.newID(), params, s.now())
	if err != nil {
		return Convention{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Convention{}, fmt.Errorf("convention: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, conv); err != nil {
		return Convention{}, err
	}
	if err := s.events.Append(ctx, tx, events...); err != nil {
		return Convention{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Convention{}, fmt.Errorf("convention: commit create: %w", err)
	}

	s.logger.Info("convention created",
		zap.String("convention_id", conv.ID),
		zap.String("agency_id", conv.AgencyID),
		zap.String("actor_role", string(params.ActorRole)))
	return conv, nil
}

// Get returns the current state of a convention.
func (s *Service) Get(ctx context.Context, id string) (Convention, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Convention{}, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Convention{}, fmt.Errorf("convention: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.Get(ctx, tx, id)
}

// RequestTransition applies req to the convention under a row lock. The new
// state and its events are committed together or not at all.
func (s *Service) RequestTransition(ctx context.Context, id string, req TransitionRequest) (Convention, error) {
	conv, err := s.requestTransition(ctx, id, req)
	outcome := "applied"
	if err != nil {
		outcome = "refused"
		var te *TransitionError
		if !errors.As(err, &te) {
			outcome = "error"
		}
	}
	s.metrics.IncTransition(string(req.Action), outcome)
	return conv, err
}

// Sign records the signature of role. Signing twice is a no-op.
func (s *Service) Sign(ctx context.Context, id string, role Role) (Convention, error) {
	return s.RequestTransition(ctx, id, TransitionRequest{
		Action:        ActionSign,
		ActorRole:     role,
		SignatoryRole: role,
	})
}

func (s *Service) requestTransition(ctx context.Context, id string, req TransitionRequest) (Convention, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Convention{}, refuse(ErrNotFound, req.Action, "", req.ActorRole, "")
	}
	if req.Action == ActionTransferToAgency && req.TargetAgencyID != "" {
		if err := s.checkAgency(ctx, req.TargetAgencyID); err != nil {
			if errors.Is(err, ErrInvalidConvention) {
				return Convention{}, refuse(ErrInvalidTransferTarget, req.Action, "", req.ActorRole, "unknown agency")
			}
			return Convention{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Convention{}, fmt.Errorf("convention: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Convention{}, refuse(ErrNotFound, req.Action, "", req.ActorRole, "")
		}
		return Convention{}, err
	}

	next, events, err := ApplyTransition(conv, req, s.now())
	if err != nil {
		s.logger.Info("transition refused",
			zap.String("convention_id", id),
			zap.String("action", string(req.Action)),
			zap.String("actor_role", string(req.ActorRole)),
			zap.Error(err))
		return Convention{}, err
	}
	if len(events) == 0 {
		return conv, nil
	}

	if err := s.repo.Update(ctx, tx, next); err != nil {
		return Convention{}, err
	}
	if err := s.events.Append(ctx, tx, events...); err != nil {
		return Convention{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Convention{}, fmt.Errorf("convention: commit transition: %w", err)
	}

	s.logger.Info("convention transitioned",
		zap.String("convention_id", id),
		zap.String("action", string(req.Action)),
		zap.String("from", string(conv.StatusName())),
		zap.String("to", string(next.StatusName())),
		zap.String("actor_role", string(req.ActorRole)))
	return next, nil
}

// Renew creates a DRAFT copy of an accepted convention for a new period.
func (s *Service) Renew(ctx context.Context, id string, params RenewParams) (Convention, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Convention{}, refuse(ErrNotFound, "renew", "", params.ActorRole, "")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Convention{}, fmt.Errorf("convention: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	source, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Convention{}, refuse(ErrNotFound, "renew", "", params.ActorRole, "")
		}
		return Convention{}, err
	}

	renewed, events, err := Renew(source, s.newID(), params, s.now())
	if err != nil {
		return Convention{}, err
	}
	if err := s.repo.Insert(ctx, tx, renewed); err != nil {
		return Convention{}, err
	}
	if err := s.events.Append(ctx, tx, events...); err != nil {
		return Convention{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Convention{}, fmt.Errorf("convention: commit renewal: %w", err)
	}

	s.logger.Info("convention renewed",
		zap.String("convention_id", renewed.ID),
		zap.String("renewed_from", source.ID))
	return renewed, nil
}

func (s *Service) checkAgency(ctx context.Context, agencyID string) error {
	agencyID = strings.TrimSpace(agencyID)
	if s.agencies == nil || agencyID == "" {
		return nil
	}
	ok, err := s.agencies.Exists(ctx, agencyID)
	if err != nil {
		return fmt.Errorf("convention: check agency: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown agency %s", ErrInvalidConvention, agencyID)
	}
	return nil
}
