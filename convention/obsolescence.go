package convention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const obsolescenceJustification = "end date passed before the convention was validated"

// DeprecateObsolete moves conventions whose end date is more than grace in the
// past, and which never reached validation, to DEPRECATED. Each convention is
// deprecated in its own transaction through the regular transition path, so a
// concurrent transition wins or loses cleanly. It returns how many were
// deprecated.
func (s *Service) DeprecateObsolete(ctx context.Context, grace time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-grace)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("convention: begin tx: %w", err)
	}
	ids, err := s.repo.ListObsolete(ctx, tx, cutoff, limit)
	_ = tx.Rollback(ctx)
	if err != nil {
		return 0, err
	}

	deprecated := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deprecated, err
		}
		_, err := s.RequestTransition(ctx, id, TransitionRequest{
			Action:        ActionDeprecate,
			ActorRole:     RoleSystem,
			Justification: obsolescenceJustification,
		})
		switch {
		case err == nil:
			deprecated++
		case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrNotFound):
			// moved on since it was listed
		default:
			s.logger.Warn("deprecate obsolete convention failed", zap.String("convention_id", id), zap.Error(err))
		}
	}

	s.metrics.AddSweepProcessed("obsolescence", deprecated)
	if deprecated > 0 {
		s.logger.Info("obsolete conventions deprecated", zap.Int("count", deprecated), zap.Time("cutoff", cutoff))
	}
	return deprecated, nil
}
