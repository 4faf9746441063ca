package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/gip-inclusion/immersion-facile-sub025/broadcast"
	"github.com/gip-inclusion/immersion-facile-sub025/convention"
	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

// Stats counts what actors observed. Refusals are expected under contention;
// transient errors come from chaos killing backends.
type Stats struct {
	Applied   atomic.Int64
	Refused   atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("applied=%d refused=%d transient=%d", s.Applied.Load(), s.Refused.Load(), s.Transient.Load())
}

// record classifies err. It only returns an error the stress run must fail on.
func (s *Stats) record(err error) error {
	switch {
	case err == nil:
		s.Applied.Add(1)
	case errors.Is(err, convention.ErrInvalidStatus):
		return err
	case errors.Is(err, convention.ErrIllegalTransition),
		errors.Is(err, convention.ErrUnauthorized),
		errors.Is(err, convention.ErrMissingJustification),
		errors.Is(err, convention.ErrInvalidTransferTarget),
		errors.Is(err, convention.ErrNotFound):
		s.Refused.Add(1)
	default:
		s.Transient.Add(1)
	}
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

var signers = []convention.Role{
	convention.RoleBeneficiary,
	convention.RoleEstablishmentRepresentative,
	convention.RoleBeneficiaryCurrentEmployer,
}

// Signer submits drafts and signs conventions as random signatories. Several
// signers hit the same ids so row locks are contended.
func Signer(ctx context.Context, svc *convention.Service, ids []string, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := ids[rand.Intn(len(ids))]
		role := signers[rand.Intn(len(signers))]

		var err error
		if rand.Intn(5) == 0 {
			_, err = svc.RequestTransition(ctx, id, convention.TransitionRequest{Action: convention.ActionSubmit, ActorRole: role})
		} else {
			_, err = svc.Sign(ctx, id, role)
		}
		if err := stats.record(err); err != nil {
			return fmt.Errorf("signer %s: %w", id, err)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Reviewer plays the agency side: acceptances, validation, and the odd
// rejection, modification request or transfer.
func Reviewer(ctx context.Context, svc *convention.Service, ids, agencyIDs []string, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := ids[rand.Intn(len(ids))]
		req := convention.TransitionRequest{ActorRole: convention.RoleValidator}
		switch n := rand.Intn(20); {
		case n < 6:
			req.Action = convention.ActionAcceptAsCounsellor
			req.ActorRole = convention.RoleCounsellor
		case n < 12:
			req.Action = convention.ActionAcceptAsValidator
		case n < 17:
			req.Action = convention.ActionValidate
		case n == 17:
			req.Action = convention.ActionReject
			req.Justification = "stress rejection"
		case n == 18:
			req.Action = convention.ActionRequestModification
			req.ActorRole = convention.RoleCounsellor
			req.Justification = "stress modification"
		default:
			req.Action = convention.ActionTransferToAgency
			req.Justification = "stress transfer"
			req.TargetAgencyID = agencyIDs[rand.Intn(len(agencyIDs))]
		}

		_, err := svc.RequestTransition(ctx, id, req)
		if err := stats.record(err); err != nil {
			return fmt.Errorf("reviewer %s %s: %w", req.Action, id, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Deprecator runs the obsolescence sweep concurrently with everything else.
func Deprecator(ctx context.Context, svc *convention.Service, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		n, err := svc.DeprecateObsolete(ctx, 0, 20)
		if err != nil {
			if err := stats.record(err); err != nil {
				return fmt.Errorf("deprecator: %w", err)
			}
		}
		stats.Applied.Add(int64(n))
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker drains a consumer. Several workers on the same consumer
// exercise the advisory lock.
func OutboxWorker(ctx context.Context, c *outbox.Consumer, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := c.Drain(ctx); err != nil {
			stats.Transient.Add(1)
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

// RetrySweeper replays ERROR and TO_PROCESS ledger entries.
func RetrySweeper(ctx context.Context, p *broadcast.Pipeline, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := p.RetrySweep(ctx, 20); err != nil {
			stats.Transient.Add(1)
		}
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
	}
}

// FlakyPartner answers like an unreliable partner: mostly success, some
// client errors, some server errors and the occasional slow response.
func FlakyPartner() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch n := rand.Intn(20); {
		case n < 12:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"received"}`))
		case n < 14:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("unknown establishment"))
		case n < 16:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"invalid siret"}`))
		case n < 19:
			w.WriteHeader(http.StatusBadGateway)
		default:
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
}
