package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/gip-inclusion/immersion-facile-sub025/agency"
	"github.com/gip-inclusion/immersion-facile-sub025/auth"
	"github.com/gip-inclusion/immersion-facile-sub025/broadcast"
	"github.com/gip-inclusion/immersion-facile-sub025/convention"
	"github.com/gip-inclusion/immersion-facile-sub025/metrics"
)

type ctxKey string

const ctxKeyActor ctxKey = "actor"

type conventionService interface {
	Create(ctx context.Context, params convention.CreateParams) (convention.Convention, error)
	Get(ctx context.Context, id string) (convention.Convention, error)
	RequestTransition(ctx context.Context, id string, req convention.TransitionRequest) (convention.Convention, error)
	Sign(ctx context.Context, id string, role convention.Role) (convention.Convention, error)
	Renew(ctx context.Context, id string, params convention.RenewParams) (convention.Convention, error)
}

type broadcastService interface {
	ForceRebroadcast(ctx context.Context, conventionID string, actor convention.Role) (broadcast.DeliveryOutcome, error)
	MarkHandled(ctx context.Context, conventionID string, actor convention.Role) error
	GetSyncLedgerEntry(ctx context.Context, conventionID string) (broadcast.LedgerEntry, error)
	GetLatestFeedback(ctx context.Context, conventionID string) (broadcast.Feedback, error)
}

type agencyService interface {
	List(ctx context.Context, limit int) ([]agency.Agency, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Actor, error)
}

// Server exposes the convention lifecycle over HTTP.
type Server struct {
	conventionService conventionService
	broadcastService  broadcastService
	agencyService     agencyService
	tokens            tokenVerifier
	metrics           *metrics.Metrics
	logger            *zap.Logger
	ready             func(ctx context.Context) error
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(func(next http.Handler) http.Handler {
		return s.metrics.Instrument(routePattern, next)
	})

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(false))
		r.Post("/conventions", s.handleCreateConvention)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(true))
		r.Get("/agencies", s.handleAgencies)
		r.Route("/conventions/{id}", func(r chi.Router) {
			r.Use(s.requireScope)
			r.Get("/", s.handleGetConvention)
			r.Post("/transitions", s.handleTransition)
			r.Post("/signatures", s.handleSign)
			r.Post("/renewals", s.handleRenew)
			r.Post("/broadcast", s.handleForceBroadcast)
			r.Get("/sync-ledger", s.handleSyncLedger)
			r.Get("/broadcast-feedback", s.handleLatestFeedback)
			r.Post("/broadcast-feedback/handled", s.handleMarkFeedbackHandled)
		})
	})
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// authenticate resolves the bearer token into an actor. When required is
// false, requests without a token pass through anonymously.
func (s *Server) authenticate(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "malformed authorization header")
				return
			}
			actor, err := s.tokens.VerifyToken(strings.TrimSpace(token))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
		})
	}
}

func (s *Server) requireScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := actorFrom(r.Context())
		id := chi.URLParam(r, "id")
		if !actor.CanAccess(id) {
			writeError(w, http.StatusForbidden, "forbidden", "token is not valid for this convention")
			return
		}
		if actor.AgencyScoped() {
			conv, err := s.conventionService.Get(r.Context(), id)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			if !actor.CanAccessAgency(conv.AgencyID) {
				writeError(w, http.StatusForbidden, "forbidden", "convention belongs to another agency")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) (auth.Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(auth.Actor)
	return actor, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, convention.ErrNotFound), errors.Is(err, broadcast.ErrNotFound), errors.Is(err, agency.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, convention.ErrUnauthorized), errors.Is(err, broadcast.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, convention.ErrIllegalTransition), errors.Is(err, broadcast.ErrIneligible):
		writeError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, convention.ErrMissingJustification):
		writeError(w, http.StatusUnprocessableEntity, "missing_justification", err.Error())
	case errors.Is(err, convention.ErrInvalidSignatoryConfiguration):
		writeError(w, http.StatusUnprocessableEntity, "invalid_signatory_configuration", err.Error())
	case errors.Is(err, convention.ErrInvalidTransferTarget), errors.Is(err, convention.ErrInvalidConvention):
		writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	default:
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
