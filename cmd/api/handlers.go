package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gip-inclusion/immersion-facile-sub025/agency"
	"github.com/gip-inclusion/immersion-facile-sub025/broadcast"
	"github.com/gip-inclusion/immersion-facile-sub025/convention"
)

var signatoryOrder = []convention.Role{
	convention.RoleBeneficiary,
	convention.RoleEstablishmentRepresentative,
	convention.RoleBeneficiaryRepresentative,
	convention.RoleBeneficiaryCurrentEmployer,
}

type signatoryPayload struct {
	Role      string  `json:"role"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Email     string  `json:"email"`
	Phone     string  `json:"phone,omitempty"`
	SignedAt  *string `json:"signedAt,omitempty"`
}

type schedulePayload struct {
	TotalHours float64 `json:"totalHours"`
	Summary    string  `json:"summary,omitempty"`
}

type conventionResponse struct {
	ID                  string             `json:"id"`
	Status              string             `json:"status"`
	StatusJustification *string            `json:"statusJustification,omitempty"`
	DateValidation      *string            `json:"dateValidation,omitempty"`
	DateSubmission      string             `json:"dateSubmission"`
	DateStart           string             `json:"dateStart"`
	DateEnd             string             `json:"dateEnd"`
	AgencyID            string             `json:"agencyId"`
	Siret               string             `json:"siret"`
	BusinessName        string             `json:"businessName"`
	Schedule            schedulePayload    `json:"schedule"`
	ImmersionObjective  string             `json:"immersionObjective,omitempty"`
	BeneficiaryIsMinor  bool               `json:"beneficiaryIsMinor"`
	Signatories         []signatoryPayload `json:"signatories"`
	RenewedFrom         *string            `json:"renewedFrom,omitempty"`
	StatusChangedAt     string             `json:"statusChangedAt"`
}

func toConventionResponse(c convention.Convention) conventionResponse {
	cols := convention.EncodeStatus(c.Status)
	resp := conventionResponse{
		ID:                  c.ID,
		Status:              string(cols.Name),
		StatusJustification: cols.Justification,
		DateSubmission:      c.DateSubmission.UTC().Format(time.RFC3339),
		DateStart:           c.DateStart.UTC().Format(time.RFC3339),
		DateEnd:             c.DateEnd.UTC().Format(time.RFC3339),
		AgencyID:            c.AgencyID,
		Siret:               c.Siret,
		BusinessName:        c.BusinessName,
		Schedule:            schedulePayload{TotalHours: c.Schedule.TotalHours, Summary: c.Schedule.Summary},
		ImmersionObjective:  c.ImmersionObjective,
		BeneficiaryIsMinor:  c.BeneficiaryIsMinor,
		Signatories:         make([]signatoryPayload, 0, len(c.Signatories)),
		RenewedFrom:         c.RenewedFrom,
		StatusChangedAt:     c.StatusChangedAt.UTC().Format(time.RFC3339),
	}
	if cols.DateValidation != nil {
		v := cols.DateValidation.UTC().Format(time.RFC3339)
		resp.DateValidation = &v
	}
	for _, role := range signatoryOrder {
		s, ok := c.Signatories[role]
		if !ok {
			continue
		}
		p := signatoryPayload{Role: string(role), FirstName: s.FirstName, LastName: s.LastName, Email: s.Email, Phone: s.Phone}
		if s.SignedAt != nil {
			v := s.SignedAt.UTC().Format(time.RFC3339)
			p.SignedAt = &v
		}
		resp.Signatories = append(resp.Signatories, p)
	}
	return resp
}

type createConventionRequest struct {
	DateStart          time.Time          `json:"dateStart"`
	DateEnd            time.Time          `json:"dateEnd"`
	AgencyID           string             `json:"agencyId"`
	Siret              string             `json:"siret"`
	BusinessName       string             `json:"businessName"`
	Schedule           schedulePayload    `json:"schedule"`
	ImmersionObjective string             `json:"immersionObjective"`
	BeneficiaryIsMinor bool               `json:"beneficiaryIsMinor"`
	Signatories        []signatoryPayload `json:"signatories"`
}

// handleCreateConvention accepts anonymous submissions, which are recorded as
// made by the beneficiary.
func (s *Server) handleCreateConvention(w http.ResponseWriter, r *http.Request) {
	var req createConventionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	role := convention.RoleBeneficiary
	if actor, ok := actorFrom(r.Context()); ok {
		role = actor.Role
	}

	params := convention.CreateParams{
		ActorRole:          role,
		DateStart:          req.DateStart,
		DateEnd:            req.DateEnd,
		AgencyID:           req.AgencyID,
		Siret:              req.Siret,
		BusinessName:       req.BusinessName,
		Schedule:           convention.Schedule{TotalHours: req.Schedule.TotalHours, Summary: req.Schedule.Summary},
		ImmersionObjective: req.ImmersionObjective,
		BeneficiaryIsMinor: req.BeneficiaryIsMinor,
		Signatories:        make([]convention.Signatory, 0, len(req.Signatories)),
	}
	for _, sp := range req.Signatories {
		params.Signatories = append(params.Signatories, convention.Signatory{
			Role:      convention.Role(sp.Role),
			FirstName: sp.FirstName,
			LastName:  sp.LastName,
			Email:     sp.Email,
			Phone:     sp.Phone,
		})
	}

	conv, err := s.conventionService.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConventionResponse(conv))
}

func (s *Server) handleGetConvention(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conventionService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConventionResponse(conv))
}

type transitionRequest struct {
	Action         string `json:"action"`
	Justification  string `json:"justification"`
	TargetAgencyID string `json:"targetAgencyId"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req transitionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}

	tr := convention.TransitionRequest{
		Action:         convention.Action(req.Action),
		ActorRole:      actor.Role,
		Justification:  req.Justification,
		TargetAgencyID: req.TargetAgencyID,
	}
	if tr.Action == convention.ActionSign {
		tr.SignatoryRole = actor.Role
	}
	conv, err := s.conventionService.RequestTransition(r.Context(), chi.URLParam(r, "id"), tr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConventionResponse(conv))
}

// handleSign records the signature of the caller. The signatory role is the
// role carried by the token.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	conv, err := s.conventionService.Sign(r.Context(), chi.URLParam(r, "id"), actor.Role)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConventionResponse(conv))
}

type renewRequest struct {
	DateStart time.Time `json:"dateStart"`
	DateEnd   time.Time `json:"dateEnd"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var req renewRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	conv, err := s.conventionService.Renew(r.Context(), chi.URLParam(r, "id"), convention.RenewParams{
		ActorRole: actor.Role,
		DateStart: req.DateStart,
		DateEnd:   req.DateEnd,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConventionResponse(conv))
}

type deliveryResponse struct {
	ConventionID string `json:"conventionId"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	HTTPStatus   int    `json:"httpStatus,omitempty"`
	ProcessDate  string `json:"processDate"`
}

func (s *Server) handleForceBroadcast(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	outcome, err := s.broadcastService.ForceRebroadcast(r.Context(), chi.URLParam(r, "id"), actor.Role)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveryResponse{
		ConventionID: outcome.ConventionID,
		Status:       string(outcome.Status),
		Reason:       outcome.Reason,
		HTTPStatus:   outcome.HTTPStatus,
		ProcessDate:  outcome.ProcessDate.UTC().Format(time.RFC3339),
	})
}

type ledgerResponse struct {
	ConventionID string  `json:"conventionId"`
	Status       string  `json:"status"`
	ProcessDate  *string `json:"processDate,omitempty"`
	Reason       *string `json:"reason,omitempty"`
}

func (s *Server) handleSyncLedger(w http.ResponseWriter, r *http.Request) {
	entry, err := s.broadcastService.GetSyncLedgerEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := ledgerResponse{ConventionID: entry.ConventionID, Status: string(entry.Status), Reason: entry.Reason}
	if entry.ProcessDate != nil {
		v := entry.ProcessDate.UTC().Format(time.RFC3339)
		resp.ProcessDate = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

type feedbackResponse struct {
	ServiceName             string                     `json:"serviceName"`
	ConsumerName            string                     `json:"consumerName"`
	ConsumerID              string                     `json:"consumerId"`
	ConventionID            string                     `json:"conventionId"`
	RequestParams           json.RawMessage            `json:"requestParams,omitempty"`
	Response                *broadcast.PartnerResponse `json:"response,omitempty"`
	SubscriberErrorFeedback *broadcast.ErrorFeedback   `json:"subscriberErrorFeedback,omitempty"`
	OccurredAt              string                     `json:"occurredAt"`
	HandledByAgency         bool                       `json:"handledByAgency"`
}

func (s *Server) handleLatestFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := s.broadcastService.GetLatestFeedback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedbackResponse{
		ServiceName:             fb.ServiceName,
		ConsumerName:            fb.ConsumerName,
		ConsumerID:              fb.ConsumerID,
		ConventionID:            fb.ConventionID,
		RequestParams:           fb.RequestParams,
		Response:                fb.Response,
		SubscriberErrorFeedback: fb.SubscriberErrorFeedback,
		OccurredAt:              fb.OccurredAt.UTC().Format(time.RFC3339),
		HandledByAgency:         fb.HandledByAgency,
	})
}

func (s *Server) handleMarkFeedbackHandled(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if err := s.broadcastService.MarkHandled(r.Context(), chi.URLParam(r, "id"), actor.Role); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agencyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleAgencies(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	agencies, err := s.agencyService.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]agencyResponse, 0, len(agencies))
	for _, a := range agencies {
		items = append(items, toAgencyResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func toAgencyResponse(a agency.Agency) agencyResponse {
	return agencyResponse{
		ID:        a.ID,
		Name:      a.Name,
		Kind:      string(a.Kind),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}
