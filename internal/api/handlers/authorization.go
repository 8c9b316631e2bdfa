// Package handlers provides HTTP handlers for the prior authorization API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/api/middleware"
	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	fhir "github.com/drfirst/go-priorauth/internal/fhir/r5"
	"github.com/drfirst/go-priorauth/internal/patient"
	"github.com/drfirst/go-priorauth/internal/pipeline"
	"github.com/drfirst/go-priorauth/pkg/idempotency"
)

// Decider runs one authorization request to completion. *pipeline.Service
// implements it.
type Decider interface {
	Submit(ctx context.Context, req pipeline.Request) (*authorization.DecisionRecord, error)
}

// RecordStore reads persisted decision records.
type RecordStore interface {
	Load(ctx context.Context, workflowID string) (*authorization.DecisionRecord, error)
	GetAuditTrail(ctx context.Context, workflowID string) ([]*authorization.AuditEntry, error)
	ListByOutcome(ctx context.Context, outcome authorization.State, limit int) ([]string, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// AuthorizationHandler handles prior authorization endpoints
type AuthorizationHandler struct {
	decider  Decider
	records  RecordStore
	validate *validator.Validate
	logger   *zap.Logger
}

// NewAuthorizationHandler creates a new handler
func NewAuthorizationHandler(decider Decider, records RecordStore, logger *zap.Logger) *AuthorizationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return &AuthorizationHandler{
		decider:  decider,
		records:  records,
		validate: validate,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *AuthorizationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/audit", h.GetAudit)
	return r
}

// CreateRequest is the request body for an authorization decision. Bundle,
// when present, replaces the stored patient record for this run.
type CreateRequest struct {
	PatientID      string       `json:"patient_id" validate:"required"`
	DrugID         string       `json:"drug_id" validate:"required"`
	PrescriberNPI  string       `json:"prescriber_npi,omitempty" validate:"omitempty,numeric,len=10"`
	PrescriberName string       `json:"prescriber_name,omitempty"`
	Bundle         *fhir.Bundle `json:"bundle,omitempty"`
}

// Create handles POST /authorizations
func (h *AuthorizationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("authorization-handler")
	ctx, span := tracer.Start(ctx, "create_authorization")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.jsonError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("patient_id", req.PatientID),
		attribute.String("drug_id", req.DrugID),
	)

	preq := pipeline.Request{
		PatientID: req.PatientID,
		DrugID:    req.DrugID,
		Requester: authorization.Requester{
			ClientID:       middleware.GetClientID(ctx),
			PrescriberNPI:  req.PrescriberNPI,
			PrescriberName: req.PrescriberName,
			RequestID:      middleware.GetRequestID(ctx),
		},
	}
	if req.Bundle != nil {
		rec, err := patient.FromBundle(req.Bundle)
		if err != nil {
			h.writeJSON(w, http.StatusUnprocessableEntity, fhir.NewErrorOutcome("invalid", err.Error()))
			return
		}
		preq.Patient = rec
	}

	rec, err := h.decider.Submit(ctx, preq)
	if err != nil {
		if errors.Is(err, idempotency.ErrMessageInProgress) {
			h.jsonError(w, "an identical request is already in progress", http.StatusConflict)
			return
		}
		h.logger.Error("request not run", zap.Error(err))
		if rec == nil {
			h.jsonError(w, "failed to schedule request", http.StatusServiceUnavailable)
			return
		}
		h.writeJSON(w, http.StatusServiceUnavailable, rec)
		return
	}
	span.SetAttributes(
		attribute.String("workflow_id", rec.WorkflowID),
		attribute.String("outcome", string(rec.Outcome)),
	)

	h.logger.Info("authorization decided",
		zap.String("workflow_id", rec.WorkflowID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	h.writeJSON(w, statusFor(rec), rec)
}

// statusFor maps a finished record to the response status. Every decision the
// pipeline reached is 201; ERROR and CANCELLED map by failure kind.
func statusFor(rec *authorization.DecisionRecord) int {
	switch rec.Outcome {
	case authorization.StateCancelled:
		return http.StatusServiceUnavailable
	case authorization.StateError:
		if rec.Failure == nil {
			return http.StatusInternalServerError
		}
		switch rec.Failure.Kind {
		case authorization.FailureNotFound:
			return http.StatusNotFound
		case authorization.FailureInvalidRecord:
			return http.StatusUnprocessableEntity
		case authorization.FailureProvider:
			return http.StatusBadGateway
		case authorization.FailureCancelled:
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	return http.StatusCreated
}

// Get handles GET /authorizations/{id}
func (h *AuthorizationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, err := h.records.Load(ctx, id)
	if err != nil {
		h.notFoundOrError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ListResponse is a page of workflow ids that ended in one outcome.
type ListResponse struct {
	Outcome     authorization.State `json:"outcome"`
	WorkflowIDs []string            `json:"workflow_ids"`
}

// List handles GET /authorizations?outcome=NEEDS_REVIEW&limit=N, newest first.
func (h *AuthorizationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	outcome := authorization.State(strings.ToUpper(q.Get("outcome")))
	if outcome == "" {
		outcome = authorization.StateNeedsReview
	}
	if !outcome.IsOutcome() {
		h.jsonError(w, "outcome must be a final decision state", http.StatusBadRequest)
		return
	}

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	ids, err := h.records.ListByOutcome(ctx, outcome, limit)
	if err != nil {
		h.logger.Error("list failed", zap.String("outcome", string(outcome)), zap.Error(err))
		h.jsonError(w, "failed to list authorizations", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Outcome: outcome, WorkflowIDs: ids})
}

// AuditResponse is the replay check of a stored trail.
type AuditResponse struct {
	WorkflowID string                      `json:"workflow_id"`
	Outcome    authorization.State         `json:"outcome,omitempty"`
	Verified   bool                        `json:"verified"`
	Error      string                      `json:"error,omitempty"`
	Entries    []*authorization.AuditEntry `json:"entries"`
}

// GetAudit handles GET /authorizations/{id}/audit
func (h *AuthorizationHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	entries, err := h.records.GetAuditTrail(ctx, id)
	if err != nil {
		h.notFoundOrError(w, err)
		return
	}

	resp := AuditResponse{WorkflowID: id, Entries: entries}
	outcome, err := authorization.VerifyComplete(entries)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Outcome = outcome
		resp.Verified = true
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *AuthorizationHandler) notFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, authorization.ErrRecordNotFound) {
		h.jsonError(w, "authorization not found", http.StatusNotFound)
		return
	}
	h.logger.Error("load failed", zap.Error(err))
	h.jsonError(w, "failed to load authorization", http.StatusInternalServerError)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return fe.Field() + " is required"
		}
		return fe.Field() + " is invalid"
	}
	return err.Error()
}

func (h *AuthorizationHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *AuthorizationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
