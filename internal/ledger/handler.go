package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openledger/openledger/internal/platform/httpx"
)

// Handler exposes the ledger's HTTP surface.
type Handler struct {
	service  *Service
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger, validate: validator.New()}
}

// MountRoutes attaches ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.submit)
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/reserve", h.reserve)
		r.Post("/release-reserve", h.release)
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := h.service.Submit(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondDecision(w, req.ReferenceID, decision)
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req ReservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	decision, err := h.service.ReserveFunds(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if decision == DecisionAccepted {
		httpx.JSON(w, http.StatusCreated, decisionBody(req.ReferenceID, decision))
		return
	}
	h.respondDecision(w, req.ReferenceID, decision)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ReleaseFunds(r.Context(), req); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"referenceId": req.ReferenceID, "status": "RELEASE_ACCEPTED"})
}

func (h *Handler) respondDecision(w http.ResponseWriter, referenceID string, decision Decision) {
	switch decision {
	case DecisionAccepted:
		httpx.JSON(w, http.StatusAccepted, decisionBody(referenceID, decision))
	case DecisionDuplicate:
		httpx.JSON(w, http.StatusOK, decisionBody(referenceID, decision))
	case DecisionRejectedNSF, DecisionRejectedInactive:
		httpx.JSON(w, http.StatusUnprocessableEntity, decisionBody(referenceID, decision))
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func decisionBody(referenceID string, decision Decision) map[string]string {
	return map[string]string{"referenceId": referenceID, "decision": string(decision)}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	case errors.Is(err, ErrUnsupportedType):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnsupported, err.Error()))
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrMissingSystemAccount), errors.Is(err, ErrTransactionNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error()))
	case errors.Is(err, ErrDuplicateReference):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrDuplicate, err.Error()))
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
