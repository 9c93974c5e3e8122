package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/okian/coinledger/pkg/logger"
)

type claimTaskRequest struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
}

func (r claimTaskRequest) validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return errors.New("missing user_id")
	case strings.TrimSpace(r.TaskID) == "":
		return errors.New("missing task_id")
	}
	return nil
}

type claimDailyRequest struct {
	UserID string `json:"user_id"`
}

func (r claimDailyRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("missing user_id")
	}
	return nil
}

type purchaseRequest struct {
	UserID  string `json:"user_id"`
	Feature string `json:"feature"`
}

func (r purchaseRequest) validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return errors.New("missing user_id")
	case strings.TrimSpace(r.Feature) == "":
		return errors.New("missing feature")
	}
	return nil
}

// ClaimsHandler serves the crediting and debiting endpoints.
type ClaimsHandler struct {
	deps   Dependencies
	logger logger.Logger
}

// NewClaimsHandler creates a new claims handler.
func NewClaimsHandler(deps Dependencies, log logger.Logger) *ClaimsHandler {
	return &ClaimsHandler{deps: deps, logger: log}
}

// HandleClaimTask handles POST /claim-task.
func (h *ClaimsHandler) HandleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimTaskRequest
	if !decodeValid(w, r, &req) {
		return
	}
	res, err := h.deps.ClaimTask(r.Context(), req.UserID, req.TaskID)
	if err != nil {
		writeLedgerError(r.Context(), h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleClaimDaily handles POST /claim-daily.
func (h *ClaimsHandler) HandleClaimDaily(w http.ResponseWriter, r *http.Request) {
	var req claimDailyRequest
	if !decodeValid(w, r, &req) {
		return
	}
	res, err := h.deps.ClaimDaily(r.Context(), req.UserID)
	if err != nil {
		writeLedgerError(r.Context(), h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePurchase handles POST /purchase.
func (h *ClaimsHandler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeValid(w, r, &req) {
		return
	}
	res, err := h.deps.Purchase(r.Context(), req.UserID, req.Feature)
	if err != nil {
		writeLedgerError(r.Context(), h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type validator interface {
	validate() error
}

// decodeValid decodes and validates a body, writing a 400 on failure.
func decodeValid(w http.ResponseWriter, r *http.Request, v validator) bool {
	if err := decodeJSON(w, r, v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return false
	}
	if err := v.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return false
	}
	return true
}
