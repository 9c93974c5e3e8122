package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/internal/domain/ledger"
	"github.com/okian/coinledger/pkg/logger"
)

// startRequest mirrors the body of POST /accounts.
type startRequest struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Handle       string `json:"handle"`
	LanguageCode string `json:"language_code"`
	Privileged   bool   `json:"privileged"`
	ReferralCode string `json:"referral_code"`
}

func (r startRequest) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("missing id")
	}
	return nil
}

type startResponse struct {
	Account       *account.Account       `json:"account"`
	Created       bool                   `json:"created"`
	Referral      *ledger.ReferralResult `json:"referral,omitempty"`
	ReferralError string                 `json:"referral_error,omitempty"`
}

type referralRequest struct {
	Code string `json:"code"`
}

// AccountsHandler serves account creation, lookup and referrals.
type AccountsHandler struct {
	deps   Dependencies
	logger logger.Logger
}

// NewAccountsHandler creates a new accounts handler.
func NewAccountsHandler(deps Dependencies, log logger.Logger) *AccountsHandler {
	return &AccountsHandler{deps: deps, logger: log}
}

// HandleStart handles POST /accounts.
func (h *AccountsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	res, err := h.deps.StartAccount(r.Context(), account.Profile{
		ID:           strings.TrimSpace(req.ID),
		DisplayName:  req.DisplayName,
		Handle:       req.Handle,
		LanguageCode: req.LanguageCode,
		Privileged:   req.Privileged,
	}, strings.TrimSpace(req.ReferralCode))
	if err != nil {
		writeLedgerError(r.Context(), h.logger, w, err)
		return
	}

	resp := startResponse{Account: res.Account, Created: res.Created, Referral: res.Referral}
	if res.ReferralErr != nil {
		resp.ReferralError = ledger.Code(res.ReferralErr)
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// HandleGet handles GET /accounts/{id}.
func (h *AccountsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.deps.Account(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(r.Context(), h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleReferral handles POST /accounts/{id}/referral.
func (h *AccountsHandler) HandleReferral(w http.ResponseWriter, r *http.Request) {
	var req referralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	res, err := h.deps.ApplyReferral(r.Context(), r.PathValue("id"), req.Code)
	if err != nil {
		writeLedgerError(r.Context(), h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
