// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/internal/domain/dedupe"
	"github.com/okian/coinledger/internal/domain/ledger"
	"github.com/okian/coinledger/internal/domain/model"
	"github.com/okian/coinledger/pkg/logger"
)

// maxBodyBytes caps request bodies, webhook updates included.
const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	dedupe.Deduper

	// Enqueue pushes a delivery for async processing.
	Enqueue(ctx context.Context, d model.Delivery) error

	StartAccount(ctx context.Context, p account.Profile, code string) (ledger.StartResult, error)
	Account(ctx context.Context, id string) (*account.Account, error)
	ApplyReferral(ctx context.Context, newID, code string) (ledger.ReferralResult, error)
	ClaimTask(ctx context.Context, userID, taskID string) (ledger.TaskResult, error)
	ClaimDaily(ctx context.Context, userID string) (ledger.DailyResult, error)
	Purchase(ctx context.Context, userID, feature string) (ledger.PurchaseResult, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for unexpected failures.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time stamped on webhook deliveries.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	accountsHandler *AccountsHandler
	claimsHandler   *ClaimsHandler
	webhookHandler  *WebhookHandler

	logger logger.Logger
	clock  func() time.Time
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{logger: logger.Nop(), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(statsProvider)
	s.accountsHandler = NewAccountsHandler(deps, s.logger)
	s.claimsHandler = NewClaimsHandler(deps, s.logger)
	s.webhookHandler = NewWebhookHandler(deps, s.logger, s.clock)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /accounts", MetricsMiddleware(s.accountsHandler.HandleStart, "accounts"))
	mux.HandleFunc("GET /accounts/{id}", MetricsMiddleware(s.accountsHandler.HandleGet, "account"))
	mux.HandleFunc("POST /accounts/{id}/referral", MetricsMiddleware(s.accountsHandler.HandleReferral, "referral"))

	mux.HandleFunc("POST /claim-task", MetricsMiddleware(s.claimsHandler.HandleClaimTask, "claim_task"))
	mux.HandleFunc("POST /claim-daily", MetricsMiddleware(s.claimsHandler.HandleClaimDaily, "claim_daily"))
	mux.HandleFunc("POST /purchase", MetricsMiddleware(s.claimsHandler.HandlePurchase, "purchase"))

	mux.HandleFunc("POST /webhook", MetricsMiddleware(s.webhookHandler.HandleUpdate, "webhook"))
}

type errorResponse struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

// statusFor maps a ledger error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case "account_not_found", "task_not_found", "not_found":
		return http.StatusNotFound
	case "already_claimed", "already_referred":
		return http.StatusConflict
	case "insufficient_balance":
		return http.StatusPaymentRequired
	case "too_soon":
		return http.StatusTooManyRequests
	case "self_referral", "invalid_referral_code", "bad_request":
		return http.StatusBadRequest
	case "invalid_task", "balance_overflow":
		return http.StatusUnprocessableEntity
	case "transient_conflict":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeLedgerError renders a ledger outcome. Internal failures are logged and
// their details withheld from the client.
func writeLedgerError(ctx context.Context, log logger.Logger, w http.ResponseWriter, err error) {
	code := ledger.Code(err)
	status := statusFor(code)
	resp := errorResponse{Code: code, Message: err.Error()}

	var tooSoon *ledger.TooSoonError
	if errors.As(err, &tooSoon) {
		resp.RetryAfterSeconds = int64(math.Ceil(tooSoon.Remaining.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	if status == http.StatusInternalServerError {
		log.Error(ctx, "request failed", logger.Error(err))
		resp.Message = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}
