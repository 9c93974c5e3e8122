package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/okian/coinledger/internal/adapters/mq/queue"
	"github.com/okian/coinledger/internal/adapters/telegram"
	"github.com/okian/coinledger/pkg/logger"
)

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// WebhookHandler accepts bot updates and queues them for the workers.
type WebhookHandler struct {
	deps   Dependencies
	logger logger.Logger
	clock  func() time.Time
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(deps Dependencies, log logger.Logger, clock func() time.Time) *WebhookHandler {
	return &WebhookHandler{deps: deps, logger: log, clock: clock}
}

// HandleUpdate handles POST /webhook. Accepted, duplicate and ignored
// updates all answer 200 so the bot platform stops redelivering them;
// backpressure answers 429 so it retries later.
func (h *WebhookHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", errors.Join(ErrBadRequest, err))
		return
	}
	d, ok, err := telegram.Decode(body, h.clock())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, ackResponse{Status: "ignored"})
		return
	}

	// Idempotency check - mark as seen first
	seen, err := h.deps.SeenAndRecord(ctx, d.ID)
	if err != nil {
		h.logger.Error(ctx, "dedupe check failed", logger.String("delivery_id", d.ID), logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", nil)
		return
	}
	if seen {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}

	if err := h.deps.Enqueue(ctx, d); err != nil {
		// Rollback the "seen" status since enqueue failed
		if uerr := h.deps.Unrecord(ctx, d.ID); uerr != nil {
			h.logger.Warn(ctx, "unrecord failed", logger.String("delivery_id", d.ID), logger.Error(uerr))
		}
		if errors.Is(err, queue.ErrFull) {
			writeError(w, http.StatusTooManyRequests, "backpressure", ErrBackpressure)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Status: "accepted"})
}
