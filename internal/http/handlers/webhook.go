package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/http/respond"
	"github.com/hongminglow/sampledeck-billing/internal/models/dto"
	"github.com/hongminglow/sampledeck-billing/internal/payment/stripe"
	"github.com/hongminglow/sampledeck-billing/internal/reconcile"
)

// MaxWebhookBody caps how much of a delivery is read.
const MaxWebhookBody = 1 << 20

// EventVerifier authenticates a raw delivery and decodes it.
type EventVerifier interface {
	Verify(payload []byte, header string) (reconcile.Event, error)
}

// EventDispatcher reconciles one verified event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt reconcile.Event) (reconcile.Outcome, error)
}

// WebhookObserver records per-delivery outcomes.
type WebhookObserver interface {
	ObserveWebhook(eventType, outcome string, took time.Duration)
}

// WebhookHandler receives Stripe deliveries. It answers 200 for anything a
// retry cannot change and 500 when the provider should redeliver.
type WebhookHandler struct {
	verifier   EventVerifier
	dispatcher EventDispatcher
	timeout    time.Duration
	logger     *zap.Logger
	observer   WebhookObserver
}

// NewWebhookHandler constructs the handler. timeout bounds each event's processing.
func NewWebhookHandler(verifier EventVerifier, dispatcher EventDispatcher, timeout time.Duration, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		timeout:    timeout,
		logger:     logger.Named("webhook"),
	}
}

// AttachObserver wires an optional metrics sink.
func (h *WebhookHandler) AttachObserver(observer WebhookObserver) {
	h.observer = observer
}

// Register attaches the webhook route to the mux.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks/stripe", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// The signature covers the exact bytes, so nothing may parse the body first.
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook body too large", zap.Int64("limit", tooLarge.Limit))
		} else {
			h.logger.Warn("read webhook body", zap.Error(err))
		}
		h.observe("", "unreadable", start)
		respond.Error(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	evt, err := h.verifier.Verify(payload, r.Header.Get(stripe.SignatureHeader))
	if err != nil {
		if errors.Is(err, stripe.ErrInvalidSignature) {
			h.logger.Warn("webhook signature verification failed", zap.Error(err))
			h.observe("", "invalid_signature", start)
			respond.Error(w, http.StatusBadRequest, "webhook signature verification failed")
			return
		}
		// Signed by us but undecodable: a retry delivers the same bytes.
		h.logger.Error("verified webhook could not be decoded", zap.Error(err))
		h.observe("", string(reconcile.OutcomeRejected), start)
		respond.Raw(w, http.StatusOK, dto.WebhookAck{Received: true, Outcome: string(reconcile.OutcomeRejected)})
		return
	}

	meta := evt.Meta()
	log := h.logger.With(zap.String("event_id", meta.ID), zap.String("event_type", meta.Type))
	log.Debug("webhook event received", zap.Time("created", meta.Created))

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcome, err := h.dispatcher.Dispatch(ctx, evt)
	if err != nil {
		if reconcile.IsPermanent(err) {
			log.Error("event rejected; acknowledging without changes", zap.Error(err))
			h.observe(meta.Type, string(reconcile.OutcomeRejected), start)
			respond.Raw(w, http.StatusOK, dto.WebhookAck{Received: true, Outcome: string(reconcile.OutcomeRejected)})
			return
		}
		log.Error("event processing failed; provider will retry", zap.Error(err))
		h.observe(meta.Type, "error", start)
		respond.Error(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	log.Info("event reconciled", zap.String("outcome", string(outcome)), zap.Duration("took", time.Since(start)))
	h.observe(meta.Type, string(outcome), start)
	respond.Raw(w, http.StatusOK, dto.WebhookAck{Received: true, Outcome: string(outcome)})
}

func (h *WebhookHandler) observe(eventType, outcome string, start time.Time) {
	if h.observer != nil {
		h.observer.ObserveWebhook(eventType, outcome, time.Since(start))
	}
}
