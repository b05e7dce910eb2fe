package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gwi.com/faq-responder/internal/auth"
	"gwi.com/faq-responder/internal/core"
	"gwi.com/faq-responder/internal/line"
)

const maxBodyBytes = 1 << 20

// Pinger is the health-check side of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type APIHandler struct {
	pipeline   *core.Pipeline
	dispatcher *Dispatcher
	store      Pinger
	secret     string
	logger     *zap.Logger
}

func NewAPIHandler(pipeline *core.Pipeline, dispatcher *Dispatcher, store Pinger, secret string, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		pipeline:   pipeline,
		dispatcher: dispatcher,
		store:      store,
		secret:     secret,
		logger:     logger,
	}
}

// WebhookHandler acknowledges a LINE delivery and hands its text messages to
// the dispatcher. Replies go out through the LINE API, not this response.
func (h *APIHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	payload, err := line.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("Rejected webhook", zap.String("stage", "validate"), zap.Error(err))
		http.Error(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(auth.SignatureHeader)
	if !auth.Verify(body, signature, h.secret) {
		h.logger.Warn("Rejected webhook", zap.String("stage", "verify"), zap.Error(core.ErrAuthentication))
		http.Error(w, "Bad signature", http.StatusUnauthorized)
		return
	}

	msgs := payload.InboundMessages(body, signature)
	for _, msg := range msgs {
		h.dispatcher.Submit(msg)
	}
	h.logger.Debug("Webhook accepted", zap.Int("events", len(payload.Events)), zap.Int("text_messages", len(msgs)))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type ReplyRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type ReplyResponse struct {
	Reply    string `json:"reply"`
	Origin   string `json:"origin"`
	State    string `json:"state"`
	Grounded bool   `json:"grounded"`
}

// ReplyHandler runs the pipeline synchronously and returns the reply in the
// response body. The request must be signed like a webhook delivery.
func (h *APIHandler) ReplyHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req ReplyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	// The HTTP response is the outbound channel here.
	sink := core.SinkFunc(func(context.Context, core.Recipient, string) error { return nil })

	res := h.pipeline.WithSink(sink).Handle(r.Context(), core.InboundMessage{
		SenderID:     req.UserID,
		Text:         req.Text,
		RawSignature: r.Header.Get(auth.SignatureHeader),
		RawBody:      body,
	})
	switch {
	case errors.Is(res.Err, core.ErrAuthentication):
		http.Error(w, "Bad signature", http.StatusUnauthorized)
		return
	case res.State == core.StateRejected:
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if !res.Dispatched {
		// Client went away before dispatch; nothing left to answer.
		return
	}

	writeJSON(w, http.StatusOK, ReplyResponse{
		Reply:    res.Reply.Text,
		Origin:   string(res.Reply.Origin),
		State:    string(res.State),
		Grounded: res.Grounded,
	})
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Services: map[string]string{"store": "ok"}}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Store health check failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Services["store"] = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
