// Package handler содержит HTTP-обработчики шлюза CoinGate.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/coingate-gateway/internal/model"
	"github.com/mmeshcher/coingate-gateway/internal/repository"
)

const (
	maxWebhookBody       = 64 << 10
	defaultWebhooksLimit = 50
	maxWebhooksLimit     = 500
)

// WebhookDispatcher обрабатывает входящее уведомление и возвращает ответ для платёжной системы.
type WebhookDispatcher interface {
	Handle(ctx context.Context, raw model.RawNotification) model.Ack
}

// AuditStore предоставляет данные для служебного API.
type AuditStore interface {
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]model.PaymentRecord, error)
	GetWebhookLog(ctx context.Context, id string) (*model.WebhookLog, error)
	ListWebhookLogs(ctx context.Context, dedupeKey string, limit int) ([]model.WebhookLog, error)
}

// Handler реализует HTTP-обработчики шлюза.
type Handler struct {
	dispatcher WebhookDispatcher
	audit      AuditStore
	logger     *zap.Logger
	adminToken string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Служебное API подключается, только если задан adminToken.
func NewHandler(d WebhookDispatcher, audit AuditStore, logger *zap.Logger, adminToken string) *Handler {
	return &Handler{
		dispatcher: d,
		audit:      audit,
		logger:     logger,
		adminToken: adminToken,
	}
}

type ackResponse struct {
	Result string `json:"result"`
	Retry  bool   `json:"retry"`
}

// CoinGateWebhook принимает уведомление CoinGate.
// Обработка не прерывается, если платёжная система закрыла соединение.
func (h *Handler) CoinGateWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ack := h.dispatcher.Handle(context.WithoutCancel(r.Context()), model.RawNotification{
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})

	writeJSON(w, ack.StatusCode, ackResponse{Result: ack.Result, Retry: ack.Retry})
}

type paymentResponse struct {
	ID        int64  `json:"id"`
	RefID     string `json:"ref_id"`
	Amount    string `json:"amount"`
	Gateway   string `json:"gateway"`
	Method    string `json:"method"`
	OrderID   string `json:"order_id"`
	Comment   string `json:"comment"`
	CreatedAt string `json:"created_at"`
}

// GetOrderPayments возвращает платежи, записанные по заказу.
func (h *Handler) GetOrderPayments(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	payments, err := h.audit.ListPaymentsByOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("list payments error", zap.Error(err), zap.String("order_id", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, paymentResponse{
			ID:        p.ID,
			RefID:     p.RefID,
			Amount:    p.Amount.String(),
			Gateway:   p.Gateway,
			Method:    p.Method,
			OrderID:   p.OrderID,
			Comment:   p.Comment,
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListWebhookLogs возвращает последние записи журнала уведомлений,
// при заданном параметре key только по одному ключу идемпотентности.
func (h *Handler) ListWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultWebhooksLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = min(n, maxWebhooksLimit)
	}

	logs, err := h.audit.ListWebhookLogs(r.Context(), r.URL.Query().Get("key"), limit)
	if err != nil {
		h.logger.Error("list webhook logs error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(logs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

// ReplayWebhook повторно передаёт сохранённое уведомление диспетчеру.
// Уже принятое уведомление будет отклонено как дубликат.
func (h *Handler) ReplayWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.audit.GetWebhookLog(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrWebhookLogNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get webhook log error", zap.Error(err), zap.String("webhook_id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.logger.Info("replaying webhook", zap.String("webhook_id", id), zap.String("dedupe_key", entry.DedupeKey))

	ack := h.dispatcher.Handle(context.WithoutCancel(r.Context()), model.RawNotification{
		ContentType: entry.ContentType,
		Body:        []byte(entry.Payload),
	})

	// Код ответа служебного API не зависит от того, просит ли результат повторной доставки.
	writeJSON(w, http.StatusOK, ackResponse{Result: ack.Result, Retry: ack.Retry})
}

// Healthz сообщает, что процесс запущен.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
