package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

// Dispatcher последовательно выполняет проверку, сверку и журналирование уведомления
// и определяет ответ платёжной системе.
type Dispatcher struct {
	source   string
	verifier *Verifier
	engine   *Engine
	seen     SeenSet
	cache    SeenCache
	audit    WebhookLogStore
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewDispatcher создаёт диспетчер уведомлений. cache может быть nil.
func NewDispatcher(verifier *Verifier, engine *Engine, seen SeenSet, cache SeenCache, audit WebhookLogStore, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		source:   verifier.source.Name(),
		verifier: verifier,
		engine:   engine,
		seen:     seen,
		cache:    cache,
		audit:    audit,
		logger:   logger,
		tracer:   otel.Tracer("github.com/mmeshcher/coingate-gateway/internal/service"),
		now:      time.Now,
	}
}

// Handle обрабатывает одно уведомление и возвращает ответ для платёжной системы.
func (d *Dispatcher) Handle(ctx context.Context, raw model.RawNotification) model.Ack {
	ctx, span := d.tracer.Start(ctx, "webhook.handle", trace.WithAttributes(
		attribute.String("webhook.source", d.source),
	))
	defer span.End()

	sum := sha256.Sum256(raw.Body)
	entry := model.WebhookLog{
		ID:          uuid.NewString(),
		Source:      d.source,
		ContentType: raw.ContentType,
		Payload:     string(raw.Body),
		PayloadHash: hex.EncodeToString(sum[:]),
		ReceivedAt:  d.now().UTC(),
	}

	adm, err := d.verifier.Verify(ctx, raw)
	if err != nil {
		var rej *RejectError
		if !errors.As(err, &rej) {
			rej = reject(model.RejectStoreUnavailable, nil, err)
		}
		fillEntry(&entry, rej.Notification)

		// Дубликат не помечает кэш: ключ может принадлежать обработке,
		// которая ещё завершится временной ошибкой и освободит его.
		ack := rejectAck(rej.Reason)
		d.finish(ctx, span, entry, ack, err)
		return ack
	}

	n := adm.Notification
	fillEntry(&entry, n)

	outcome, err := d.engine.Reconcile(ctx, n, adm.Order)
	if outcome.Retryable() {
		if relErr := d.seen.ReleaseNotification(ctx, entry.DedupeKey); relErr != nil {
			d.logger.Error("release notification claim failed, manual reconciliation required",
				zap.String("dedupe_key", entry.DedupeKey),
				zap.Error(relErr),
			)
		}
	} else {
		d.markSeen(ctx, entry.DedupeKey)
	}

	ack := outcomeAck(outcome)
	d.finish(ctx, span, entry, ack, err)
	return ack
}

func (d *Dispatcher) markSeen(ctx context.Context, key string) {
	if d.cache == nil || key == "" {
		return
	}
	if err := d.cache.MarkSeen(ctx, key); err != nil {
		d.logger.Warn("seen cache update failed", zap.String("dedupe_key", key), zap.Error(err))
	}
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, entry model.WebhookLog, ack model.Ack, cause error) {
	entry.Result = ack.Result
	entry.Retry = ack.Retry

	span.SetAttributes(
		attribute.String("webhook.dedupe_key", entry.DedupeKey),
		attribute.String("webhook.result", ack.Result),
		attribute.Bool("webhook.retry", ack.Retry),
	)
	if ack.Retry {
		span.SetStatus(codes.Error, ack.Result)
	}

	fields := []zap.Field{
		zap.String("webhook_id", entry.ID),
		zap.String("source", entry.Source),
		zap.String("dedupe_key", entry.DedupeKey),
		zap.String("event", entry.EventType),
		zap.String("order_id", entry.OrderID),
		zap.String("payload_sha256", entry.PayloadHash),
		zap.String("result", ack.Result),
		zap.Bool("retry", ack.Retry),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if ack.Retry {
		d.logger.Warn("webhook processed", fields...)
	} else {
		d.logger.Info("webhook processed", fields...)
	}

	observeResult(entry.Source, ack.Result, ack.Retry)

	if err := d.audit.SaveWebhookLog(ctx, entry); err != nil {
		d.logger.Error("save webhook log failed", zap.String("webhook_id", entry.ID), zap.Error(err))
	}
}

func fillEntry(entry *model.WebhookLog, n *model.Notification) {
	if n == nil {
		return
	}
	entry.DedupeKey = n.DedupeKey()
	entry.EventType = n.Status
	entry.OrderID = n.LocalOrderID
}

func rejectAck(reason model.RejectReason) model.Ack {
	if reason.Retryable() {
		return model.Ack{StatusCode: http.StatusServiceUnavailable, Result: string(reason), Retry: true}
	}
	return model.Ack{StatusCode: http.StatusOK, Result: string(reason)}
}

func outcomeAck(outcome model.Outcome) model.Ack {
	if outcome.Retryable() {
		return model.Ack{StatusCode: http.StatusServiceUnavailable, Result: string(outcome), Retry: true}
	}
	return model.Ack{StatusCode: http.StatusOK, Result: string(outcome)}
}
