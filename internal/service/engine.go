package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

// Engine применяет допущенные уведомления к заказам и платежам.
type Engine struct {
	orders    OrderStore
	payments  PaymentStore
	fulfiller Fulfiller
	logger    *zap.Logger
}

// NewEngine создаёт механизм сверки.
func NewEngine(orders OrderStore, payments PaymentStore, fulfiller Fulfiller, logger *zap.Logger) *Engine {
	return &Engine{
		orders:    orders,
		payments:  payments,
		fulfiller: fulfiller,
		logger:    logger,
	}
}

// Reconcile применяет событие уведомления к заказу.
// Ошибка возвращается вместе с временными исходами и содержит причину.
func (e *Engine) Reconcile(ctx context.Context, n *model.Notification, order *model.Order) (model.Outcome, error) {
	switch n.EventType {
	case model.EventPending:
		return e.transition(ctx, n, order, model.OrderStatusPending)
	case model.EventPaid:
		return e.settle(ctx, n, order)
	case model.EventInvalid, model.EventExpired, model.EventCanceled:
		if order.Status == model.OrderStatusPaid {
			e.anomaly("cancellation for paid order ignored", n, order)
			return model.OutcomeAcknowledged, nil
		}
		return e.transition(ctx, n, order, model.OrderStatusCanceled)
	case model.EventOther:
		e.logger.Info("notification event ignored",
			zap.String("dedupe_key", n.DedupeKey()),
			zap.String("status", n.Status),
		)
		return model.OutcomeIgnored, nil
	default:
		e.anomaly("unexpected event type ignored", n, order)
		return model.OutcomeIgnored, nil
	}
}

func (e *Engine) transition(ctx context.Context, n *model.Notification, order *model.Order, status model.OrderStatus) (model.Outcome, error) {
	transitioned, err := e.orders.SetOrderStatus(ctx, order.ID, status)
	if err != nil {
		return model.OutcomeStoreFailed, fmt.Errorf("set order status: %w", err)
	}
	if !transitioned {
		e.anomaly("order status transition refused", n, order)
	}
	return model.OutcomeAcknowledged, nil
}

func (e *Engine) settle(ctx context.Context, n *model.Notification, order *model.Order) (model.Outcome, error) {
	e.logger.Debug("gross payment received",
		zap.String("order_id", order.ID),
		zap.String("gross", n.GrossAmount.String()),
	)

	if n.GrossAmount.Less(order.BalanceDue) {
		e.logger.Warn("insufficient funds received",
			zap.String("order_id", order.ID),
			zap.String("dedupe_key", n.DedupeKey()),
			zap.String("gross", n.GrossAmount.String()),
			zap.String("balance_due", order.BalanceDue.String()),
		)
		return model.OutcomeAcknowledgedIncomplete, nil
	}

	key := n.DedupeKey()
	payment, created, err := e.payments.GetOrCreatePayment(ctx, model.PaymentRecord{
		RefID:   key,
		Amount:  n.GrossAmount,
		Gateway: n.Source,
		Method:  n.Source,
		OrderID: order.ID,
		Comment: "Webhook " + key,
	})
	if err != nil {
		return model.OutcomeStoreFailed, fmt.Errorf("record payment: %w", err)
	}
	if !created {
		e.logger.Info("payment already recorded",
			zap.String("ref_id", payment.RefID),
			zap.Int64("payment_id", payment.ID),
		)
	}

	if order.Status == model.OrderStatusCanceled {
		e.anomaly("payment received for canceled order", n, order)
		return model.OutcomeAcknowledged, nil
	}

	if err := e.fulfiller.CompletePurchase(ctx, order, payment); err != nil {
		if errors.Is(err, model.ErrOrderNotPayable) {
			e.anomaly("order closed before fulfillment", n, order)
			return model.OutcomeAcknowledged, nil
		}
		return model.OutcomeFulfillmentFailed, fmt.Errorf("complete purchase: %w", err)
	}
	return model.OutcomeCompleted, nil
}

func (e *Engine) anomaly(msg string, n *model.Notification, order *model.Order) {
	e.logger.Warn(msg,
		zap.String("order_id", order.ID),
		zap.String("order_status", string(order.Status)),
		zap.String("dedupe_key", n.DedupeKey()),
		zap.String("event", string(n.EventType)),
	)
}
