// Package service реализует проверку и сверку уведомлений платёжной системы.
package service

import (
	"context"
	"time"

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

// NotificationSource разбирает уведомления конкретной платёжной системы.
type NotificationSource interface {
	Name() string
	ParseNotification(raw model.RawNotification, receivedAt time.Time) (*model.Notification, error)
}

// OrderClient запрашивает состояние заказа у платёжной системы.
type OrderClient interface {
	FindOrder(ctx context.Context, remoteOrderID string) (*model.RemoteOrder, error)
}

// OrderStore описывает доступ к заказам магазина.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SetOrderStatus(ctx context.Context, id string, status model.OrderStatus) (bool, error)
}

// PaymentStore описывает доступ к платежам.
type PaymentStore interface {
	GetOrCreatePayment(ctx context.Context, p model.PaymentRecord) (*model.PaymentRecord, bool, error)
}

// SeenSet хранит ключи принятых уведомлений в базе.
type SeenSet interface {
	IsNotificationProcessed(ctx context.Context, dedupeKey string) (bool, error)
	ClaimNotification(ctx context.Context, n *model.Notification) (bool, error)
	ReleaseNotification(ctx context.Context, dedupeKey string) error
}

// SeenCache хранит ключи обработанных уведомлений в быстром кэше перед SeenSet.
type SeenCache interface {
	IsSeen(ctx context.Context, dedupeKey string) (bool, error)
	MarkSeen(ctx context.Context, dedupeKey string) error
}

// WebhookLogStore сохраняет журнал входящих уведомлений.
type WebhookLogStore interface {
	SaveWebhookLog(ctx context.Context, entry model.WebhookLog) error
}

// Fulfiller завершает покупку после подтверждённой оплаты.
type Fulfiller interface {
	CompletePurchase(ctx context.Context, order *model.Order, payment *model.PaymentRecord) error
}

// Admission содержит уведомление, прошедшее проверку, и его заказ.
type Admission struct {
	Notification *model.Notification
	Order        *model.Order
}
