// Package model содержит доменные сущности шлюза платежей CoinGate.
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/govalues/decimal"
)

// ErrOrderNotPayable возвращается, если заказ уже закрыт в статусе, отличном от PAID.
var ErrOrderNotPayable = errors.New("order is closed and cannot be paid")

// OrderStatus описывает статус заказа магазина.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// IsTerminal сообщает, что статус не может быть изменён уведомлением платёжной системы.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCanceled
}

// Order описывает заказ магазина, по которому ожидается оплата.
type Order struct {
	ID         string
	Token      string
	BalanceDue decimal.Decimal
	Currency   string
	Status     OrderStatus
	// IsNew истинно, пока покупатель не подтвердил оформление заказа.
	IsNew     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventType описывает тип события из уведомления платёжной системы.
type EventType string

const (
	EventPending  EventType = "pending"
	EventPaid     EventType = "paid"
	EventInvalid  EventType = "invalid"
	EventExpired  EventType = "expired"
	EventCanceled EventType = "canceled"
	EventOther    EventType = "other"
)

// ParseEventType приводит статус из уведомления к известному типу события.
// Неизвестные статусы отображаются в EventOther.
func ParseEventType(status string) EventType {
	switch e := EventType(strings.ToLower(strings.TrimSpace(status))); e {
	case EventPending, EventPaid, EventInvalid, EventExpired, EventCanceled:
		return e
	default:
		return EventOther
	}
}

// Notification описывает разобранное входящее уведомление (webhook).
type Notification struct {
	Source        string
	EventType     EventType
	Status        string
	RemoteOrderID string
	LocalOrderID  string
	Token         string
	GrossAmount   decimal.Decimal
	ReceivedAt    time.Time
}

// DedupeKey возвращает ключ идемпотентности уведомления.
func (n *Notification) DedupeKey() string {
	return n.Source + "_" + n.Status + "_" + n.RemoteOrderID
}

// RawNotification содержит тело входящего запроса в неизменном виде.
type RawNotification struct {
	ContentType string
	Body        []byte
}

// RemoteOrder описывает состояние заказа на стороне платёжной системы.
type RemoteOrder struct {
	ID          string
	OrderID     string
	Status      string
	Token       string
	PaymentURL  string
	PriceAmount string
}

// PaymentRecord описывает подтверждённый платёж по заказу.
type PaymentRecord struct {
	ID        int64
	RefID     string
	Amount    decimal.Decimal
	Gateway   string
	Method    string
	OrderID   string
	Comment   string
	CreatedAt time.Time
}

// WebhookLog описывает запись журнала входящих уведомлений.
type WebhookLog struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	DedupeKey   string    `json:"dedupe_key"`
	EventType   string    `json:"event_type"`
	OrderID     string    `json:"order_id"`
	ContentType string    `json:"content_type"`
	Payload     string    `json:"payload"`
	PayloadHash string    `json:"payload_hash"`
	Result      string    `json:"result"`
	Retry       bool      `json:"retry"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Outcome описывает результат сверки допущенного уведомления.
type Outcome string

const (
	OutcomeAcknowledged           Outcome = "acknowledged"
	OutcomeAcknowledgedIncomplete Outcome = "acknowledged_incomplete"
	OutcomeIgnored                Outcome = "ignored"
	OutcomeCompleted              Outcome = "completed"
	OutcomeFulfillmentFailed      Outcome = "fulfillment_failed"
	OutcomeStoreFailed            Outcome = "store_failed"
)

// Retryable сообщает, что платёжная система должна повторить доставку.
func (o Outcome) Retryable() bool {
	return o == OutcomeFulfillmentFailed || o == OutcomeStoreFailed
}

// RejectReason описывает причину отклонения уведомления при проверке.
type RejectReason string

const (
	RejectMalformed          RejectReason = "malformed"
	RejectDuplicate          RejectReason = "duplicate"
	RejectUnknownOrder       RejectReason = "unknown_order"
	RejectOrderNotConfirmed  RejectReason = "order_not_confirmed"
	RejectTokenMismatch      RejectReason = "token_mismatch"
	RejectRemoteLookupFailed RejectReason = "remote_lookup_failed"
	RejectStatusMismatch     RejectReason = "status_mismatch"
	RejectStoreUnavailable   RejectReason = "store_unavailable"
)

// Retryable сообщает, что отказ временный и доставку нужно повторить.
func (r RejectReason) Retryable() bool {
	return r == RejectRemoteLookupFailed || r == RejectStoreUnavailable
}

// Ack описывает ответ, который получает платёжная система.
type Ack struct {
	StatusCode int
	Result     string
	Retry      bool
}
