// Package fulfillment завершает покупку после подтверждённой оплаты заказа.
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

// OrderStore описывает операции с заказом, нужные для завершения покупки.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SetOrderStatus(ctx context.Context, id string, status model.OrderStatus) (bool, error)
}

// MessageWriter описывает запись сообщений в Kafka.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderPaidEvent описывает событие об оплате заказа для последующих систем.
type OrderPaidEvent struct {
	OrderID string    `json:"order_id"`
	RefID   string    `json:"ref_id"`
	Amount  string    `json:"amount"`
	Gateway string    `json:"gateway"`
	PaidAt  time.Time `json:"paid_at"`
}

// Service переводит заказ в статус PAID и публикует событие об оплате.
type Service struct {
	orders OrderStore
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaWriter создаёт writer для публикации событий об оплате.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewService создаёт сервис завершения покупки. writer может быть nil, тогда события не публикуются.
func NewService(orders OrderStore, writer MessageWriter, logger *zap.Logger) *Service {
	return &Service{
		orders: orders,
		writer: writer,
		logger: logger,
		now:    time.Now,
	}
}

// CompletePurchase завершает покупку по подтверждённому платежу.
// Повторный вызов для того же платежа безопасен. Если заказ успел закрыться
// в другом статусе, возвращается model.ErrOrderNotPayable и событие не публикуется.
func (s *Service) CompletePurchase(ctx context.Context, order *model.Order, payment *model.PaymentRecord) error {
	transitioned, err := s.orders.SetOrderStatus(ctx, order.ID, model.OrderStatusPaid)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if !transitioned {
		// Статус мог измениться после проверки уведомления, поэтому перечитываем его.
		current, err := s.orders.GetOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		if current.Status != model.OrderStatusPaid {
			return fmt.Errorf("%w: order %s is %s", model.ErrOrderNotPayable, order.ID, current.Status)
		}
		s.logger.Info("order already paid",
			zap.String("order_id", order.ID),
			zap.String("ref_id", payment.RefID),
		)
	}

	if s.writer == nil {
		return nil
	}

	event := OrderPaidEvent{
		OrderID: order.ID,
		RefID:   payment.RefID,
		Amount:  payment.Amount.String(),
		Gateway: payment.Gateway,
		PaidAt:  s.now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(payment.RefID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("publish order paid: %w", err)
	}

	s.logger.Info("order paid event published",
		zap.String("order_id", order.ID),
		zap.String("ref_id", payment.RefID),
	)
	return nil
}

// Close закрывает writer событий.
func (s *Service) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
