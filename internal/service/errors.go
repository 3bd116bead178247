package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

// RejectError описывает отказ в допуске уведомления.
// Notification заполнено, если тело уведомления удалось разобрать.
type RejectError struct {
	Reason       model.RejectReason
	Notification *model.Notification
	Err          error
}

func (e *RejectError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

func reject(reason model.RejectReason, n *model.Notification, err error) *RejectError {
	return &RejectError{Reason: reason, Notification: n, Err: err}
}

// reasonOf извлекает причину отказа из ошибки проверки.
func reasonOf(err error) (model.RejectReason, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
