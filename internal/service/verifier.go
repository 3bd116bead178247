package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coingate-gateway/internal/model"
	"github.com/mmeshcher/coingate-gateway/internal/repository"
)

const defaultLookupTimeout = 5 * time.Second

// Verifier проверяет подлинность и актуальность уведомлений до применения изменений.
type Verifier struct {
	source        NotificationSource
	orders        OrderStore
	seen          SeenSet
	cache         SeenCache
	client        OrderClient
	lookupTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// VerifierOption настраивает Verifier.
type VerifierOption func(*Verifier)

// WithSeenCache подключает быстрый кэш обработанных уведомлений.
func WithSeenCache(c SeenCache) VerifierOption {
	return func(v *Verifier) {
		v.cache = c
	}
}

// WithLookupTimeout задаёт предельное время запроса к платёжной системе.
func WithLookupTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.lookupTimeout = d
		}
	}
}

// NewVerifier создаёт проверяющего уведомления.
func NewVerifier(source NotificationSource, orders OrderStore, seen SeenSet, client OrderClient, logger *zap.Logger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		source:        source,
		orders:        orders,
		seen:          seen,
		client:        client,
		lookupTimeout: defaultLookupTimeout,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify разбирает уведомление и последовательно проверяет его.
// При успехе ключ идемпотентности уведомления занят, и вызывающий
// отвечает за его освобождение, если обработка завершилась временной ошибкой.
// При отказе возвращается *RejectError.
func (v *Verifier) Verify(ctx context.Context, raw model.RawNotification) (*Admission, error) {
	n, err := v.source.ParseNotification(raw, v.now())
	if err != nil {
		return nil, reject(model.RejectMalformed, nil, err)
	}

	key := n.DedupeKey()

	seen, err := v.alreadySeen(ctx, key)
	if err != nil {
		return nil, reject(model.RejectStoreUnavailable, n, err)
	}
	if seen {
		return nil, reject(model.RejectDuplicate, n, nil)
	}

	order, err := v.orders.GetOrder(ctx, n.LocalOrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, reject(model.RejectUnknownOrder, n, err)
		}
		return nil, reject(model.RejectStoreUnavailable, n, err)
	}
	if order.IsNew {
		return nil, reject(model.RejectOrderNotConfirmed, n, fmt.Errorf("order %s is not confirmed", order.ID))
	}

	if !tokensEqual(n.Token, order.Token) {
		return nil, reject(model.RejectTokenMismatch, n, fmt.Errorf("token does not match order %s", order.ID))
	}

	remote, err := v.lookup(ctx, n.RemoteOrderID)
	if err != nil {
		return nil, reject(model.RejectRemoteLookupFailed, n, err)
	}

	if remote.Status != n.Status {
		return nil, reject(model.RejectStatusMismatch, n,
			fmt.Errorf("remote status %q, notification status %q", remote.Status, n.Status))
	}
	if remote.Token != "" && !tokensEqual(remote.Token, order.Token) {
		return nil, reject(model.RejectTokenMismatch, n, fmt.Errorf("remote token does not match order %s", order.ID))
	}

	claimed, err := v.seen.ClaimNotification(ctx, n)
	if err != nil {
		return nil, reject(model.RejectStoreUnavailable, n, err)
	}
	if !claimed {
		return nil, reject(model.RejectDuplicate, n, nil)
	}

	return &Admission{Notification: n, Order: order}, nil
}

func (v *Verifier) alreadySeen(ctx context.Context, key string) (bool, error) {
	if v.cache != nil {
		seen, err := v.cache.IsSeen(ctx, key)
		if err != nil {
			v.logger.Warn("seen cache lookup failed", zap.String("dedupe_key", key), zap.Error(err))
		} else if seen {
			return true, nil
		}
	}
	return v.seen.IsNotificationProcessed(ctx, key)
}

func (v *Verifier) lookup(ctx context.Context, remoteOrderID string) (*model.RemoteOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	start := time.Now()
	remote, err := v.client.FindOrder(ctx, remoteOrderID)
	if err == nil && remote == nil {
		err = fmt.Errorf("empty snapshot for remote order %s", remoteOrderID)
	}
	remoteLookupDuration.WithLabelValues(v.source.Name(), strconv.FormatBool(err == nil)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("find remote order: %w", err)
	}
	return remote, nil
}

func tokensEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
