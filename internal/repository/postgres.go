// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ магазина не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrWebhookLogNotFound возвращается, если запись журнала уведомлений не найдена.
	ErrWebhookLogNotFound = errors.New("webhook log entry not found")
)

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// PostgresRepository предоставляет доступ к заказам, платежам и журналу уведомлений в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetOrder возвращает заказ магазина по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var (
		o          model.Order
		balanceDue string
		status     string
		confirmed  bool
	)

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT id, token, balance_due::text, currency, status, confirmed, created_at, updated_at
			 FROM orders WHERE id = $1`,
			id,
		).Scan(&o.ID, &o.Token, &balanceDue, &o.Currency, &status, &confirmed, &o.CreatedAt, &o.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.BalanceDue, err = decimal.Parse(balanceDue)
	if err != nil {
		return nil, fmt.Errorf("parse balance due: %w", err)
	}
	o.Status = model.OrderStatus(status)
	o.IsNew = !confirmed

	return &o, nil
}

// SetOrderStatus переводит заказ в указанный статус, если текущий статус не терминальный.
// Возвращает false, если перехода не произошло.
func (r *PostgresRepository) SetOrderStatus(ctx context.Context, id string, status model.OrderStatus) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = NOW()
			 WHERE id = $1 AND status NOT IN ($3, $4)`,
			id, string(status), string(model.OrderStatusPaid), string(model.OrderStatusCanceled),
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return affected == 1, nil
}

// IsNotificationProcessed сообщает, было ли уже принято уведомление с указанным ключом.
func (r *PostgresRepository) IsNotificationProcessed(ctx context.Context, dedupeKey string) (bool, error) {
	var exists bool
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE dedupe_key = $1)`,
			dedupeKey,
		).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

// ClaimNotification атомарно отмечает уведомление как принятое.
// Возвращает false, если ключ уже был занят другим обработчиком.
func (r *PostgresRepository) ClaimNotification(ctx context.Context, n *model.Notification) (bool, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`INSERT INTO webhook_events (dedupe_key, source, event_type, remote_order_id, order_id)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (dedupe_key) DO NOTHING`,
			n.DedupeKey(), n.Source, n.Status, n.RemoteOrderID, n.LocalOrderID,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return affected == 1, nil
}

// ReleaseNotification снимает отметку о принятии, чтобы повторная доставка была обработана.
func (r *PostgresRepository) ReleaseNotification(ctx context.Context, dedupeKey string) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, `DELETE FROM webhook_events WHERE dedupe_key = $1`, dedupeKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// GetOrCreatePayment создаёт запись о платеже, если платежа с таким RefID ещё нет.
// Возвращает сохранённую запись и признак того, что она была создана этим вызовом.
func (r *PostgresRepository) GetOrCreatePayment(ctx context.Context, p model.PaymentRecord) (*model.PaymentRecord, bool, error) {
	var (
		res      *model.PaymentRecord
		inserted bool
	)

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO payments (ref_id, amount, gateway, method, order_id, comment)
			 VALUES ($1, $2::numeric, $3, $4, $5, $6)
			 ON CONFLICT (ref_id) DO NOTHING`,
			p.RefID, p.Amount.String(), p.Gateway, p.Method, p.OrderID, p.Comment,
		)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		inserted = cmdTag.RowsAffected() == 1

		res, err = scanPayment(tx.QueryRow(ctx,
			`SELECT id, ref_id, amount::text, gateway, method, order_id, comment, created_at
			 FROM payments WHERE ref_id = $1`,
			p.RefID,
		))
		if err != nil {
			return fmt.Errorf("select payment: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return res, inserted, nil
}

// ListPaymentsByOrder возвращает платежи по заказу.
func (r *PostgresRepository) ListPaymentsByOrder(ctx context.Context, orderID string) ([]model.PaymentRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, ref_id, amount::text, gateway, method, order_id, comment, created_at
		 FROM payments
		 WHERE order_id = $1
		 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanPayment(row pgx.Row) (*model.PaymentRecord, error) {
	var (
		p      model.PaymentRecord
		amount string
	)
	if err := row.Scan(&p.ID, &p.RefID, &amount, &p.Gateway, &p.Method, &p.OrderID, &p.Comment, &p.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	p.Amount, err = decimal.Parse(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &p, nil
}

// SaveWebhookLog сохраняет запись журнала входящих уведомлений.
// Тело сохраняется байтами как есть, даже если это не UTF-8.
func (r *PostgresRepository) SaveWebhookLog(ctx context.Context, entry model.WebhookLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_log
		   (id, source, dedupe_key, event_type, order_id, content_type, payload, payload_hash, result, retry, received_at)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.Source, entry.DedupeKey, entry.EventType, entry.OrderID, entry.ContentType,
		[]byte(entry.Payload), entry.PayloadHash, entry.Result, entry.Retry, entry.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

const webhookLogColumns = `id::text, source, dedupe_key, event_type, order_id, content_type, payload, payload_hash, result, retry, received_at`

// GetWebhookLog возвращает запись журнала уведомлений по идентификатору.
func (r *PostgresRepository) GetWebhookLog(ctx context.Context, id string) (*model.WebhookLog, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWebhookLogNotFound, id)
	}

	entry, err := scanWebhookLog(r.pool.QueryRow(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_log WHERE id = $1::uuid`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrWebhookLogNotFound, id)
		}
		return nil, fmt.Errorf("get webhook log: %w", err)
	}
	return entry, nil
}

// ListWebhookLogs возвращает последние записи журнала, при необходимости отфильтрованные по ключу идемпотентности.
func (r *PostgresRepository) ListWebhookLogs(ctx context.Context, dedupeKey string, limit int) ([]model.WebhookLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+webhookLogColumns+`
		 FROM webhook_log
		 WHERE $1::text = '' OR dedupe_key = $1
		 ORDER BY received_at DESC
		 LIMIT $2`,
		dedupeKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select webhook log: %w", err)
	}
	defer rows.Close()

	var res []model.WebhookLog
	for rows.Next() {
		entry, err := scanWebhookLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		res = append(res, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanWebhookLog(row pgx.Row) (*model.WebhookLog, error) {
	var (
		e       model.WebhookLog
		payload []byte
	)
	err := row.Scan(&e.ID, &e.Source, &e.DedupeKey, &e.EventType, &e.OrderID, &e.ContentType,
		&payload, &e.PayloadHash, &e.Result, &e.Retry, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = string(payload)
	return &e, nil
}
