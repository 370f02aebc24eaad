// Package repository содержит реализацию доступа к данным в PostgreSQL.
// Все транзакционные инварианты депозитной кассы обеспечиваются здесь:
// резерв остатков, сериализация платежей и терминальных переходов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/deposit-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается, если позиция каталога не найдена.
	ErrProductNotFound = errors.New("product not found")
	// ErrItemNotFound возвращается, если строка заказа не найдена.
	ErrItemNotFound = errors.New("order item not found")
	// ErrSaleNotFound возвращается, если продажа не найдена.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrNotCustomItem возвращается при попытке изменить себестоимость каталожной строки.
	ErrNotCustomItem = errors.New("item is not a custom order item")
	// ErrInvalidState возвращается при операции над заказом в недопустимом статусе.
	ErrInvalidState = errors.New("invalid order state")
	// ErrBalanceOutstanding возвращается при попытке завершить заказ с ненулевым остатком.
	ErrBalanceOutstanding = errors.New("order balance is not settled")
	// ErrOverpayment возвращается, если платёж превышает остаток к оплате сверх допуска.
	ErrOverpayment = errors.New("payment exceeds remaining balance")
	// ErrStockBelowZero возвращается, если корректировка увела бы остаток в минус.
	ErrStockBelowZero = errors.New("stock adjustment below zero")
	// ErrContention возвращается при невозможности получить блокировку за отведённое время.
	// Единственная ошибка, которую вызывающий может повторять вслепую.
	ErrContention = errors.New("resource is locked, retry later")
)

// StockShortfall описывает нехватку остатка по одной позиции.
type StockShortfall struct {
	ProductID   int64
	ProductName string
	Requested   int64
	Available   int64
}

// InsufficientStockError возвращается, когда запрошенное количество превышает
// доступный остаток. Содержит все проблемные позиции сразу, чтобы кассир
// исправил заказ за один подход.
type InsufficientStockError struct {
	Shortfalls []StockShortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ProductName, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

// pgxQuerier покрывает общие методы pgxpool.Pool и pgx.Tx, чтобы читающие
// помощники работали и в транзакции, и вне её.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, lockTimeout time.Duration) (*PostgresRepository, error) {
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

	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}

	r := &PostgresRepository{pool: pool, lockTimeout: lockTimeout}

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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// inTx выполняет fn в транзакции с ограничением времени ожидания блокировок.
// Подтверждение транзакции — на стороне fn ничего не требуется: commit
// выполняется здесь, rollback — при любой ошибке.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	timeoutMS := r.lockTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", timeoutMS)); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при сбоях сериализации и дедлоках. Нехватка
// времени на блокировку наружу уходит как ErrContention: её повторяет сам
// вызывающий, а не репозиторий.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
				return retry.RetryableError(err)
			case pgerrcode.LockNotAvailable:
				return fmt.Errorf("%w: %s", ErrContention, pgErr.Message)
			}
		}

		return err
	})
}

// CreateOrder атомарно создаёт депозитный заказ: проверяет доступный остаток
// по каждой каталожной позиции под блокировкой, сохраняет заказ, строки,
// зачёты и первоначальный платёж. При нехватке остатка ничего не сохраняется.
func (r *PostgresRepository) CreateOrder(ctx context.Context, draft *model.OrderDraft, receivedBy, toleranceCents int64) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			products, err := lockProducts(ctx, tx, draftProductIDs(draft.Items))
			if err != nil {
				return err
			}

			requested := map[int64]int64{}
			for _, it := range draft.Items {
				if it.ProductID != nil {
					requested[*it.ProductID] += it.Quantity
				}
			}

			var shortfalls []StockShortfall
			for _, pid := range sortedKeys(requested) {
				p, ok := products[pid]
				if !ok {
					return fmt.Errorf("%w: id %d", ErrProductNotFound, pid)
				}
				if !p.TrackStock {
					continue
				}

				reserved, err := reservedQty(ctx, tx, pid, 0)
				if err != nil {
					return err
				}

				available := p.OnHand - reserved
				if requested[pid] > available {
					shortfalls = append(shortfalls, StockShortfall{
						ProductID:   pid,
						ProductName: p.Name,
						Requested:   requested[pid],
						Available:   available,
					})
				}
			}
			if len(shortfalls) > 0 {
				return &InsufficientStockError{Shortfalls: shortfalls}
			}

			totalCents := int64(0)
			for _, it := range draft.Items {
				totalCents += it.UnitPriceCents * it.Quantity
			}
			peCents := int64(0)
			for _, pe := range draft.PartExchanges {
				peCents += pe.AllowanceCents
			}

			var orderID int64
			err = tx.QueryRow(ctx,
				`INSERT INTO deposit_orders (status, customer_ref, total_cents, part_exchange_cents, paid_cents, expected_pickup)
				 VALUES ($1, $2, $3, $4, 0, $5)
				 RETURNING id`,
				string(model.OrderStatusActive), draft.CustomerRef, totalCents, peCents, draft.ExpectedPickup,
			).Scan(&orderID)
			if err != nil {
				return fmt.Errorf("insert order: %w", err)
			}

			for _, it := range draft.Items {
				costCents := it.UnitCostCents
				if costCents == 0 && it.ProductID != nil {
					if p, ok := products[*it.ProductID]; ok {
						costCents = p.CostCents
					}
				}

				_, err := tx.Exec(ctx,
					`INSERT INTO deposit_order_items (order_id, product_id, product_name, quantity, unit_price_cents, unit_cost_cents, is_custom)
					 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					orderID, it.ProductID, it.ProductName, it.Quantity, it.UnitPriceCents, costCents, it.IsCustom,
				)
				if err != nil {
					return fmt.Errorf("insert order item: %w", err)
				}
			}

			for _, pe := range draft.PartExchanges {
				_, err := tx.Exec(ctx,
					`INSERT INTO part_exchanges (order_id, description, allowance_cents) VALUES ($1, $2, $3)`,
					orderID, pe.Description, pe.AllowanceCents,
				)
				if err != nil {
					return fmt.Errorf("insert part exchange: %w", err)
				}
			}

			if draft.InitialPayment != nil {
				ip := draft.InitialPayment
				if err := insertPayment(ctx, tx, orderID, ip.AmountCents, ip.Method, receivedBy, totalCents-peCents, 0, toleranceCents); err != nil {
					return err
				}
			}

			order, err = getOrder(ctx, tx, orderID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder возвращает заказ со строками, зачётами и платежами.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return getOrder(ctx, r.pool, orderID)
}

// ListOrders возвращает заголовки заказов, опционально отфильтрованные по статусу.
func (r *PostgresRepository) ListOrders(ctx context.Context, status *model.OrderStatus) ([]model.Order, error) {
	query := `SELECT id, status, customer_ref, total_cents, part_exchange_cents, paid_cents,
	                 expected_pickup, created_at, completed_at, terminal_reason
	          FROM deposit_orders`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var st string
		if err := rows.Scan(&o.ID, &st, &o.CustomerRef, &o.TotalCents, &o.PartExchangeCents, &o.PaidCents,
			&o.ExpectedPickup, &o.CreatedAt, &o.CompletedAt, &o.TerminalReason); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(st)
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// AddPayment добавляет платёж к активному заказу под блокировкой строки заказа,
// проверяет переплату и обновляет кэш оплаченной суммы в той же транзакции.
func (r *PostgresRepository) AddPayment(ctx context.Context, orderID, amountCents int64, method model.PaymentMethod, receivedBy, toleranceCents int64) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			st, totalCents, peCents, err := lockOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if st != model.OrderStatusActive {
				return fmt.Errorf("%w: order is %s", ErrInvalidState, st)
			}

			paidCents, err := paidTotal(ctx, tx, orderID)
			if err != nil {
				return err
			}

			if err := insertPayment(ctx, tx, orderID, amountCents, method, receivedBy, totalCents-peCents, paidCents, toleranceCents); err != nil {
				return err
			}

			order, err = getOrder(ctx, tx, orderID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// insertPayment добавляет платёж и обновляет кэш оплаченной суммы заказа.
// payableCents — сумма к оплате (total − partExchange), paidCents — уже
// оплаченная сумма по данным той же транзакции.
func insertPayment(ctx context.Context, tx pgx.Tx, orderID, amountCents int64, method model.PaymentMethod, receivedBy, payableCents, paidCents, toleranceCents int64) error {
	if model.ExceedsPayable(payableCents, paidCents, amountCents, toleranceCents) {
		remaining := payableCents - paidCents
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Errorf("%w: amount %d, remaining %d", ErrOverpayment, amountCents, remaining)
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO payments (order_id, amount_cents, method, received_by) VALUES ($1, $2, $3, $4)`,
		orderID, amountCents, string(method), receivedBy,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE deposit_orders SET paid_cents = $2 WHERE id = $1`,
		orderID, paidCents+amountCents,
	)
	if err != nil {
		return fmt.Errorf("update paid total: %w", err)
	}

	return nil
}

// UpdateItemCost проставляет себестоимость строки под заказ до завершения
// продажи. Допускается только для активных заказов и только для строк,
// отсутствующих в каталоге. Остаток к оплате не меняется.
func (r *PostgresRepository) UpdateItemCost(ctx context.Context, orderID, itemID, costCents int64, category, description *string) error {
	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			st, _, _, err := lockOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if st != model.OrderStatusActive {
				return fmt.Errorf("%w: order is %s", ErrInvalidState, st)
			}

			var isCustom bool
			err = tx.QueryRow(ctx,
				`SELECT is_custom FROM deposit_order_items WHERE id = $1 AND order_id = $2`,
				itemID, orderID,
			).Scan(&isCustom)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: id %d", ErrItemNotFound, itemID)
				}
				return fmt.Errorf("select item: %w", err)
			}
			if !isCustom {
				return fmt.Errorf("%w: id %d", ErrNotCustomItem, itemID)
			}

			_, err = tx.Exec(ctx,
				`UPDATE deposit_order_items
				 SET unit_cost_cents = $3,
				     category = COALESCE($4, category),
				     description = COALESCE($5, description)
				 WHERE id = $1 AND order_id = $2`,
				itemID, orderID, costCents, category, description,
			)
			if err != nil {
				return fmt.Errorf("update item cost: %w", err)
			}

			return nil
		})
	})
}

// CompleteOrder завершает полностью оплаченный заказ одной транзакцией:
// повторно проверяет остатки по текущему состоянию склада, списывает их,
// создаёт неизменяемый снимок продажи, расчёты с поставщиками и переводит
// заказ в статус completed. Любая ошибка откатывает всё целиком.
// Возвращает продажу и предупреждения о строках под заказ без себестоимости.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID, taxRateBP int64) (*model.Sale, []string, error) {
	var sale *model.Sale
	var advisories []string

	err := r.withRetry(ctx, func() error {
		sale, advisories = nil, nil

		return r.inTx(ctx, func(tx pgx.Tx) error {
			st, _, _, err := lockOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if st != model.OrderStatusActive {
				return fmt.Errorf("%w: order is %s", ErrInvalidState, st)
			}

			items, err := orderItems(ctx, tx, orderID)
			if err != nil {
				return err
			}

			// Баланс пересчитывается из дочерних записей, кэшам не доверяем.
			totalCents := model.ItemsTotal(items)
			var peCents int64
			err = tx.QueryRow(ctx,
				`SELECT COALESCE(SUM(allowance_cents), 0) FROM part_exchanges WHERE order_id = $1`,
				orderID,
			).Scan(&peCents)
			if err != nil {
				return fmt.Errorf("sum part exchanges: %w", err)
			}
			paidCents, err := paidTotal(ctx, tx, orderID)
			if err != nil {
				return err
			}

			if due := model.BalanceDue(totalCents, peCents, paidCents); due > 0 {
				return fmt.Errorf("%w: %d remaining", ErrBalanceOutstanding, due)
			}

			products, err := lockProducts(ctx, tx, itemProductIDs(items))
			if err != nil {
				return err
			}

			// Повторная проверка остатков: с момента создания заказа склад
			// могли опустошить обычные продажи. Резервы других активных
			// заказов по-прежнему учитываются, собственный резерв — нет.
			requested := map[int64]int64{}
			for _, it := range items {
				if it.ProductID != nil {
					requested[*it.ProductID] += it.Quantity
				}
			}

			var shortfalls []StockShortfall
			for _, pid := range sortedKeys(requested) {
				p := products[pid]
				if !p.TrackStock {
					continue
				}

				reserved, err := reservedQty(ctx, tx, pid, orderID)
				if err != nil {
					return err
				}

				available := p.OnHand - reserved
				if requested[pid] > available {
					shortfalls = append(shortfalls, StockShortfall{
						ProductID:   pid,
						ProductName: p.Name,
						Requested:   requested[pid],
						Available:   available,
					})
				}
			}
			if len(shortfalls) > 0 {
				return &InsufficientStockError{Shortfalls: shortfalls}
			}

			for _, pid := range sortedKeys(requested) {
				if !products[pid].TrackStock {
					continue
				}
				if _, err := tx.Exec(ctx,
					`UPDATE products SET quantity_on_hand = quantity_on_hand - $2 WHERE id = $1`,
					pid, requested[pid],
				); err != nil {
					return fmt.Errorf("deduct stock: %w", err)
				}
			}

			subtotalCents := totalCents
			var taxCents int64
			saleItems := make([]model.SaleItem, 0, len(items))
			for _, it := range items {
				lineTax := it.UnitPriceCents * it.Quantity * taxRateBP / 10000
				taxCents += lineTax

				saleItems = append(saleItems, model.SaleItem{
					ProductID:      it.ProductID,
					ProductName:    it.ProductName,
					Quantity:       it.Quantity,
					UnitPriceCents: it.UnitPriceCents,
					UnitCostCents:  it.UnitCostCents,
					TaxRateBP:      taxRateBP,
					TaxCents:       lineTax,
				})

				if it.IsCustom && it.UnitCostCents == 0 {
					advisories = append(advisories, fmt.Sprintf("custom item %q has no cost set", it.ProductName))
				}
			}

			var saleID int64
			var soldAt time.Time
			err = tx.QueryRow(ctx,
				`INSERT INTO sales (source_order_id, subtotal_cents, tax_cents, total_cents)
				 VALUES ($1, $2, $3, $4)
				 RETURNING id, sold_at`,
				orderID, subtotalCents, taxCents, subtotalCents+taxCents,
			).Scan(&saleID, &soldAt)
			if err != nil {
				return fmt.Errorf("insert sale: %w", err)
			}

			for i := range saleItems {
				si := &saleItems[i]

				err := tx.QueryRow(ctx,
					`INSERT INTO sale_items (sale_id, product_id, product_name, quantity, unit_price_cents, unit_cost_cents, tax_rate_bp, tax_cents)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
					 RETURNING id`,
					saleID, si.ProductID, si.ProductName, si.Quantity, si.UnitPriceCents, si.UnitCostCents, si.TaxRateBP, si.TaxCents,
				).Scan(&si.ID)
				if err != nil {
					return fmt.Errorf("insert sale item: %w", err)
				}

				if si.ProductID == nil {
					continue
				}
				p := products[*si.ProductID]
				if !p.IsConsignment || p.SupplierRef == nil {
					continue
				}

				_, err = tx.Exec(ctx,
					`INSERT INTO consignment_settlements (sale_id, product_id, supplier_ref, sale_price_cents, payout_cents)
					 VALUES ($1, $2, $3, $4, $5)`,
					saleID, *si.ProductID, *p.SupplierRef, si.UnitPriceCents*si.Quantity, si.UnitCostCents*si.Quantity,
				)
				if err != nil {
					return fmt.Errorf("insert consignment settlement: %w", err)
				}
			}

			if _, err := tx.Exec(ctx,
				`UPDATE part_exchanges SET disposition = 'pending' WHERE order_id = $1`,
				orderID,
			); err != nil {
				return fmt.Errorf("mark part exchanges pending: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE deposit_orders
				 SET status = $2, completed_at = $3, total_cents = $4, part_exchange_cents = $5, paid_cents = $6
				 WHERE id = $1`,
				orderID, string(model.OrderStatusCompleted), soldAt, totalCents, peCents, paidCents,
			); err != nil {
				return fmt.Errorf("complete order: %w", err)
			}

			sale = &model.Sale{
				ID:            saleID,
				SourceOrderID: orderID,
				SubtotalCents: subtotalCents,
				TaxCents:      taxCents,
				TotalCents:    subtotalCents + taxCents,
				SoldAt:        soldAt,
				Items:         saleItems,
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}

	return sale, advisories, nil
}

// TerminateOrder переводит активный заказ в конечный статус voided, cancelled
// или expired. Остатки не меняются: резерв — производная величина и исчезает
// вместе со сменой статуса. Возвращает сумму к возврату покупателю.
func (r *PostgresRepository) TerminateOrder(ctx context.Context, orderID int64, status model.OrderStatus, reason *string) (int64, error) {
	switch status {
	case model.OrderStatusVoided, model.OrderStatusCancelled, model.OrderStatusExpired:
	default:
		return 0, fmt.Errorf("terminate order: status %s is not terminal", status)
	}

	var refundCents int64

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			st, _, _, err := lockOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if st != model.OrderStatusActive {
				return fmt.Errorf("%w: order is %s", ErrInvalidState, st)
			}

			refundCents, err = paidTotal(ctx, tx, orderID)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx,
				`UPDATE deposit_orders SET status = $2, terminal_reason = $3, paid_cents = $4 WHERE id = $1`,
				orderID, string(status), reason, refundCents,
			)
			if err != nil {
				return fmt.Errorf("terminate order: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return refundCents, nil
}

// ExpireOverdue переводит в статус expired активные заказы, срок выдачи
// которых истёк раньше cutoff. Возвращает идентификаторы затронутых заказов.
func (r *PostgresRepository) ExpireOverdue(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64

	err := r.withRetry(ctx, func() error {
		ids = nil

		return r.inTx(ctx, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx,
				`UPDATE deposit_orders
				 SET status = $2
				 WHERE status = $1 AND expected_pickup IS NOT NULL AND expected_pickup < $3
				 RETURNING id`,
				string(model.OrderStatusActive), string(model.OrderStatusExpired), cutoff,
			)
			if err != nil {
				return fmt.Errorf("expire overdue orders: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					return fmt.Errorf("scan expired id: %w", err)
				}
				ids = append(ids, id)
			}

			if err := rows.Err(); err != nil {
				return fmt.Errorf("rows error: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// GetAvailability возвращает остаток по позиции каталога с учётом резервов
// активных заказов.
func (r *PostgresRepository) GetAvailability(ctx context.Context, productID int64) (*model.ProductAvailability, error) {
	p, err := getProduct(ctx, r.pool, productID)
	if err != nil {
		return nil, err
	}

	reserved, err := reservedQty(ctx, r.pool, productID, 0)
	if err != nil {
		return nil, err
	}

	pa := &model.ProductAvailability{Product: *p, ReservedQty: reserved, AvailableQty: p.OnHand - reserved}
	if !p.TrackStock {
		pa.AvailableQty = 0
		pa.ReservedQty = 0
	}
	return pa, nil
}

// ListProductAvailability возвращает каталог с остатками и резервами для
// экрана кассы.
func (r *PostgresRepository) ListProductAvailability(ctx context.Context) ([]model.ProductAvailability, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.name, p.price_cents, p.cost_cents, p.track_stock, p.quantity_on_hand,
		        p.is_consignment, p.consignment_supplier_ref, p.created_at,
		        COALESCE((SELECT SUM(i.quantity)
		                  FROM deposit_order_items i
		                  JOIN deposit_orders o ON o.id = i.order_id
		                  WHERE i.product_id = p.id AND o.status = $1), 0) AS reserved
		 FROM products p
		 ORDER BY p.name`,
		string(model.OrderStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.ProductAvailability
	for rows.Next() {
		var pa model.ProductAvailability
		if err := rows.Scan(&pa.ID, &pa.Name, &pa.PriceCents, &pa.CostCents, &pa.TrackStock, &pa.OnHand,
			&pa.IsConsignment, &pa.SupplierRef, &pa.CreatedAt, &pa.ReservedQty); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if pa.TrackStock {
			pa.AvailableQty = pa.OnHand - pa.ReservedQty
		}
		res = append(res, pa)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AdjustStock корректирует остаток позиции на delta (инвентаризация, приёмка,
// списание) и пишет запись аудита. Остаток не может стать отрицательным.
func (r *PostgresRepository) AdjustStock(ctx context.Context, productID, delta int64, reason string) error {
	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var onHand int64
			err := tx.QueryRow(ctx,
				`SELECT quantity_on_hand FROM products WHERE id = $1 FOR UPDATE`,
				productID,
			).Scan(&onHand)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
				}
				return fmt.Errorf("lock product: %w", err)
			}

			if onHand+delta < 0 {
				return fmt.Errorf("%w: on hand %d, delta %d", ErrStockBelowZero, onHand, delta)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE products SET quantity_on_hand = quantity_on_hand + $2 WHERE id = $1`,
				productID, delta,
			); err != nil {
				return fmt.Errorf("adjust stock: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO stock_adjustments (product_id, delta, reason) VALUES ($1, $2, $3)`,
				productID, delta, reason,
			); err != nil {
				return fmt.Errorf("insert stock adjustment: %w", err)
			}

			return nil
		})
	})
}

// GetSale возвращает продажу со строками.
func (r *PostgresRepository) GetSale(ctx context.Context, saleID int64) (*model.Sale, error) {
	var s model.Sale
	err := r.pool.QueryRow(ctx,
		`SELECT id, source_order_id, subtotal_cents, tax_cents, total_cents, sold_at FROM sales WHERE id = $1`,
		saleID,
	).Scan(&s.ID, &s.SourceOrderID, &s.SubtotalCents, &s.TaxCents, &s.TotalCents, &s.SoldAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrSaleNotFound, saleID)
		}
		return nil, fmt.Errorf("select sale: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, product_name, quantity, unit_price_cents, unit_cost_cents, tax_rate_bp, tax_cents
		 FROM sale_items WHERE sale_id = $1 ORDER BY id`,
		saleID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sale items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var si model.SaleItem
		if err := rows.Scan(&si.ID, &si.ProductID, &si.ProductName, &si.Quantity,
			&si.UnitPriceCents, &si.UnitCostCents, &si.TaxRateBP, &si.TaxCents); err != nil {
			return nil, fmt.Errorf("scan sale item: %w", err)
		}
		s.Items = append(s.Items, si)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &s, nil
}

// lockOrder блокирует строку заказа и возвращает статус и кэшированные суммы.
func lockOrder(ctx context.Context, tx pgx.Tx, orderID int64) (model.OrderStatus, int64, int64, error) {
	var st string
	var totalCents, peCents int64
	err := tx.QueryRow(ctx,
		`SELECT status, total_cents, part_exchange_cents FROM deposit_orders WHERE id = $1 FOR UPDATE`,
		orderID,
	).Scan(&st, &totalCents, &peCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, 0, fmt.Errorf("%w: id %d", ErrOrderNotFound, orderID)
		}
		return "", 0, 0, fmt.Errorf("lock order: %w", err)
	}
	return model.OrderStatus(st), totalCents, peCents, nil
}

// lockProducts блокирует строки каталога в порядке возрастания id, чтобы
// конкурентные транзакции не взяли их в перекрёстном порядке.
func lockProducts(ctx context.Context, tx pgx.Tx, ids []int64) (map[int64]*model.Product, error) {
	res := make(map[int64]*model.Product, len(ids))

	for _, id := range ids {
		var p model.Product
		err := tx.QueryRow(ctx,
			`SELECT id, name, price_cents, cost_cents, track_stock, quantity_on_hand,
			        is_consignment, consignment_supplier_ref, created_at
			 FROM products WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&p.ID, &p.Name, &p.PriceCents, &p.CostCents, &p.TrackStock, &p.OnHand,
			&p.IsConsignment, &p.SupplierRef, &p.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, id)
			}
			return nil, fmt.Errorf("lock product: %w", err)
		}
		res[id] = &p
	}

	return res, nil
}

// reservedQty возвращает суммарный резерв активных заказов по позиции.
// excludeOrderID исключает собственный резерв заказа при завершении.
func reservedQty(ctx context.Context, q pgxQuerier, productID, excludeOrderID int64) (int64, error) {
	var reserved int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(i.quantity), 0)
		 FROM deposit_order_items i
		 JOIN deposit_orders o ON o.id = i.order_id
		 WHERE i.product_id = $1 AND o.status = $2 AND o.id <> $3`,
		productID, string(model.OrderStatusActive), excludeOrderID,
	).Scan(&reserved)
	if err != nil {
		return 0, fmt.Errorf("sum reservations: %w", err)
	}
	return reserved, nil
}

// paidTotal возвращает сумму платежей по заказу.
func paidTotal(ctx context.Context, q pgxQuerier, orderID int64) (int64, error) {
	var paid int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM payments WHERE order_id = $1`,
		orderID,
	).Scan(&paid)
	if err != nil {
		return 0, fmt.Errorf("sum payments: %w", err)
	}
	return paid, nil
}

func getProduct(ctx context.Context, q pgxQuerier, productID int64) (*model.Product, error) {
	var p model.Product
	err := q.QueryRow(ctx,
		`SELECT id, name, price_cents, cost_cents, track_stock, quantity_on_hand,
		        is_consignment, consignment_supplier_ref, created_at
		 FROM products WHERE id = $1`,
		productID,
	).Scan(&p.ID, &p.Name, &p.PriceCents, &p.CostCents, &p.TrackStock, &p.OnHand,
		&p.IsConsignment, &p.SupplierRef, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	return &p, nil
}

func orderItems(ctx context.Context, q pgxQuerier, orderID int64) ([]model.OrderItem, error) {
	rows, err := q.Query(ctx,
		`SELECT id, product_id, product_name, quantity, unit_price_cents, unit_cost_cents, is_custom, category, description
		 FROM deposit_order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.ProductID, &it.ProductName, &it.Quantity,
			&it.UnitPriceCents, &it.UnitCostCents, &it.IsCustom, &it.Category, &it.Description); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// getOrder читает заказ со всеми дочерними записями. Платежи упорядочены по
// времени получения для отображения; финансовые расчёты зависят только от
// суммы.
func getOrder(ctx context.Context, q pgxQuerier, orderID int64) (*model.Order, error) {
	var o model.Order
	var st string
	err := q.QueryRow(ctx,
		`SELECT id, status, customer_ref, total_cents, part_exchange_cents, paid_cents,
		        expected_pickup, created_at, completed_at, terminal_reason
		 FROM deposit_orders WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &st, &o.CustomerRef, &o.TotalCents, &o.PartExchangeCents, &o.PaidCents,
		&o.ExpectedPickup, &o.CreatedAt, &o.CompletedAt, &o.TerminalReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	o.Status = model.OrderStatus(st)

	o.Items, err = orderItems(ctx, q, orderID)
	if err != nil {
		return nil, err
	}

	peRows, err := q.Query(ctx,
		`SELECT id, description, allowance_cents FROM part_exchanges WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select part exchanges: %w", err)
	}
	defer peRows.Close()

	for peRows.Next() {
		var pe model.PartExchange
		if err := peRows.Scan(&pe.ID, &pe.Description, &pe.AllowanceCents); err != nil {
			return nil, fmt.Errorf("scan part exchange: %w", err)
		}
		o.PartExchanges = append(o.PartExchanges, pe)
	}
	if err := peRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	payRows, err := q.Query(ctx,
		`SELECT id, order_id, amount_cents, method, received_at, received_by
		 FROM payments WHERE order_id = $1 ORDER BY received_at, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer payRows.Close()

	for payRows.Next() {
		var p model.Payment
		var method string
		if err := payRows.Scan(&p.ID, &p.OrderID, &p.AmountCents, &method, &p.ReceivedAt, &p.ReceivedBy); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Method = model.PaymentMethod(method)
		o.Payments = append(o.Payments, p)
	}
	if err := payRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

func draftProductIDs(items []model.ItemDraft) []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for _, it := range items {
		if it.ProductID != nil && !seen[*it.ProductID] {
			seen[*it.ProductID] = true
			ids = append(ids, *it.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func itemProductIDs(items []model.OrderItem) []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for _, it := range items {
		if it.ProductID != nil && !seen[*it.ProductID] {
			seen[*it.ProductID] = true
			ids = append(ids, *it.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedKeys(m map[int64]int64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
