// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/ndolgushin/starsbuyer/internal/ledger"
	"github.com/ndolgushin/starsbuyer/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountNotFound возвращается, если рабочий аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrGiftTypeNotFound возвращается, если тип подарка не найден.
	ErrGiftTypeNotFound = errors.New("gift type not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс пользователя.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PurchaseIntent описывает решение аллокатора, подлежащее расчёту.
type PurchaseIntent struct {
	GiftTypeID  int64
	AccountID   int64
	OwnerUserID int64
	PriceStars  int64
	ExtRef      string
	ExtPayload  []byte
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
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

// withRetry повторяет транзакцию при сбоях сериализации и дедлоках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetOrCreateAccount возвращает аккаунт по имени сессии, создавая запись при необходимости.
// При гонке создания уникальный конфликт разрешается повторным чтением.
func (r *PostgresRepository) GetOrCreateAccount(ctx context.Context, sessionName string) (*model.Account, error) {
	acc, err := r.getAccountBySessionName(ctx, sessionName)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (session_name) VALUES ($1)
		 RETURNING id, session_name, proxy, last_error, blacklisted, wallet_spent, created_at`,
		sessionName,
	)

	acc = &model.Account{}
	err = row.Scan(&acc.ID, &acc.SessionName, &acc.Proxy, &acc.LastError, &acc.Blacklisted, &acc.WalletSpent, &acc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return r.getAccountBySessionName(ctx, sessionName)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	return acc, nil
}

func (r *PostgresRepository) getAccountBySessionName(ctx context.Context, sessionName string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, session_name, proxy, last_error, blacklisted, wallet_spent, created_at
		 FROM accounts WHERE session_name = $1`,
		sessionName,
	)

	acc := &model.Account{}
	err := row.Scan(&acc.ID, &acc.SessionName, &acc.Proxy, &acc.LastError, &acc.Blacklisted, &acc.WalletSpent, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return acc, nil
}

// GetAccountByID возвращает аккаунт по идентификатору.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, session_name, proxy, last_error, blacklisted, wallet_spent, created_at
		 FROM accounts WHERE id = $1`,
		id,
	)

	acc := &model.Account{}
	err := row.Scan(&acc.ID, &acc.SessionName, &acc.Proxy, &acc.LastError, &acc.Blacklisted, &acc.WalletSpent, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return acc, nil
}

// ListAccounts возвращает все рабочие аккаунты.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return r.listAccounts(ctx,
		`SELECT id, session_name, proxy, last_error, blacklisted, wallet_spent, created_at
		 FROM accounts ORDER BY id`)
}

// ListEligibleAccounts возвращает аккаунты, доступные для покупок:
// без чёрного списка, от наименее загруженного кошелька к наиболее загруженному.
func (r *PostgresRepository) ListEligibleAccounts(ctx context.Context) ([]model.Account, error) {
	return r.listAccounts(ctx,
		`SELECT id, session_name, proxy, last_error, blacklisted, wallet_spent, created_at
		 FROM accounts WHERE NOT blacklisted ORDER BY wallet_spent, id`)
}

func (r *PostgresRepository) listAccounts(ctx context.Context, query string) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	var res []model.Account
	for rows.Next() {
		var acc model.Account
		if err := rows.Scan(&acc.ID, &acc.SessionName, &acc.Proxy, &acc.LastError, &acc.Blacklisted, &acc.WalletSpent, &acc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// BlacklistAccount помечает аккаунт как исключённый из работы. Операция идемпотентна.
func (r *PostgresRepository) BlacklistAccount(ctx context.Context, id int64, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET blacklisted = TRUE, last_error = $2 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("blacklist account: %w", err)
	}
	return nil
}

// SetAccountProxy задаёт прокси аккаунта, если он ещё не задан.
func (r *PostgresRepository) SetAccountProxy(ctx context.Context, id int64, proxy string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET proxy = $2 WHERE id = $1 AND proxy IS NULL`,
		id, proxy,
	)
	if err != nil {
		return fmt.Errorf("set account proxy: %w", err)
	}
	return nil
}

// UpsertGiftType создаёт или обновляет тип подарка по данным очередного сканирования.
func (r *PostgresRepository) UpsertGiftType(ctx context.Context, g model.CatalogGift) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO gift_types (code, title, price_stars, remaining, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (code) DO UPDATE
		 SET title = EXCLUDED.title,
		     price_stars = EXCLUDED.price_stars,
		     remaining = EXCLUDED.remaining,
		     updated_at = now()`,
		g.Code, g.Title, g.PriceStars, g.Remaining,
	)
	if err != nil {
		return fmt.Errorf("upsert gift type: %w", err)
	}
	return nil
}

// GetGiftTypeByCode возвращает тип подарка по коду каталога.
func (r *PostgresRepository) GetGiftTypeByCode(ctx context.Context, code string) (*model.GiftType, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, title, price_stars, remaining, updated_at FROM gift_types WHERE code = $1`,
		code,
	)

	g := &model.GiftType{}
	err := row.Scan(&g.ID, &g.Code, &g.Title, &g.PriceStars, &g.Remaining, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGiftTypeNotFound
		}
		return nil, fmt.Errorf("get gift type: %w", err)
	}

	return g, nil
}

// ListGiftTypes возвращает типы подарков в порядке дефицитности (наименьший остаток первым).
func (r *PostgresRepository) ListGiftTypes(ctx context.Context) ([]model.GiftType, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, title, price_stars, remaining, updated_at
		 FROM gift_types ORDER BY remaining, price_stars DESC`)
	if err != nil {
		return nil, fmt.Errorf("select gift types: %w", err)
	}
	defer rows.Close()

	var res []model.GiftType
	for rows.Next() {
		var g model.GiftType
		if err := rows.Scan(&g.ID, &g.Code, &g.Title, &g.PriceStars, &g.Remaining, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan gift type: %w", err)
		}
		res = append(res, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetUserByExternalID возвращает пользователя по внешнему идентификатору.
func (r *PostgresRepository) GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, external_id, balance, total_contributed, created_at FROM users WHERE external_id = $1`,
		externalID,
	)

	u := &model.User{}
	err := row.Scan(&u.ID, &u.ExternalID, &u.Balance, &u.TotalContributed, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

// GetUserByID возвращает пользователя по внутреннему идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, external_id, balance, total_contributed, created_at FROM users WHERE id = $1`,
		id,
	)

	u := &model.User{}
	err := row.Scan(&u.ID, &u.ExternalID, &u.Balance, &u.TotalContributed, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

// ListUsersByContribution возвращает пользователей в порядке убывания общего вклада,
// при равенстве — по возрастанию идентификатора.
func (r *PostgresRepository) ListUsersByContribution(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, external_id, balance, total_contributed, created_at
		 FROM users ORDER BY total_contributed DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.Balance, &u.TotalContributed, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApplyDeposit создаёт пользователя при необходимости, записывает депозит и
// зачисляет сумму за вычетом предварительной комиссии. Выполняется одной транзакцией:
// либо применяются все изменения, либо ни одно из них.
func (r *PostgresRepository) ApplyDeposit(ctx context.Context, externalID, amount int64, rate float64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Создание через upsert устраняет гонку параллельных первых депозитов.
		var userID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO users (external_id) VALUES ($1)
			 ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
			 RETURNING id`,
			externalID,
		).Scan(&userID)
		if err != nil {
			return fmt.Errorf("get or create user: %w", err)
		}

		provisional := ledger.ProvisionalCommission(amount, rate)

		_, err = tx.Exec(ctx,
			`INSERT INTO deposits (user_id, amount_gross, commission_rate, commission_provisional)
			 VALUES ($1, $2, $3, $4)`,
			userID, amount, rate, provisional,
		)
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE users
			 SET balance = balance + $2, total_contributed = total_contributed + $3
			 WHERE id = $1`,
			userID, amount-provisional, amount,
		)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// SettlePurchase применяет финансовые последствия успешной покупки одной транзакцией:
// запись покупки, декремент остатка подарка, инкремент кошелька аккаунта,
// списание с баланса пользователя и FIFO-реализация его депозитов.
func (r *PostgresRepository) SettlePurchase(ctx context.Context, intent PurchaseIntent) (*model.Purchase, error) {
	var purchase *model.Purchase

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокируем строку пользователя: FIFO-реализация по одному пользователю не параллелится.
		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT balance FROM users WHERE id = $1 FOR UPDATE`,
			intent.OwnerUserID,
		).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		if balance < intent.PriceStars {
			return ErrInsufficientBalance
		}

		p := &model.Purchase{
			GiftTypeID:  intent.GiftTypeID,
			AccountID:   intent.AccountID,
			PriceStars:  intent.PriceStars,
			OwnerUserID: intent.OwnerUserID,
			Status:      model.PurchaseStatusPurchased,
			ExtPayload:  intent.ExtPayload,
			ExtRef:      intent.ExtRef,
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO purchases (gift_type_id, account_id, price_stars, owner_user_id, status, ext_payload, ext_ref)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at`,
			p.GiftTypeID, p.AccountID, p.PriceStars, p.OwnerUserID, string(p.Status), p.ExtPayload, p.ExtRef,
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE gift_types SET remaining = GREATEST(remaining - 1, 0) WHERE id = $1`,
			intent.GiftTypeID,
		)
		if err != nil {
			return fmt.Errorf("decrement remaining: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET wallet_spent = wallet_spent + $2 WHERE id = $1`,
			intent.AccountID, intent.PriceStars,
		)
		if err != nil {
			return fmt.Errorf("increment wallet: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET balance = balance - $2 WHERE id = $1`,
			intent.OwnerUserID, intent.PriceStars,
		)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		deposits, err := lockDepositsFIFO(ctx, tx, intent.OwnerUserID)
		if err != nil {
			return err
		}

		for _, app := range ledger.Realize(deposits, intent.PriceStars) {
			_, err = tx.Exec(ctx,
				`UPDATE deposits
				 SET realized_spend = $2, commission_final = $3, refunded_commission = $4
				 WHERE id = $1`,
				app.DepositID, app.RealizedSpend, app.CommissionFinal, app.RefundedCommission,
			)
			if err != nil {
				return fmt.Errorf("apply realization: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		purchase = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return purchase, nil
}

func lockDepositsFIFO(ctx context.Context, tx pgx.Tx, userID int64) ([]model.Deposit, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, user_id, amount_gross, commission_rate, commission_provisional,
		        realized_spend, commission_final, refunded_commission, created_at
		 FROM deposits WHERE user_id = $1 ORDER BY id FOR UPDATE`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("lock deposits: %w", err)
	}
	defer rows.Close()

	var res []model.Deposit
	for rows.Next() {
		var d model.Deposit
		if err := rows.Scan(&d.ID, &d.UserID, &d.AmountGross, &d.CommissionRate, &d.CommissionProvisional,
			&d.RealizedSpend, &d.CommissionFinal, &d.RefundedCommission, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// BalanceSummary возвращает сводку по балансу и комиссиям пользователя.
func (r *PostgresRepository) BalanceSummary(ctx context.Context, externalID int64) (*model.BalanceSummary, error) {
	u, err := r.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	var provisional, final, refunded int64
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(commission_provisional), 0),
		        COALESCE(SUM(commission_final), 0),
		        COALESCE(SUM(refunded_commission), 0)
		 FROM deposits WHERE user_id = $1`,
		u.ID,
	).Scan(&provisional, &final, &refunded)
	if err != nil {
		return nil, fmt.Errorf("sum commissions: %w", err)
	}

	return &model.BalanceSummary{
		Balance:               u.Balance,
		TotalContributed:      u.TotalContributed,
		CommissionProvisional: provisional,
		CommissionFinal:       final,
		RefundedCommission:    refunded,
	}, nil
}

// ListPendingPurchases возвращает покупки, ожидающие доставки.
func (r *PostgresRepository) ListPendingPurchases(ctx context.Context) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, gift_type_id, account_id, price_stars, owner_user_id, status, ext_payload, ext_ref, created_at
		 FROM purchases WHERE status = $1 ORDER BY id`,
		string(model.PurchaseStatusPurchased),
	)
	if err != nil {
		return nil, fmt.Errorf("select pending purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var p model.Purchase
		var status string
		if err := rows.Scan(&p.ID, &p.GiftTypeID, &p.AccountID, &p.PriceStars, &p.OwnerUserID,
			&status, &p.ExtPayload, &p.ExtRef, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Status = model.PurchaseStatus(status)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkPurchaseDelivered переводит покупку в терминальный статус delivered.
func (r *PostgresRepository) MarkPurchaseDelivered(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE purchases SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(model.PurchaseStatusDelivered), string(model.PurchaseStatusPurchased),
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// CountPendingPurchases возвращает количество покупок, ожидающих доставки.
func (r *PostgresRepository) CountPendingPurchases(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchases WHERE status = $1`,
		string(model.PurchaseStatusPurchased),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending purchases: %w", err)
	}
	return n, nil
}
