// Package allocator реализует цикл закупки: сканирование рынка, ранжирование
// подарков, выбор финансирующего пользователя и расчёт покупки.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndolgushin/starsbuyer/internal/config"
	"github.com/ndolgushin/starsbuyer/internal/market"
	"github.com/ndolgushin/starsbuyer/internal/model"
	"github.com/ndolgushin/starsbuyer/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый аллокатором.
type Repository interface {
	UpsertGiftType(ctx context.Context, g model.CatalogGift) error
	GetGiftTypeByCode(ctx context.Context, code string) (*model.GiftType, error)
	ListUsersByContribution(ctx context.Context) ([]model.User, error)
	SettlePurchase(ctx context.Context, intent repository.PurchaseIntent) (*model.Purchase, error)
}

// AccountPool описывает контракт пула рабочих аккаунтов.
type AccountPool interface {
	Reconcile(ctx context.Context) error
	ListEligible(ctx context.Context) ([]model.Account, error)
	ListAll(ctx context.Context) ([]model.Account, error)
	Blacklist(ctx context.Context, acc *model.Account, reason string) error
}

// Connector выдаёт подключённые сессии рабочих аккаунтов.
type Connector interface {
	Connect(ctx context.Context, acc model.Account) (*market.Session, error)
}

// Marketplace описывает операции маркетплейса, используемые аллокатором.
type Marketplace interface {
	FetchCatalog(ctx context.Context, s *market.Session) ([]model.CatalogGift, error)
	BuyGift(ctx context.Context, s *market.Session, code string) (*market.PurchaseResult, error)
}

// Allocator распределяет дефицитные подарки по аккаунтам и балансам пользователей.
type Allocator struct {
	repo      Repository
	pool      AccountPool
	connector Connector
	market    Marketplace
	logger    *zap.Logger

	mode         string
	walletCap    int64
	scanInterval time.Duration
	batchSleep   time.Duration
}

// New создаёт аллокатор с параметрами из конфигурации.
func New(repo Repository, pool AccountPool, connector Connector, mkt Marketplace, cfg *config.Config, logger *zap.Logger) *Allocator {
	return &Allocator{
		repo:         repo,
		pool:         pool,
		connector:    connector,
		market:       mkt,
		logger:       logger,
		mode:         cfg.PurchaseMode,
		walletCap:    cfg.MaxStarsPerAccount,
		scanInterval: cfg.ScanInterval,
		batchSleep:   cfg.BatchPurchaseSleep,
	}
}

// Run запускает цикл закупки с фиксированным интервалом до отмены контекста.
// Ошибка цикла не завершает процесс: следующий тик начинает новый цикл.
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.scanInterval)
	defer ticker.Stop()

	for {
		if err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("purchase cycle aborted", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один цикл закупки: сверка пула, сканирование каталога,
// ранжирование и проход по аккаунтам.
func (a *Allocator) RunOnce(ctx context.Context) error {
	if err := a.pool.Reconcile(ctx); err != nil {
		a.logger.Warn("reconcile accounts", zap.Error(err))
	}

	eligible, err := a.pool.ListEligible(ctx)
	if err != nil {
		return fmt.Errorf("list eligible accounts: %w", err)
	}

	scanner, err := a.pickScanner(ctx, eligible)
	if err != nil {
		return err
	}
	if scanner == nil {
		a.logger.Info("no accounts in pool, skipping cycle")
		return nil
	}

	catalog, err := a.scan(ctx, *scanner)
	if err != nil {
		// Устаревший снимок не должен использоваться для покупок: цикл прерывается.
		if blErr := a.pool.Blacklist(ctx, scanner, "scanner_connect_error: "+err.Error()); blErr != nil {
			a.logger.Error("blacklist scanner", zap.Error(blErr))
		}
		return fmt.Errorf("scan market: %w", err)
	}

	for _, g := range catalog {
		if err := a.repo.UpsertGiftType(ctx, g); err != nil {
			a.logger.Warn("upsert gift type", zap.String("code", g.Code), zap.Error(err))
		}
	}

	ranked := a.rank(catalog)

	for _, acc := range eligible {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.processAccount(ctx, acc, ranked)

		if !sleepCtx(ctx, a.batchSleep) {
			return ctx.Err()
		}
	}

	return nil
}

// pickScanner выбирает аккаунт для сканирования: предпочтительно вне чёрного
// списка, иначе любой — сканирование обновляет каталог даже когда покупки невозможны.
func (a *Allocator) pickScanner(ctx context.Context, eligible []model.Account) (*model.Account, error) {
	if len(eligible) > 0 {
		acc := eligible[0]
		return &acc, nil
	}

	all, err := a.pool.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	acc := all[0]
	return &acc, nil
}

func (a *Allocator) scan(ctx context.Context, scanner model.Account) ([]model.CatalogGift, error) {
	sess, err := a.connector.Connect(ctx, scanner)
	if err != nil {
		return nil, err
	}
	return a.market.FetchCatalog(ctx, sess)
}

// rank упорядочивает каталог по политике закупки: в режиме limited — самые
// дефицитные и дорогие первыми, иначе — просто самые дорогие.
func (a *Allocator) rank(catalog []model.CatalogGift) []model.CatalogGift {
	ranked := make([]model.CatalogGift, len(catalog))
	copy(ranked, catalog)

	if a.mode == config.PurchaseModeLimited {
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].Remaining != ranked[j].Remaining {
				return ranked[i].Remaining < ranked[j].Remaining
			}
			return ranked[i].PriceStars > ranked[j].PriceStars
		})
	} else {
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].PriceStars > ranked[j].PriceStars
		})
	}

	return ranked
}

// processAccount выполняет проход по ранжированным подаркам для одного аккаунта.
// Остатки и балансы из ranked/users корректируются после каждого расчёта, чтобы
// последующие решения в том же цикле видели актуальное состояние.
func (a *Allocator) processAccount(ctx context.Context, acc model.Account, ranked []model.CatalogGift) {
	spent := acc.WalletSpent
	if spent >= a.walletCap {
		return
	}

	sess, err := a.connector.Connect(ctx, acc)
	if err != nil {
		if blErr := a.pool.Blacklist(ctx, &acc, "connect_error: "+err.Error()); blErr != nil {
			a.logger.Error("blacklist account", zap.Error(blErr))
		}
		return
	}

	users, err := a.repo.ListUsersByContribution(ctx)
	if err != nil {
		a.logger.Error("list users", zap.Error(err))
		return
	}

	for i := range ranked {
		g := &ranked[i]
		if g.Remaining <= 0 {
			continue
		}

		price := g.PriceStars
		if a.walletCap-spent < price {
			continue
		}

		userIdx := pickFundingUser(users, price)
		if userIdx < 0 {
			continue
		}

		res, err := a.market.BuyGift(ctx, sess, g.Code)
		if err != nil {
			// Сбой соединения, а не отказ сделки: аккаунт выбывает до конца цикла.
			if blErr := a.pool.Blacklist(ctx, &acc, "connect_error: "+err.Error()); blErr != nil {
				a.logger.Error("blacklist account", zap.Error(blErr))
			}
			return
		}
		if !res.OK {
			a.logger.Debug("purchase rejected",
				zap.String("account", acc.SessionName),
				zap.String("gift", g.Code),
				zap.String("reason", res.Reason),
			)
			continue
		}

		gt, err := a.repo.GetGiftTypeByCode(ctx, g.Code)
		if err != nil {
			a.logger.Error("load gift type", zap.String("code", g.Code), zap.Error(err))
			continue
		}

		intent := repository.PurchaseIntent{
			GiftTypeID:  gt.ID,
			AccountID:   acc.ID,
			OwnerUserID: users[userIdx].ID,
			PriceStars:  price,
			ExtRef:      uuid.NewString(),
			ExtPayload:  res.Payload,
		}

		// Расчёт выполняется синхронно: решение по следующему подарку
		// принимается уже на обновлённых кошельке и балансе.
		if _, err := a.repo.SettlePurchase(ctx, intent); err != nil {
			a.logger.Error("settle purchase",
				zap.String("account", acc.SessionName),
				zap.String("gift", g.Code),
				zap.Error(err),
			)
			continue
		}

		spent += price
		users[userIdx].Balance -= price
		g.Remaining--

		a.logger.Info("gift purchased",
			zap.String("account", acc.SessionName),
			zap.String("gift", g.Code),
			zap.Int64("price", price),
			zap.Int64("user", users[userIdx].ID),
		)
	}
}

// pickFundingUser возвращает индекс первого пользователя с достаточным балансом.
// Список отсортирован по убыванию вклада, при равенстве — по идентификатору.
func pickFundingUser(users []model.User, price int64) int {
	for i := range users {
		if users[i].Balance >= price {
			return i
		}
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
