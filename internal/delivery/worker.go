// Package delivery реализует фоновую доставку рассчитанных покупок получателям.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ndolgushin/starsbuyer/internal/market"
	"github.com/ndolgushin/starsbuyer/internal/model"
	"github.com/ndolgushin/starsbuyer/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый доставкой.
type Repository interface {
	ListPendingPurchases(ctx context.Context) ([]model.Purchase, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	MarkPurchaseDelivered(ctx context.Context, id int64) error
}

// Connector выдаёт подключённые сессии рабочих аккаунтов.
type Connector interface {
	Connect(ctx context.Context, acc model.Account) (*market.Session, error)
}

// Transferer описывает операцию передачи подарка получателю.
type Transferer interface {
	TransferGift(ctx context.Context, s *market.Session, recipientID, stickerID int64) (*market.TransferResult, error)
}

// Worker доставляет оплаченные подарки их владельцам.
// Повторные попытки обеспечиваются самим циклом опроса: неудачная доставка
// просто остаётся в статусе purchased до следующего прохода.
type Worker struct {
	repo      Repository
	connector Connector
	market    Transferer
	logger    *zap.Logger
	interval  time.Duration
}

// New создаёт воркер доставки с указанным интервалом опроса.
func New(repo Repository, connector Connector, mkt Transferer, interval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		repo:      repo,
		connector: connector,
		market:    mkt,
		logger:    logger,
		interval:  interval,
	}
}

// Run запускает цикл доставки до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

type deliveryPayload struct {
	StickerID *int64 `json:"sticker_id"`
}

// ProcessBatch обрабатывает все покупки, ожидающие доставки.
// Битые метаданные пропускаются навсегда; отсутствующие пользователь или
// аккаунт — до появления данных.
func (w *Worker) ProcessBatch(ctx context.Context) {
	pending, err := w.repo.ListPendingPurchases(ctx)
	if err != nil {
		w.logger.Error("list pending purchases", zap.Error(err))
		return
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		w.deliver(ctx, p)
	}
}

func (w *Worker) deliver(ctx context.Context, p model.Purchase) {
	user, err := w.repo.GetUserByID(ctx, p.OwnerUserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			w.logger.Warn("purchase without owner", zap.Int64("purchase", p.ID), zap.Int64("user", p.OwnerUserID))
			return
		}
		w.logger.Error("load owner", zap.Int64("purchase", p.ID), zap.Error(err))
		return
	}

	acc, err := w.repo.GetAccountByID(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			w.logger.Warn("purchase without account", zap.Int64("purchase", p.ID), zap.Int64("account", p.AccountID))
			return
		}
		w.logger.Error("load account", zap.Int64("purchase", p.ID), zap.Error(err))
		return
	}

	stickerID, ok := extractStickerID(p.ExtPayload)
	if !ok {
		// Метаданные не станут валидными сами по себе, ретраить нечего.
		w.logger.Warn("malformed delivery payload", zap.Int64("purchase", p.ID))
		return
	}

	sess, err := w.connector.Connect(ctx, *acc)
	if err != nil {
		w.logger.Warn("connect for delivery", zap.Int64("purchase", p.ID), zap.Error(err))
		return
	}

	res, err := w.market.TransferGift(ctx, sess, user.ExternalID, stickerID)
	if err != nil {
		w.logger.Warn("transfer gift", zap.Int64("purchase", p.ID), zap.Error(err))
		return
	}
	if !res.OK {
		w.logger.Warn("transfer rejected", zap.Int64("purchase", p.ID), zap.String("reason", res.Reason))
		return
	}

	if err := w.repo.MarkPurchaseDelivered(ctx, p.ID); err != nil {
		w.logger.Error("mark delivered", zap.Int64("purchase", p.ID), zap.Error(err))
		return
	}

	w.logger.Info("gift delivered", zap.Int64("purchase", p.ID), zap.Int64("user", user.ExternalID))
}

func extractStickerID(payload []byte) (int64, bool) {
	if len(payload) == 0 {
		return 0, false
	}

	var dp deliveryPayload
	if err := json.Unmarshal(payload, &dp); err != nil || dp.StickerID == nil {
		return 0, false
	}

	return *dp.StickerID, true
}
