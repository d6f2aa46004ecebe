// Package pool управляет пулом рабочих аккаунтов.
package pool

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ndolgushin/starsbuyer/internal/model"
	"github.com/ndolgushin/starsbuyer/internal/session"
)

// Repository описывает контракт доступа к данным, используемый пулом.
type Repository interface {
	GetOrCreateAccount(ctx context.Context, sessionName string) (*model.Account, error)
	SetAccountProxy(ctx context.Context, id int64, proxy string) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListEligibleAccounts(ctx context.Context) ([]model.Account, error)
	BlacklistAccount(ctx context.Context, id int64, reason string) error
}

// Credentials описывает источник учётных данных рабочих аккаунтов.
type Credentials interface {
	ListKnown() ([]session.KnownAccount, error)
	Drop(name string)
}

// Pool отслеживает рабочие аккаунты: сверку с учётными данными,
// порядок выдачи и чёрный список.
type Pool struct {
	repo   Repository
	creds  Credentials
	logger *zap.Logger
}

// New создаёт пул аккаунтов.
func New(repo Repository, creds Credentials, logger *zap.Logger) *Pool {
	return &Pool{
		repo:   repo,
		creds:  creds,
		logger: logger,
	}
}

// Reconcile сверяет пул с обнаруженными учётными данными: создаёт недостающие
// записи и заполняет прокси. Записи никогда не удаляются.
func (p *Pool) Reconcile(ctx context.Context) error {
	known, err := p.creds.ListKnown()
	if err != nil {
		return fmt.Errorf("list known accounts: %w", err)
	}

	for _, k := range known {
		acc, err := p.repo.GetOrCreateAccount(ctx, k.Name)
		if err != nil {
			return fmt.Errorf("reconcile account %s: %w", k.Name, err)
		}

		if acc.Proxy == nil && k.Proxy != "" {
			if err := p.repo.SetAccountProxy(ctx, acc.ID, k.Proxy); err != nil {
				p.logger.Warn("set account proxy", zap.String("account", k.Name), zap.Error(err))
			}
		}
	}

	return nil
}

// ListEligible возвращает аккаунты, доступные для покупок,
// от наименее загруженного к наиболее загруженному.
func (p *Pool) ListEligible(ctx context.Context) ([]model.Account, error) {
	return p.repo.ListEligibleAccounts(ctx)
}

// ListAll возвращает все аккаунты, включая исключённые.
func (p *Pool) ListAll(ctx context.Context) ([]model.Account, error) {
	return p.repo.ListAccounts(ctx)
}

// Blacklist исключает аккаунт из дальнейшей работы и сбрасывает его сессию.
// Операция идемпотентна.
func (p *Pool) Blacklist(ctx context.Context, acc *model.Account, reason string) error {
	if err := p.repo.BlacklistAccount(ctx, acc.ID, reason); err != nil {
		return fmt.Errorf("blacklist %s: %w", acc.SessionName, err)
	}

	p.creds.Drop(acc.SessionName)

	p.logger.Warn("account blacklisted",
		zap.String("account", acc.SessionName),
		zap.String("reason", reason),
	)

	return nil
}
