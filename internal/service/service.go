// Package service реализует операции, доступные внешнему фронтенду.
package service

import (
	"context"
	"errors"

	"github.com/ndolgushin/starsbuyer/internal/model"
)

// ErrInvalidAmount возвращается при попытке пополнения на неположительную сумму.
var ErrInvalidAmount = errors.New("deposit amount must be positive")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	ApplyDeposit(ctx context.Context, externalID, amount int64, rate float64) error
	BalanceSummary(ctx context.Context, externalID int64) (*model.BalanceSummary, error)
	ListGiftTypes(ctx context.Context) ([]model.GiftType, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	CountPendingPurchases(ctx context.Context) (int64, error)
}

// Service содержит операции пополнения, сводки баланса и административного снимка.
type Service struct {
	repo Repository
	rate float64
}

// NewService создаёт сервис с указанной ставкой комиссии.
func NewService(repo Repository, rate float64) *Service {
	return &Service{
		repo: repo,
		rate: rate,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ApplyDeposit применяет пополнение: создаёт пользователя при первом обращении,
// фиксирует депозит и зачисляет сумму за вычетом предварительной комиссии.
func (s *Service) ApplyDeposit(ctx context.Context, externalID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.repo.ApplyDeposit(ctx, externalID, amount, s.rate)
}

// BalanceSummary возвращает сводку по балансу и комиссиям пользователя.
func (s *Service) BalanceSummary(ctx context.Context, externalID int64) (*model.BalanceSummary, error) {
	return s.repo.BalanceSummary(ctx, externalID)
}

// GiftStatus описывает позицию каталога в административном снимке.
type GiftStatus struct {
	Code       string `json:"code"`
	Title      string `json:"title"`
	PriceStars int64  `json:"price_stars"`
	Remaining  int64  `json:"remaining"`
}

// AccountStatus описывает состояние рабочего аккаунта в административном снимке.
type AccountStatus struct {
	Name        string  `json:"name"`
	Blacklisted bool    `json:"blacklisted"`
	WalletSpent int64   `json:"wallet_spent"`
	HasProxy    bool    `json:"has_proxy"`
	LastError   *string `json:"last_error,omitempty"`
}

// AdminSnapshot содержит административный снимок состояния системы.
type AdminSnapshot struct {
	Gifts                []GiftStatus    `json:"gifts"`
	Accounts             []AccountStatus `json:"accounts"`
	PendingDeliveryCount int64           `json:"pending_delivery_count"`
}

// AdminSnapshot собирает снимок: каталог в порядке дефицитности,
// состояние аккаунтов и количество недоставленных покупок.
func (s *Service) AdminSnapshot(ctx context.Context) (*AdminSnapshot, error) {
	gifts, err := s.repo.ListGiftTypes(ctx)
	if err != nil {
		return nil, err
	}

	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := s.repo.CountPendingPurchases(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &AdminSnapshot{
		Gifts:                make([]GiftStatus, 0, len(gifts)),
		Accounts:             make([]AccountStatus, 0, len(accounts)),
		PendingDeliveryCount: pending,
	}

	for _, g := range gifts {
		snapshot.Gifts = append(snapshot.Gifts, GiftStatus{
			Code:       g.Code,
			Title:      g.Title,
			PriceStars: g.PriceStars,
			Remaining:  g.Remaining,
		})
	}

	for _, a := range accounts {
		snapshot.Accounts = append(snapshot.Accounts, AccountStatus{
			Name:        a.SessionName,
			Blacklisted: a.Blacklisted,
			WalletSpent: a.WalletSpent,
			HasProxy:    a.Proxy != nil,
			LastError:   a.LastError,
		})
	}

	return snapshot, nil
}
