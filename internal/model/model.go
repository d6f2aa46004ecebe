// Package model содержит доменные сущности сервиса автозакупки подарков.
package model

import "time"

// Account представляет рабочий аккаунт, через который выполняются покупки.
type Account struct {
	ID          int64
	SessionName string
	Proxy       *string
	LastError   *string
	Blacklisted bool
	WalletSpent int64
	CreatedAt   time.Time
}

// GiftType описывает тип подарка из каталога маркетплейса.
// Remaining ведётся локально и пересинхронизируется при каждом сканировании.
type GiftType struct {
	ID         int64
	Code       string
	Title      string
	PriceStars int64
	Remaining  int64
	UpdatedAt  time.Time
}

// User представляет пользователя, пополняющего баланс для закупок.
type User struct {
	ID               int64
	ExternalID       int64
	Balance          int64
	TotalContributed int64
	CreatedAt        time.Time
}

// Deposit описывает факт пополнения баланса пользователя.
// Ставка комиссии фиксируется на момент создания; по мере реализации средств
// пересчитывается только commission_final и refunded_commission.
type Deposit struct {
	ID                    int64
	UserID                int64
	AmountGross           int64
	CommissionRate        float64
	CommissionProvisional int64
	RealizedSpend         int64
	CommissionFinal       int64
	RefundedCommission    int64
	CreatedAt             time.Time
}

// PurchaseStatus описывает статус покупки.
type PurchaseStatus string

const (
	PurchaseStatusPurchased PurchaseStatus = "purchased"
	PurchaseStatusDelivered PurchaseStatus = "delivered"
)

// Purchase описывает совершённую покупку подарка.
type Purchase struct {
	ID          int64
	GiftTypeID  int64
	AccountID   int64
	PriceStars  int64
	OwnerUserID int64
	Status      PurchaseStatus
	ExtPayload  []byte
	ExtRef      string
	CreatedAt   time.Time
}

// CatalogGift описывает позицию каталога, полученную при сканировании рынка.
type CatalogGift struct {
	Code       string
	Title      string
	PriceStars int64
	Remaining  int64
}

// BalanceSummary содержит сводку по балансу и комиссиям пользователя.
type BalanceSummary struct {
	Balance               int64 `json:"balance"`
	TotalContributed      int64 `json:"total_contributed"`
	CommissionProvisional int64 `json:"commission_provisional"`
	CommissionFinal       int64 `json:"commission_final"`
	RefundedCommission    int64 `json:"refunded_commission"`
}
