package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ndolgushin/starsbuyer/internal/model"
)

type stubRepo struct {
	deposits []struct {
		externalID int64
		amount     int64
		rate       float64
	}
	depositErr error

	summary    *model.BalanceSummary
	summaryErr error

	gifts    []model.GiftType
	accounts []model.Account
	pending  int64
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) ApplyDeposit(ctx context.Context, externalID, amount int64, rate float64) error {
	if s.depositErr != nil {
		return s.depositErr
	}
	s.deposits = append(s.deposits, struct {
		externalID int64
		amount     int64
		rate       float64
	}{externalID, amount, rate})
	return nil
}

func (s *stubRepo) BalanceSummary(ctx context.Context, externalID int64) (*model.BalanceSummary, error) {
	return s.summary, s.summaryErr
}

func (s *stubRepo) ListGiftTypes(ctx context.Context) ([]model.GiftType, error) {
	return s.gifts, nil
}

func (s *stubRepo) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.accounts, nil
}

func (s *stubRepo) CountPendingPurchases(ctx context.Context) (int64, error) {
	return s.pending, nil
}

func TestApplyDeposit_PassesConfiguredRate(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, 0.10)

	if err := svc.ApplyDeposit(context.Background(), 42, 133); err != nil {
		t.Fatalf("ApplyDeposit error: %v", err)
	}
	if len(repo.deposits) != 1 {
		t.Fatalf("deposits = %d, want 1", len(repo.deposits))
	}
	if repo.deposits[0].rate != 0.10 || repo.deposits[0].amount != 133 {
		t.Fatalf("unexpected deposit: %+v", repo.deposits[0])
	}
}

func TestApplyDeposit_RejectsNonPositive(t *testing.T) {
	svc := NewService(&stubRepo{}, 0.10)

	for _, amount := range []int64{0, -5} {
		if err := svc.ApplyDeposit(context.Background(), 42, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestAdminSnapshot(t *testing.T) {
	proxy := "socks5://proxy:1080"
	repo := &stubRepo{
		gifts: []model.GiftType{
			{Code: "g1", Title: "Rare", PriceStars: 400, Remaining: 2},
			{Code: "g2", Title: "Common", PriceStars: 50, Remaining: 900},
		},
		accounts: []model.Account{
			{SessionName: "acc_one", WalletSpent: 150},
			{SessionName: "acc_two", Blacklisted: true, Proxy: &proxy},
		},
		pending: 3,
	}
	svc := NewService(repo, 0.10)

	snap, err := svc.AdminSnapshot(context.Background())
	if err != nil {
		t.Fatalf("AdminSnapshot error: %v", err)
	}
	if len(snap.Gifts) != 2 || snap.Gifts[0].Code != "g1" {
		t.Fatalf("unexpected gifts: %+v", snap.Gifts)
	}
	if len(snap.Accounts) != 2 {
		t.Fatalf("unexpected accounts: %+v", snap.Accounts)
	}
	if !snap.Accounts[1].Blacklisted || !snap.Accounts[1].HasProxy {
		t.Fatalf("unexpected second account: %+v", snap.Accounts[1])
	}
	if snap.PendingDeliveryCount != 3 {
		t.Fatalf("pending = %d, want 3", snap.PendingDeliveryCount)
	}
}
