package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/ndolgushin/starsbuyer/internal/middleware"
	"github.com/ndolgushin/starsbuyer/internal/model"
	"github.com/ndolgushin/starsbuyer/internal/repository"
	"github.com/ndolgushin/starsbuyer/internal/service"
)

type stubService struct {
	depositErr error
	deposits   []depositRequest

	summary    *model.BalanceSummary
	summaryErr error

	snapshot    *service.AdminSnapshot
	snapshotErr error
}

func (s *stubService) ApplyDeposit(ctx context.Context, externalID, amount int64) error {
	if s.depositErr != nil {
		return s.depositErr
	}
	s.deposits = append(s.deposits, depositRequest{UserID: externalID, Amount: amount})
	return nil
}

func (s *stubService) BalanceSummary(ctx context.Context, externalID int64) (*model.BalanceSummary, error) {
	return s.summary, s.summaryErr
}

func (s *stubService) AdminSnapshot(ctx context.Context) (*service.AdminSnapshot, error) {
	return s.snapshot, s.snapshotErr
}

func newTestRouter(t *testing.T, svc Service) http.Handler {
	t.Helper()

	logger := zap.NewNop()
	h := NewHandler(svc, logger, middleware.NewAdminAuth("test-token"))
	return h.SetupRouter()
}

func TestApplyDeposit_OK(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc)

	body, _ := json.Marshal(depositRequest{UserID: 42, Amount: 133})
	req := httptest.NewRequest(http.MethodPost, "/api/user/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(svc.deposits) != 1 || svc.deposits[0].Amount != 133 {
		t.Fatalf("unexpected deposits: %+v", svc.deposits)
	}
}

func TestApplyDeposit_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"broken json", `{"user_id": `},
		{"missing user", `{"amount": 100}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &stubService{})

			req := httptest.NewRequest(http.MethodPost, "/api/user/deposit", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestApplyDeposit_InvalidAmount(t *testing.T) {
	router := newTestRouter(t, &stubService{depositErr: service.ErrInvalidAmount})

	body, _ := json.Marshal(depositRequest{UserID: 42, Amount: -1})
	req := httptest.NewRequest(http.MethodPost, "/api/user/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetBalance_OK(t *testing.T) {
	svc := &stubService{summary: &model.BalanceSummary{
		Balance:               120,
		TotalContributed:      133,
		CommissionProvisional: 13,
		CommissionFinal:       5,
		RefundedCommission:    8,
	}}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/42/balance", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got model.BalanceSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Balance != 120 || got.RefundedCommission != 8 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestGetBalance_UnknownUser(t *testing.T) {
	router := newTestRouter(t, &stubService{summaryErr: repository.ErrUserNotFound})

	req := httptest.NewRequest(http.MethodGet, "/api/user/99/balance", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetBalance_BadUserID(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/abc/balance", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAdminSnapshot_RequiresToken(t *testing.T) {
	router := newTestRouter(t, &stubService{snapshot: &service.AdminSnapshot{}})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/snapshot", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAdminSnapshot_OK(t *testing.T) {
	svc := &stubService{snapshot: &service.AdminSnapshot{
		Gifts:                []service.GiftStatus{{Code: "g1", Title: "Rare", PriceStars: 400, Remaining: 2}},
		Accounts:             []service.AccountStatus{{Name: "acc", WalletSpent: 150}},
		PendingDeliveryCount: 1,
	}}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/snapshot", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got service.AdminSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Gifts) != 1 || got.PendingDeliveryCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}
