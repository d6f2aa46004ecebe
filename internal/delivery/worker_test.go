package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ndolgushin/starsbuyer/internal/market"
	"github.com/ndolgushin/starsbuyer/internal/model"
	"github.com/ndolgushin/starsbuyer/internal/repository"
)

type stubRepo struct {
	pending  []model.Purchase
	users    map[int64]*model.User
	accounts map[int64]*model.Account

	delivered []int64
}

func (s *stubRepo) ListPendingPurchases(ctx context.Context) ([]model.Purchase, error) {
	return s.pending, nil
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (s *stubRepo) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	acc, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return acc, nil
}

func (s *stubRepo) MarkPurchaseDelivered(ctx context.Context, id int64) error {
	s.delivered = append(s.delivered, id)
	return nil
}

type stubConnector struct {
	err error
}

func (s *stubConnector) Connect(ctx context.Context, acc model.Account) (*market.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &market.Session{Name: acc.SessionName}, nil
}

type stubTransferer struct {
	rejected  bool
	err       error
	transfers []int64
}

func (s *stubTransferer) TransferGift(ctx context.Context, sess *market.Session, recipientID, stickerID int64) (*market.TransferResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.rejected {
		return &market.TransferResult{OK: false, Reason: "rejected"}, nil
	}
	s.transfers = append(s.transfers, stickerID)
	return &market.TransferResult{OK: true}, nil
}

func pendingPurchase(id int64, payload string) model.Purchase {
	return model.Purchase{
		ID:          id,
		GiftTypeID:  1,
		AccountID:   1,
		OwnerUserID: 1,
		Status:      model.PurchaseStatusPurchased,
		ExtPayload:  []byte(payload),
	}
}

func newTestWorker(repo *stubRepo, conn *stubConnector, tr *stubTransferer) *Worker {
	return New(repo, conn, tr, time.Second, zap.NewNop())
}

func TestProcessBatch_DeliversAndMarks(t *testing.T) {
	repo := &stubRepo{
		pending:  []model.Purchase{pendingPurchase(1, `{"sticker_id": 777}`)},
		users:    map[int64]*model.User{1: {ID: 1, ExternalID: 42}},
		accounts: map[int64]*model.Account{1: {ID: 1, SessionName: "acc"}},
	}
	tr := &stubTransferer{}

	newTestWorker(repo, &stubConnector{}, tr).ProcessBatch(context.Background())

	if len(tr.transfers) != 1 || tr.transfers[0] != 777 {
		t.Fatalf("transfers = %v, want [777]", tr.transfers)
	}
	if len(repo.delivered) != 1 || repo.delivered[0] != 1 {
		t.Fatalf("delivered = %v, want [1]", repo.delivered)
	}
}

func TestProcessBatch_SkipsMissingUser(t *testing.T) {
	repo := &stubRepo{
		pending:  []model.Purchase{pendingPurchase(1, `{"sticker_id": 777}`)},
		users:    map[int64]*model.User{},
		accounts: map[int64]*model.Account{1: {ID: 1}},
	}
	tr := &stubTransferer{}

	newTestWorker(repo, &stubConnector{}, tr).ProcessBatch(context.Background())

	if len(tr.transfers) != 0 || len(repo.delivered) != 0 {
		t.Fatalf("purchase with missing user must be skipped")
	}
}

func TestProcessBatch_SkipsMalformedPayload(t *testing.T) {
	repo := &stubRepo{
		pending: []model.Purchase{
			pendingPurchase(1, ``),
			pendingPurchase(2, `not json`),
			pendingPurchase(3, `{"other": 1}`),
		},
		users:    map[int64]*model.User{1: {ID: 1, ExternalID: 42}},
		accounts: map[int64]*model.Account{1: {ID: 1}},
	}
	tr := &stubTransferer{}

	newTestWorker(repo, &stubConnector{}, tr).ProcessBatch(context.Background())

	if len(tr.transfers) != 0 || len(repo.delivered) != 0 {
		t.Fatalf("malformed payloads must never be delivered")
	}
}

func TestProcessBatch_ConnectFailureLeavesPending(t *testing.T) {
	repo := &stubRepo{
		pending:  []model.Purchase{pendingPurchase(1, `{"sticker_id": 777}`)},
		users:    map[int64]*model.User{1: {ID: 1, ExternalID: 42}},
		accounts: map[int64]*model.Account{1: {ID: 1}},
	}
	tr := &stubTransferer{}

	newTestWorker(repo, &stubConnector{err: errors.New("dial timeout")}, tr).ProcessBatch(context.Background())

	if len(repo.delivered) != 0 {
		t.Fatalf("failed delivery must stay pending")
	}
}

func TestProcessBatch_RejectedTransferLeavesPending(t *testing.T) {
	repo := &stubRepo{
		pending:  []model.Purchase{pendingPurchase(1, `{"sticker_id": 777}`)},
		users:    map[int64]*model.User{1: {ID: 1, ExternalID: 42}},
		accounts: map[int64]*model.Account{1: {ID: 1}},
	}
	tr := &stubTransferer{rejected: true}

	newTestWorker(repo, &stubConnector{}, tr).ProcessBatch(context.Background())

	if len(repo.delivered) != 0 {
		t.Fatalf("rejected transfer must stay pending")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := &stubRepo{}
	w := New(repo, &stubConnector{}, &stubTransferer{}, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
