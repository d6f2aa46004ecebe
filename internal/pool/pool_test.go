package pool

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/ndolgushin/starsbuyer/internal/model"
	"github.com/ndolgushin/starsbuyer/internal/session"
)

type stubRepo struct {
	accounts map[string]*model.Account
	nextID   int64

	proxies     map[int64]string
	blacklisted map[int64]string
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		accounts:    make(map[string]*model.Account),
		proxies:     make(map[int64]string),
		blacklisted: make(map[int64]string),
	}
}

func (s *stubRepo) GetOrCreateAccount(ctx context.Context, sessionName string) (*model.Account, error) {
	if acc, ok := s.accounts[sessionName]; ok {
		return acc, nil
	}
	s.nextID++
	acc := &model.Account{ID: s.nextID, SessionName: sessionName}
	s.accounts[sessionName] = acc
	return acc, nil
}

func (s *stubRepo) SetAccountProxy(ctx context.Context, id int64, proxy string) error {
	s.proxies[id] = proxy
	return nil
}

func (s *stubRepo) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var res []model.Account
	for _, acc := range s.accounts {
		res = append(res, *acc)
	}
	return res, nil
}

func (s *stubRepo) ListEligibleAccounts(ctx context.Context) ([]model.Account, error) {
	var res []model.Account
	for _, acc := range s.accounts {
		if _, ok := s.blacklisted[acc.ID]; !ok {
			res = append(res, *acc)
		}
	}
	return res, nil
}

func (s *stubRepo) BlacklistAccount(ctx context.Context, id int64, reason string) error {
	s.blacklisted[id] = reason
	return nil
}

type stubCreds struct {
	known   []session.KnownAccount
	listErr error
	dropped []string
}

func (s *stubCreds) ListKnown() ([]session.KnownAccount, error) {
	return s.known, s.listErr
}

func (s *stubCreds) Drop(name string) {
	s.dropped = append(s.dropped, name)
}

func TestReconcile_CreatesMissingAccounts(t *testing.T) {
	repo := newStubRepo()
	creds := &stubCreds{known: []session.KnownAccount{
		{Name: "acc_one"},
		{Name: "acc_two", Proxy: "socks5://proxy:1080"},
	}}

	p := New(repo, creds, zap.NewNop())

	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(repo.accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(repo.accounts))
	}

	acc := repo.accounts["acc_two"]
	if repo.proxies[acc.ID] != "socks5://proxy:1080" {
		t.Fatalf("proxy not set for acc_two")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	repo := newStubRepo()
	creds := &stubCreds{known: []session.KnownAccount{{Name: "acc"}}}

	p := New(repo, creds, zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := p.Reconcile(context.Background()); err != nil {
			t.Fatalf("Reconcile error: %v", err)
		}
	}
	if len(repo.accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(repo.accounts))
	}
}

func TestReconcile_ListError(t *testing.T) {
	p := New(newStubRepo(), &stubCreds{listErr: errors.New("fs gone")}, zap.NewNop())

	if err := p.Reconcile(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBlacklist_DropsSession(t *testing.T) {
	repo := newStubRepo()
	creds := &stubCreds{}
	p := New(repo, creds, zap.NewNop())

	acc, _ := repo.GetOrCreateAccount(context.Background(), "acc")

	if err := p.Blacklist(context.Background(), acc, "connect_error"); err != nil {
		t.Fatalf("Blacklist error: %v", err)
	}
	if repo.blacklisted[acc.ID] != "connect_error" {
		t.Fatalf("reason not recorded")
	}
	if len(creds.dropped) != 1 || creds.dropped[0] != "acc" {
		t.Fatalf("session not dropped: %v", creds.dropped)
	}

	eligible, _ := p.ListEligible(context.Background())
	if len(eligible) != 0 {
		t.Fatalf("blacklisted account still eligible")
	}
}
