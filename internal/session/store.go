// Package session отвечает за учётные данные рабочих аккаунтов и их подключение.
//
// Аккаунты перечисляются по файлам *.token в каталоге сессий; карта прокси
// хранится отдельным JSON-файлом. Записи об аккаунтах никогда не удаляются —
// это делает пул устойчивым к перезапускам.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ndolgushin/starsbuyer/internal/market"
	"github.com/ndolgushin/starsbuyer/internal/model"
)

// KnownAccount описывает обнаруженные учётные данные рабочего аккаунта.
type KnownAccount struct {
	Name  string
	Proxy string
}

// Store перечисляет известные аккаунты и выдаёт подключённые сессии маркетплейса.
type Store struct {
	dir         string
	proxiesFile string
	market      *market.Client

	mu       sync.Mutex
	sessions map[string]*market.Session
}

// NewStore создаёт хранилище сессий поверх каталога токенов и карты прокси.
func NewStore(dir, proxiesFile string, client *market.Client) *Store {
	return &Store{
		dir:         dir,
		proxiesFile: proxiesFile,
		market:      client,
		sessions:    make(map[string]*market.Session),
	}
}

// ListKnown возвращает аккаунты, для которых есть файл токена.
func (s *Store) ListKnown() ([]KnownAccount, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.token"))
	if err != nil {
		return nil, fmt.Errorf("scan sessions dir: %w", err)
	}

	proxies := s.loadProxies()

	res := make([]KnownAccount, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".token")
		res = append(res, KnownAccount{
			Name:  name,
			Proxy: proxies[name],
		})
	}

	return res, nil
}

// Карта прокси опциональна: отсутствующий или битый файл трактуется как пустая.
func (s *Store) loadProxies() map[string]string {
	data, err := os.ReadFile(s.proxiesFile)
	if err != nil {
		return map[string]string{}
	}

	var proxies map[string]string
	if err := json.Unmarshal(data, &proxies); err != nil {
		return map[string]string{}
	}

	return proxies
}

// Connect возвращает подключённую сессию для аккаунта, создавая её при необходимости.
// Отсутствующий токен трактуется как требование авторизации, сбой пинга — как
// ошибка соединения.
func (s *Store) Connect(ctx context.Context, acc model.Account) (*market.Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[acc.SessionName]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	token, err := os.ReadFile(filepath.Join(s.dir, acc.SessionName+".token"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no token for %s", market.ErrAuthRequired, acc.SessionName)
		}
		return nil, fmt.Errorf("read token: %w", err)
	}

	httpClient, err := newHTTPClient(acc.Proxy)
	if err != nil {
		return nil, err
	}

	sess := &market.Session{
		Name:  acc.SessionName,
		Token: strings.TrimSpace(string(token)),
		HTTP:  httpClient,
	}

	if err := s.market.Ping(ctx, sess); err != nil {
		return nil, fmt.Errorf("connect %s: %w", acc.SessionName, err)
	}

	s.mu.Lock()
	s.sessions[acc.SessionName] = sess
	s.mu.Unlock()

	return sess, nil
}

// Drop забывает закэшированную сессию аккаунта.
func (s *Store) Drop(name string) {
	s.mu.Lock()
	delete(s.sessions, name)
	s.mu.Unlock()
}

func newHTTPClient(proxy *string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxy != nil && *proxy != "" {
		u, err := url.Parse(*proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient = &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}

	return rc.StandardClient(), nil
}
