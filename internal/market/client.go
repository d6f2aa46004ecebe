// Package market предоставляет клиент внешнего маркетплейса подарков.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ndolgushin/starsbuyer/internal/model"
)

// ErrAuthRequired возвращается, если сессия рабочего аккаунта не авторизована.
var ErrAuthRequired = errors.New("session authorization required")

// Маркетплейс сообщает "безлимитные" позиции без остатка; локально они
// представляются большим запасом, как и в исходном протоколе.
const unlimitedRemaining = 999999

// Session описывает подключённую сессию рабочего аккаунта.
type Session struct {
	Name  string
	Token string
	HTTP  *http.Client
}

// Client инкапсулирует HTTP-взаимодействие с маркетплейсом.
// Исходящие вызовы темпируются, чтобы не превышать лимиты внешнего API.
type Client struct {
	baseURL string
	limiter *rate.Limiter
}

// NewClient создаёт клиент маркетплейса с указанным адресом и минимальным
// интервалом между исходящими запросами.
func NewClient(baseURL string, minInterval time.Duration) *Client {
	if minInterval <= 0 {
		minInterval = 200 * time.Millisecond
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

func (c *Client) do(ctx context.Context, s *Session, method, path string, body []byte) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("market client not configured")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	return resp, nil
}

// Ping проверяет, что сессия аккаунта жива и авторизована.
func (c *Client) Ping(ctx context.Context, s *Session) error {
	resp, err := c.do(ctx, s, http.MethodGet, "/api/me", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthRequired, s.Name)
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

type catalogItem struct {
	Code       string `json:"code"`
	Title      string `json:"title"`
	PriceStars int64  `json:"price_stars"`
	Remaining  *int64 `json:"remaining,omitempty"`
	SoldOut    bool   `json:"sold_out,omitempty"`
}

// FetchCatalog возвращает текущий каталог подарков маркетплейса.
// Распроданные позиции нормализуются к нулевому остатку.
func (c *Client) FetchCatalog(ctx context.Context, s *Session) ([]model.CatalogGift, error) {
	resp, err := c.do(ctx, s, http.MethodGet, "/api/gifts", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var items []catalogItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	gifts := make([]model.CatalogGift, 0, len(items))
	for _, it := range items {
		remaining := int64(unlimitedRemaining)
		if it.Remaining != nil {
			remaining = *it.Remaining
		}
		if it.SoldOut {
			remaining = 0
		}

		gifts = append(gifts, model.CatalogGift{
			Code:       it.Code,
			Title:      it.Title,
			PriceStars: it.PriceStars,
			Remaining:  remaining,
		})
	}

	return gifts, nil
}

// PurchaseResult описывает исход попытки покупки.
// OK=false означает ожидаемый отказ маркетплейса, а не сбой соединения.
type PurchaseResult struct {
	OK      bool
	Reason  string
	Payload json.RawMessage
}

type rejectionBody struct {
	Error string `json:"error"`
}

// BuyGift выполняет покупку подарка указанной сессией.
// Отказы уровня сделки (нет средств, распродано, конфликт) возвращаются
// как результат, транспортные сбои — как ошибка.
func (c *Client) BuyGift(ctx context.Context, s *Session, code string) (*PurchaseResult, error) {
	resp, err := c.do(ctx, s, http.MethodPost, fmt.Sprintf("/api/gifts/%s/buy", code), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return &PurchaseResult{OK: true, Payload: payload}, nil
	case http.StatusPaymentRequired, http.StatusConflict, http.StatusGone:
		return &PurchaseResult{OK: false, Reason: rejectionReason(resp)}, nil
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

// TransferResult описывает исход передачи подарка получателю.
type TransferResult struct {
	OK     bool
	Reason string
}

type transferRequest struct {
	RecipientID int64 `json:"recipient_id"`
	StickerID   int64 `json:"sticker_id"`
}

// TransferGift передаёт купленный подарок конечному получателю.
func (c *Client) TransferGift(ctx context.Context, s *Session, recipientID, stickerID int64) (*TransferResult, error) {
	body, err := json.Marshal(transferRequest{RecipientID: recipientID, StickerID: stickerID})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}

	resp, err := c.do(ctx, s, http.MethodPost, "/api/transfer", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return &TransferResult{OK: true}, nil
	case http.StatusBadRequest, http.StatusPaymentRequired, http.StatusConflict, http.StatusGone:
		return &TransferResult{OK: false, Reason: rejectionReason(resp)}, nil
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

func rejectionReason(resp *http.Response) string {
	var body rejectionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return http.StatusText(resp.StatusCode)
}
