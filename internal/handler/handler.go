// Package handler содержит HTTP-обработчики API сервиса автозакупки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ndolgushin/starsbuyer/internal/middleware"
	"github.com/ndolgushin/starsbuyer/internal/model"
	"github.com/ndolgushin/starsbuyer/internal/repository"
	"github.com/ndolgushin/starsbuyer/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ApplyDeposit(ctx context.Context, externalID, amount int64) error
	BalanceSummary(ctx context.Context, externalID int64) (*model.BalanceSummary, error)
	AdminSnapshot(ctx context.Context) (*service.AdminSnapshot, error)
}

// Handler реализует HTTP-обработчики API сервиса автозакупки.
type Handler struct {
	service   Service
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, adminAuth *middleware.AdminAuth) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		adminAuth: adminAuth,
	}
}

type depositRequest struct {
	UserID int64 `json:"user_id"`
	Amount int64 `json:"amount"`
}

// ApplyDeposit применяет пополнение баланса пользователя.
func (h *Handler) ApplyDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ApplyDeposit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAmount) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("apply deposit error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает сводку по балансу и комиссиям пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.service.BalanceSummary(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetAdminSnapshot возвращает административный снимок состояния системы.
func (h *Handler) GetAdminSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.AdminSnapshot(r.Context())
	if err != nil {
		h.logger.Error("admin snapshot error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
