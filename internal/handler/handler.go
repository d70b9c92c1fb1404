// Package handler содержит HTTP-обработчики API сервиса quoteflow.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/quoteflow-system/internal/middleware"
	"github.com/mmeshcher/quoteflow-system/internal/model"
	"github.com/mmeshcher/quoteflow-system/internal/repository"
	"github.com/mmeshcher/quoteflow-system/internal/service"
	"github.com/mmeshcher/quoteflow-system/internal/validation"
)

// Сообщения, уходящие на клиент. Детали инфраструктурных сбоев остаются в логах.
const (
	msgAuthRequired     = "Authentication required"
	msgValidationFailed = "Validation failed"
	msgQuoteNotFound    = "Quote not found or not in draft status"
	msgInternal         = "Something went wrong. Please try again."
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	SaveDraft(ctx context.Context, userID int64, in validation.DraftInput, prefs *model.ContactPreferences) (int64, error)
	SubmitQuote(ctx context.Context, userID int64, in validation.SubmissionInput) (*service.SubmitResult, error)
	ApplyDiscount(ctx context.Context, userID, quoteID int64, code string) (*repository.DiscountResult, error)
	CheckActiveQuote(ctx context.Context, userID int64) (*model.ActiveQuoteInfo, error)
	LoadDraft(ctx context.Context, userID int64) (*model.DraftView, error)
	ListQuotes(ctx context.Context, userID int64, status string, limit, offset int) ([]model.QuoteSummary, error)
}

// Handler реализует HTTP-обработчики API сервиса quoteflow.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// actionResult — единый формат ответа API: либо success с данными,
// либо ошибка с сообщением и пофилдовыми деталями валидации.
type actionResult struct {
	Success bool                `json:"success"`
	Data    any                 `json:"data,omitempty"`
	Message string              `json:"message,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (h *Handler) writeResult(w http.ResponseWriter, status int, res actionResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) ok(w http.ResponseWriter, data any) {
	h.writeResult(w, http.StatusOK, actionResult{Success: true, Data: data})
}

func (h *Handler) fail(w http.ResponseWriter, status int, message string) {
	h.writeResult(w, status, actionResult{Success: false, Message: message})
}

func (h *Handler) failFields(w http.ResponseWriter, fields validation.FieldErrors) {
	h.writeResult(w, http.StatusUnprocessableEntity, actionResult{
		Success: false,
		Message: msgValidationFailed,
		Errors:  fields,
	})
}

// serviceError переводит ошибку бизнес-логики в единый формат ответа.
// Ошибки владения и статуса намеренно не различаются в сообщении.
func (h *Handler) serviceError(w http.ResponseWriter, op string, err error) {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		h.failFields(w, vErr.Fields)
	case errors.Is(err, repository.ErrQuoteNotFound):
		h.fail(w, http.StatusNotFound, msgQuoteNotFound)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		h.fail(w, http.StatusInternalServerError, msgInternal)
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.fail(w, http.StatusUnauthorized, msgAuthRequired)
	}
	return id, ok
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		h.fail(w, http.StatusBadRequest, "Login and password are required")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			h.fail(w, http.StatusConflict, "User already exists")
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		h.fail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	h.ok(w, map[string]any{"user_id": userID})
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		h.fail(w, http.StatusBadRequest, "Login and password are required")
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			h.fail(w, http.StatusUnauthorized, "Invalid login or password")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		h.fail(w, http.StatusInternalServerError, msgInternal)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	h.ok(w, map[string]any{"user_id": userID})
}

func parseID(v string) int64 {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func parseBoolField(v string) bool {
	if v == "on" || v == "yes" {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// SaveDraft сохраняет черновик предложения текущего пользователя.
func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed form payload")
		return
	}

	in := validation.DraftInput{
		TierID: parseID(r.PostFormValue("tier_id")),
		Notes:  r.PostFormValue("notes"),
	}
	if v := r.PostFormValue("level_id"); v != "" {
		id := parseID(v)
		in.LevelID = &id
	}

	var services []string
	services = append(services, r.PostForm["selected_services"]...)
	services = append(services, r.PostForm["selected_services[]"]...)
	for _, v := range services {
		in.SelectedServices = append(in.SelectedServices, parseID(v))
	}

	// Декодирование в указатель: литерал null означает отсутствие предпочтений.
	var prefs *model.ContactPreferences
	if v := r.PostFormValue("contact_preferences"); v != "" {
		if err := json.Unmarshal([]byte(v), &prefs); err != nil {
			h.failFields(w, validation.FieldErrors{
				"contact_preferences": {"contact_preferences must be a valid JSON object"},
			})
			return
		}
	}

	quoteID, err := h.service.SaveDraft(r.Context(), userID, in, prefs)
	if err != nil {
		h.serviceError(w, "save draft", err)
		return
	}

	h.ok(w, map[string]any{"quote_id": quoteID})
}

// SubmitQuote отправляет черновик текущего пользователя на рассмотрение.
func (h *Handler) SubmitQuote(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed form payload")
		return
	}

	in := validation.SubmissionInput{
		QuoteID:            parseID(r.PostFormValue("quote_id")),
		CompanyName:        r.PostFormValue("company_name"),
		ContactName:        r.PostFormValue("contact_name"),
		Email:              r.PostFormValue("email"),
		Phone:              r.PostFormValue("phone"),
		ProjectDescription: r.PostFormValue("project_description"),
		Timeline:           r.PostFormValue("timeline"),
		BudgetConfirmed:    parseBoolField(r.PostFormValue("budget_confirmed")),
	}

	res, err := h.service.SubmitQuote(r.Context(), userID, in)
	if err != nil {
		h.serviceError(w, "submit quote", err)
		return
	}

	h.ok(w, map[string]any{
		"quote_id":     res.QuoteID,
		"quote_number": res.QuoteNumber,
		"expires_at":   res.ExpiresAt.Format(time.RFC3339),
	})
}

// ApplyDiscount применяет код скидки к предложению текущего пользователя.
// Ответ хранимой процедуры передаётся клиенту дословно.
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.fail(w, http.StatusBadRequest, "Malformed form payload")
		return
	}

	quoteID := parseID(r.PostFormValue("quote_id"))
	code := r.PostFormValue("discount_code")

	res, err := h.service.ApplyDiscount(r.Context(), userID, quoteID, code)
	if err != nil {
		h.serviceError(w, "apply discount", err)
		return
	}

	if !res.Success {
		h.fail(w, http.StatusUnprocessableEntity, res.Message)
		return
	}

	h.ok(w, map[string]any{
		"message":         res.Message,
		"discount_amount": float64(res.Amount) / 100,
	})
}

// CheckActiveQuote сообщает, есть ли у текущего пользователя предложение в работе.
func (h *Handler) CheckActiveQuote(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	info, err := h.service.CheckActiveQuote(r.Context(), userID)
	if err != nil {
		h.serviceError(w, "check active quote", err)
		return
	}

	h.ok(w, info)
}

type draftResponse struct {
	QuoteID            int64                     `json:"quote_id"`
	Status             string                    `json:"status"`
	TierID             *int64                    `json:"tier_id"`
	TierName           *string                   `json:"tier_name,omitempty"`
	LevelID            *int64                    `json:"level_id"`
	LevelName          *string                   `json:"level_name,omitempty"`
	SelectedServices   []int64                   `json:"selected_services"`
	BasePrice          float64                   `json:"base_price"`
	ServicesPrice      float64                   `json:"services_price"`
	DiscountAmount     float64                   `json:"discount_amount"`
	TaxAmount          float64                   `json:"tax_amount"`
	TotalPrice         float64                   `json:"total_price"`
	Notes              string                    `json:"notes,omitempty"`
	ContactPreferences *model.ContactPreferences `json:"contact_preferences,omitempty"`
	PricingPending     bool                      `json:"pricing_pending"`
	CreatedAt          string                    `json:"created_at"`
	UpdatedAt          string                    `json:"updated_at"`
}

// LoadDraft возвращает текущий черновик пользователя или data: null.
func (h *Handler) LoadDraft(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.service.LoadDraft(r.Context(), userID)
	if err != nil {
		h.serviceError(w, "load draft", err)
		return
	}

	if view == nil {
		h.ok(w, nil)
		return
	}

	h.ok(w, draftResponse{
		QuoteID:            view.ID,
		Status:             string(view.Status),
		TierID:             view.TierID,
		TierName:           view.TierName,
		LevelID:            view.LevelID,
		LevelName:          view.LevelName,
		SelectedServices:   view.SelectedServices,
		BasePrice:          float64(view.BasePrice) / 100,
		ServicesPrice:      float64(view.ServicesPrice) / 100,
		DiscountAmount:     float64(view.DiscountAmount) / 100,
		TaxAmount:          float64(view.TaxAmount) / 100,
		TotalPrice:         float64(view.TotalPrice) / 100,
		Notes:              view.Notes,
		ContactPreferences: view.ContactPreferences,
		PricingPending:     view.PricingStale,
		CreatedAt:          view.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          view.UpdatedAt.Format(time.RFC3339),
	})
}

type quoteSummaryResponse struct {
	ID          int64   `json:"id"`
	QuoteNumber *string `json:"quote_number"`
	Status      string  `json:"status"`
	TotalPrice  float64 `json:"total_price"`
	TierName    *string `json:"tier_name,omitempty"`
	LevelName   *string `json:"level_name,omitempty"`
	CreatedAt   string  `json:"created_at"`
	SubmittedAt *string `json:"submitted_at,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
}

// ListQuotes возвращает страницу предложений текущего пользователя.
func (h *Handler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	quotes, err := h.service.ListQuotes(r.Context(), userID, status, limit, offset)
	if err != nil {
		h.serviceError(w, "list quotes", err)
		return
	}

	resp := make([]quoteSummaryResponse, 0, len(quotes))
	for _, s := range quotes {
		item := quoteSummaryResponse{
			ID:          s.ID,
			QuoteNumber: s.QuoteNumber,
			Status:      string(s.Status),
			TotalPrice:  float64(s.TotalPrice) / 100,
			TierName:    s.TierName,
			LevelName:   s.LevelName,
			CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		}
		if s.SubmittedAt != nil {
			v := s.SubmittedAt.Format(time.RFC3339)
			item.SubmittedAt = &v
		}
		if s.ExpiresAt != nil {
			v := s.ExpiresAt.Format(time.RFC3339)
			item.ExpiresAt = &v
		}
		resp = append(resp, item)
	}

	h.ok(w, map[string]any{"quotes": resp})
}
