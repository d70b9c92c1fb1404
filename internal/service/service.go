// Package service реализует бизнес-логику жизненного цикла предложений.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/quoteflow-system/internal/model"
	"github.com/mmeshcher/quoteflow-system/internal/pricing"
	"github.com/mmeshcher/quoteflow-system/internal/repository"
	"github.com/mmeshcher/quoteflow-system/internal/validation"
)

// Параметры фонового цикла сверки стоимости.
const (
	reconcileInterval   = 30 * time.Second
	reconcileBatchSize  = 50
	listQuotesMaxLimit  = 100
	listQuotesPageLimit = 20
)

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ValidationError содержит пофилдовые ошибки проверки входных данных.
type ValidationError struct {
	Fields validation.FieldErrors
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	return "validation failed"
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	FindDraftByUser(ctx context.Context, userID int64) (*model.Quote, error)
	GetQuoteForUser(ctx context.Context, quoteID, userID int64) (*model.Quote, error)
	CreateDraft(ctx context.Context, userID int64, data repository.DraftData) (int64, error)
	UpdateDraft(ctx context.Context, quoteID, userID int64, data repository.DraftData) error
	SubmitQuote(ctx context.Context, data repository.SubmitData) (string, error)
	ApplyDiscount(ctx context.Context, quoteID int64, code string) (*repository.DiscountResult, error)
	UpdateQuoteTotals(ctx context.Context, quoteID int64, t model.Totals) error
	GetStaleQuotes(ctx context.Context, limit int) ([]model.Quote, error)
	GetDraftView(ctx context.Context, userID int64) (*model.DraftView, error)
	FindSubmittedByUser(ctx context.Context, userID int64) (*model.Quote, error)
	ListQuotesByUser(ctx context.Context, userID int64, status string, limit, offset int) ([]model.QuoteSummary, error)
	GetExpiryDays(ctx context.Context) (int, error)
	ExpireOverdueQuotes(ctx context.Context) (int64, error)
}

// Service управляет жизненным циклом предложений.
type Service struct {
	repo              Repository
	pricingClient     *pricing.Client
	logger            *zap.Logger
	defaultExpiryDays int
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом пересчёта стоимости.
func NewService(repo Repository, pricingClient *pricing.Client, logger *zap.Logger, defaultExpiryDays int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:              repo,
		pricingClient:     pricingClient,
		logger:            logger,
		defaultExpiryDays: defaultExpiryDays,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// SaveDraft сохраняет черновик предложения: обновляет существующий или создаёт новый.
// Пересчёт стоимости выполняется по принципу best effort и не влияет на результат операции.
func (s *Service) SaveDraft(ctx context.Context, userID int64, in validation.DraftInput, prefs *model.ContactPreferences) (int64, error) {
	if fieldErrs := validation.ValidateDraft(in); len(fieldErrs) > 0 {
		return 0, &ValidationError{Fields: fieldErrs}
	}

	data := repository.DraftData{
		TierID:             in.TierID,
		LevelID:            in.LevelID,
		SelectedServices:   normalizeServices(in.SelectedServices),
		Notes:              strings.TrimSpace(in.Notes),
		ContactPreferences: prefs,
		Metadata:           map[string]string{"source": "quote_form"},
	}

	quoteID, discountCents, err := s.upsertDraft(ctx, userID, data)
	if err != nil {
		return 0, err
	}

	s.recalculate(ctx, quoteID, data.TierID, data.LevelID, data.SelectedServices, discountCents)

	return quoteID, nil
}

// upsertDraft возвращает идентификатор черновика и уже применённую скидку:
// пересчёт стоимости обязан учитывать её, иначе сохранение стирает скидку.
func (s *Service) upsertDraft(ctx context.Context, userID int64, data repository.DraftData) (int64, int64, error) {
	draft, err := s.repo.FindDraftByUser(ctx, userID)
	switch {
	case err == nil:
		if err := s.repo.UpdateDraft(ctx, draft.ID, userID, data); err != nil {
			return 0, 0, err
		}
		return draft.ID, draft.DiscountAmount, nil
	case errors.Is(err, repository.ErrQuoteNotFound):
	default:
		return 0, 0, err
	}

	id, err := s.repo.CreateDraft(ctx, userID, data)
	if err == nil {
		return id, 0, nil
	}
	if !errors.Is(err, repository.ErrDraftConflict) {
		return 0, 0, err
	}

	// Проигранная гонка вставки: параллельный запрос уже создал черновик, обновляем его.
	draft, ferr := s.repo.FindDraftByUser(ctx, userID)
	if ferr != nil {
		return 0, 0, ferr
	}
	if uerr := s.repo.UpdateDraft(ctx, draft.ID, userID, data); uerr != nil {
		return 0, 0, uerr
	}
	return draft.ID, draft.DiscountAmount, nil
}

// normalizeServices трактует выбранные услуги как множество: сортирует и убирает дубликаты.
func normalizeServices(services []int64) []int64 {
	if len(services) == 0 {
		return []int64{}
	}
	res := slices.Clone(services)
	slices.Sort(res)
	return slices.Compact(res)
}

// SubmitResult описывает результат отправки предложения на рассмотрение.
type SubmitResult struct {
	QuoteID     int64
	QuoteNumber string
	ExpiresAt   time.Time
}

// SubmitQuote переводит черновик пользователя в статус submitted.
// Чужое либо уже отправленное предложение сообщается как не найденное.
func (s *Service) SubmitQuote(ctx context.Context, userID int64, in validation.SubmissionInput) (*SubmitResult, error) {
	if fieldErrs := validation.ValidateSubmission(in); len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	q, err := s.repo.GetQuoteForUser(ctx, in.QuoteID, userID)
	if err != nil {
		return nil, err
	}
	if q.Status != model.QuoteStatusDraft {
		return nil, repository.ErrQuoteNotFound
	}
	if fieldErrs := requireCompleteness(q); len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	submittedAt := time.Now().UTC()
	expiresAt := submittedAt.AddDate(0, 0, s.expiryDays(ctx))

	quoteNumber, err := s.repo.SubmitQuote(ctx, repository.SubmitData{
		QuoteID:     in.QuoteID,
		UserID:      userID,
		SubmittedAt: submittedAt,
		ExpiresAt:   expiresAt,
		Contact: map[string]string{
			"company_name":        strings.TrimSpace(in.CompanyName),
			"contact_name":        strings.TrimSpace(in.ContactName),
			"email":               strings.TrimSpace(in.Email),
			"phone":               strings.TrimSpace(in.Phone),
			"project_description": strings.TrimSpace(in.ProjectDescription),
			"timeline":            in.Timeline,
		},
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotDraft) {
			return nil, repository.ErrQuoteNotFound
		}
		if errors.Is(err, repository.ErrQuoteIncomplete) {
			return nil, &ValidationError{Fields: validation.FieldErrors{
				"tier_id": {"select a pricing tier before submitting"},
			}}
		}
		return nil, err
	}

	return &SubmitResult{
		QuoteID:     in.QuoteID,
		QuoteNumber: quoteNumber,
		ExpiresAt:   expiresAt,
	}, nil
}

func requireCompleteness(q *model.Quote) validation.FieldErrors {
	fieldErrs := validation.FieldErrors{}
	if q.TierID == nil {
		fieldErrs.Add("tier_id", "select a pricing tier before submitting")
	}
	if q.LevelID == nil {
		fieldErrs.Add("level_id", "select a pricing level before submitting")
	}
	return fieldErrs
}

func (s *Service) expiryDays(ctx context.Context) int {
	days, err := s.repo.GetExpiryDays(ctx)
	if err != nil {
		s.logger.Warn("read expiry setting failed, using default", zap.Error(err))
		return s.defaultExpiryDays
	}
	if days <= 0 {
		return s.defaultExpiryDays
	}
	return days
}

// ApplyDiscount применяет код скидки к предложению пользователя.
// Бизнес-правило скидки живёт в хранимой процедуре, её ответ передаётся дословно.
func (s *Service) ApplyDiscount(ctx context.Context, userID, quoteID int64, code string) (*repository.DiscountResult, error) {
	code = validation.NormalizeDiscountCode(code)
	if fieldErrs := validation.ValidateDiscountCode(quoteID, code); len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	q, err := s.repo.GetQuoteForUser(ctx, quoteID, userID)
	if err != nil {
		return nil, err
	}

	res, err := s.repo.ApplyDiscount(ctx, quoteID, code)
	if err != nil {
		return nil, err
	}

	if res.Success && q.TierID != nil {
		s.recalculate(ctx, quoteID, *q.TierID, q.LevelID, q.SelectedServices, res.Amount)
	}

	return res, nil
}

// CheckActiveQuote проверяет, есть ли у пользователя предложение в работе.
// Отправленное предложение проверяется первым: оно блокирует создание нового,
// заброшенный черновик — нет.
func (s *Service) CheckActiveQuote(ctx context.Context, userID int64) (*model.ActiveQuoteInfo, error) {
	submitted, err := s.repo.FindSubmittedByUser(ctx, userID)
	switch {
	case err == nil:
		return &model.ActiveQuoteInfo{
			Type:         model.ActiveQuoteTypeActive,
			QuoteID:      &submitted.ID,
			QuoteNumber:  submitted.QuoteNumber,
			CanCreateNew: false,
		}, nil
	case !errors.Is(err, repository.ErrQuoteNotFound):
		return nil, err
	}

	draft, err := s.repo.FindDraftByUser(ctx, userID)
	switch {
	case err == nil:
		return &model.ActiveQuoteInfo{
			Type:         model.ActiveQuoteTypeDraft,
			QuoteID:      &draft.ID,
			CanCreateNew: true,
			CanContinue:  true,
		}, nil
	case !errors.Is(err, repository.ErrQuoteNotFound):
		return nil, err
	}

	return &model.ActiveQuoteInfo{
		Type:         model.ActiveQuoteTypeNone,
		CanCreateNew: true,
	}, nil
}

// LoadDraft возвращает текущий черновик пользователя с данными каталога или nil.
func (s *Service) LoadDraft(ctx context.Context, userID int64) (*model.DraftView, error) {
	view, err := s.repo.GetDraftView(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrQuoteNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return view, nil
}

// ListQuotes возвращает страницу предложений пользователя.
func (s *Service) ListQuotes(ctx context.Context, userID int64, status string, limit, offset int) ([]model.QuoteSummary, error) {
	if limit <= 0 {
		limit = listQuotesPageLimit
	}
	if limit > listQuotesMaxLimit {
		limit = listQuotesMaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListQuotesByUser(ctx, userID, status, limit, offset)
}

// recalculate выполняет best-effort пересчёт стоимости предложения.
// При неудаче предложение остаётся помеченным pricing_stale и попадёт в фоновую сверку.
func (s *Service) recalculate(ctx context.Context, quoteID, tierID int64, levelID *int64, services []int64, discountCents int64) {
	if s.pricingClient == nil {
		return
	}

	totals, err := s.pricingClient.CalculateTotals(ctx, pricing.QuoteSnapshot{
		QuoteID:          quoteID,
		TierID:           tierID,
		LevelID:          levelID,
		SelectedServices: services,
		DiscountAmount:   float64(discountCents) / 100,
	})
	if err != nil {
		s.logger.Warn("pricing recalculation failed, quote left stale",
			zap.Int64("quoteID", quoteID), zap.Error(err))
		return
	}

	if err := s.repo.UpdateQuoteTotals(ctx, quoteID, totalsToModel(totals)); err != nil {
		s.logger.Warn("update quote totals failed",
			zap.Int64("quoteID", quoteID), zap.Error(err))
	}
}

func totalsToModel(t *pricing.Totals) model.Totals {
	return model.Totals{
		BasePrice:      toCents(t.BasePrice),
		ServicesPrice:  toCents(t.ServicesPrice),
		DiscountAmount: toCents(t.DiscountAmount),
		TaxAmount:      toCents(t.TaxAmount),
		TotalPrice:     toCents(t.TotalPrice),
	}
}

// toCents округляет до ближайшей копейки: усечение теряет копейку на суммах вида 19.99.
func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// StartPricingReconciliation запускает фоновый процесс сверки стоимости и
// перевода просроченных предложений в статус expired.
func (s *Service) StartPricingReconciliation(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileBatch(ctx)
			}
		}
	}()
}

func (s *Service) reconcileBatch(ctx context.Context) {
	expired, err := s.repo.ExpireOverdueQuotes(ctx)
	if err != nil {
		s.logger.Warn("expire overdue quotes failed", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("expired overdue quotes", zap.Int64("count", expired))
	}

	if s.pricingClient == nil {
		return
	}

	quotes, err := s.repo.GetStaleQuotes(ctx, reconcileBatchSize)
	if err != nil {
		s.logger.Warn("select stale quotes failed", zap.Error(err))
		return
	}

	for _, q := range quotes {
		if q.TierID == nil {
			continue
		}

		backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			totals, err := s.pricingClient.CalculateTotals(ctx, pricing.QuoteSnapshot{
				QuoteID:          q.ID,
				TierID:           *q.TierID,
				LevelID:          q.LevelID,
				SelectedServices: q.SelectedServices,
				DiscountAmount:   float64(q.DiscountAmount) / 100,
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			return s.repo.UpdateQuoteTotals(ctx, q.ID, totalsToModel(totals))
		})
		if err != nil {
			s.logger.Warn("reconcile quote pricing failed",
				zap.Int64("quoteID", q.ID), zap.Error(err))
		}
	}
}
