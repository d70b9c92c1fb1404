// Package model содержит доменные сущности сервиса quoteflow.
package model

import "time"

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// QuoteStatus описывает статус жизненного цикла коммерческого предложения.
type QuoteStatus string

const (
	QuoteStatusDraft       QuoteStatus = "draft"
	QuoteStatusSubmitted   QuoteStatus = "submitted"
	QuoteStatusUnderReview QuoteStatus = "under_review"
	QuoteStatusAccepted    QuoteStatus = "accepted"
	QuoteStatusRejected    QuoteStatus = "rejected"
	QuoteStatusExpired     QuoteStatus = "expired"
)

// ContactPreferences описывает предпочтительный способ и время связи с клиентом.
type ContactPreferences struct {
	Method  string   `json:"method,omitempty"`
	Windows []string `json:"windows,omitempty"`
}

// Quote описывает коммерческое предложение пользователя.
// Денежные поля хранятся в копейках и обновляются только пересчётом стоимости.
type Quote struct {
	ID                 int64
	UserID             int64
	Status             QuoteStatus
	TierID             *int64
	LevelID            *int64
	SelectedServices   []int64
	BasePrice          int64
	ServicesPrice      int64
	DiscountAmount     int64
	TaxAmount          int64
	TotalPrice         int64
	Notes              string
	ContactPreferences *ContactPreferences
	Metadata           map[string]string
	PricingStale       bool
	QuoteNumber        *string
	SubmittedAt        *time.Time
	ExpiresAt          *time.Time
	ReviewedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Totals содержит пересчитанные денежные поля предложения в копейках.
type Totals struct {
	BasePrice      int64
	ServicesPrice  int64
	DiscountAmount int64
	TaxAmount      int64
	TotalPrice     int64
}

// DraftView описывает черновик вместе с отображаемыми данными тарифного каталога.
type DraftView struct {
	Quote
	TierName  *string
	LevelName *string
}

// QuoteSummary описывает строку в списке предложений пользователя.
type QuoteSummary struct {
	ID          int64
	QuoteNumber *string
	Status      QuoteStatus
	TotalPrice  int64
	TierName    *string
	LevelName   *string
	CreatedAt   time.Time
	SubmittedAt *time.Time
	ExpiresAt   *time.Time
}

// Типы результата проверки активного предложения.
const (
	ActiveQuoteTypeActive = "active"
	ActiveQuoteTypeDraft  = "draft"
	ActiveQuoteTypeNone   = "none"
)

// ActiveQuoteInfo сообщает, есть ли у пользователя предложение в работе.
// Отправленное предложение блокирует создание нового, черновик — нет.
type ActiveQuoteInfo struct {
	Type         string  `json:"type"`
	QuoteID      *int64  `json:"quote_id,omitempty"`
	QuoteNumber  *string `json:"quote_number,omitempty"`
	CanCreateNew bool    `json:"can_create_new"`
	CanContinue  bool    `json:"can_continue,omitempty"`
}
