// Package validation содержит проверки входных данных операций с предложениями.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Ограничения на размеры текстовых полей.
const (
	maxNotesLen        = 1000
	minDescriptionLen  = 10
	maxDescriptionLen  = 5000
	minDiscountCodeLen = 3
	maxDiscountCodeLen = 50
	maxContactFieldLen = 200
)

var (
	emailRe        = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe        = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,18}[0-9]$`)
	discountCodeRe = regexp.MustCompile(`^[A-Z0-9_-]+$`)
)

// Допустимые значения поля timeline при отправке предложения.
var timelines = map[string]struct{}{
	"asap":          {},
	"1_3_months":    {},
	"3_6_months":    {},
	"6_plus_months": {},
	"flexible":      {},
}

// FieldErrors сопоставляет имени поля список сообщений об ошибках.
type FieldErrors map[string][]string

// Add добавляет сообщение об ошибке для указанного поля.
func (e FieldErrors) Add(field, message string) {
	e[field] = append(e[field], message)
}

// DraftInput описывает данные сохранения черновика предложения.
type DraftInput struct {
	TierID           int64
	LevelID          *int64
	SelectedServices []int64
	Notes            string
}

// ValidateDraft проверяет данные черновика. Возвращает пустую карту, если ошибок нет.
func ValidateDraft(in DraftInput) FieldErrors {
	errs := FieldErrors{}

	if in.TierID <= 0 {
		errs.Add("tier_id", "tier_id must be a positive integer")
	}
	if in.LevelID != nil && *in.LevelID <= 0 {
		errs.Add("level_id", "level_id must be a positive integer")
	}
	for _, id := range in.SelectedServices {
		if id <= 0 {
			errs.Add("selected_services", "selected_services must contain positive integers")
			break
		}
	}
	if utf8.RuneCountInString(in.Notes) > maxNotesLen {
		errs.Add("notes", "notes must not exceed 1000 characters")
	}

	return errs
}

// SubmissionInput описывает данные отправки предложения на рассмотрение.
type SubmissionInput struct {
	QuoteID            int64
	CompanyName        string
	ContactName        string
	Email              string
	Phone              string
	ProjectDescription string
	Timeline           string
	BudgetConfirmed    bool
}

// ValidateSubmission проверяет данные отправки предложения.
func ValidateSubmission(in SubmissionInput) FieldErrors {
	errs := FieldErrors{}

	if in.QuoteID <= 0 {
		errs.Add("quote_id", "quote_id is required")
	}
	if strings.TrimSpace(in.CompanyName) == "" {
		errs.Add("company_name", "company_name is required")
	} else if utf8.RuneCountInString(in.CompanyName) > maxContactFieldLen {
		errs.Add("company_name", "company_name is too long")
	}
	if strings.TrimSpace(in.ContactName) == "" {
		errs.Add("contact_name", "contact_name is required")
	} else if utf8.RuneCountInString(in.ContactName) > maxContactFieldLen {
		errs.Add("contact_name", "contact_name is too long")
	}
	if !emailRe.MatchString(in.Email) {
		errs.Add("email", "email must be a valid address")
	}
	if in.Phone != "" && !phoneRe.MatchString(in.Phone) {
		errs.Add("phone", "phone must be a valid phone number")
	}

	descLen := utf8.RuneCountInString(strings.TrimSpace(in.ProjectDescription))
	if descLen < minDescriptionLen || descLen > maxDescriptionLen {
		errs.Add("project_description", "project_description must be between 10 and 5000 characters")
	}

	if _, ok := timelines[in.Timeline]; !ok {
		errs.Add("timeline", "timeline must be one of: asap, 1_3_months, 3_6_months, 6_plus_months, flexible")
	}
	if !in.BudgetConfirmed {
		errs.Add("budget_confirmed", "budget must be confirmed before submission")
	}

	return errs
}

// NormalizeDiscountCode приводит код скидки к каноническому виду перед проверкой.
func NormalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateDiscountCode проверяет идентификатор предложения и нормализованный код скидки.
func ValidateDiscountCode(quoteID int64, code string) FieldErrors {
	errs := FieldErrors{}

	if quoteID <= 0 {
		errs.Add("quote_id", "quote_id is required")
	}
	if len(code) < minDiscountCodeLen || len(code) > maxDiscountCodeLen {
		errs.Add("discount_code", "discount_code must be between 3 and 50 characters")
	} else if !discountCodeRe.MatchString(code) {
		errs.Add("discount_code", "discount_code may contain only letters, digits, underscores and dashes")
	}

	return errs
}
