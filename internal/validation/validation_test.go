package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func int64Ptr(v int64) *int64 {
	return &v
}

func TestValidateDraft(t *testing.T) {
	tests := []struct {
		name       string
		in         DraftInput
		wantFields []string
	}{
		{
			name: "valid minimal",
			in:   DraftInput{TierID: 2},
		},
		{
			name: "valid full",
			in: DraftInput{
				TierID:           2,
				LevelID:          int64Ptr(5),
				SelectedServices: []int64{1, 3},
				Notes:            "rush job",
			},
		},
		{
			name:       "missing tier",
			in:         DraftInput{},
			wantFields: []string{"tier_id"},
		},
		{
			name:       "negative level",
			in:         DraftInput{TierID: 2, LevelID: int64Ptr(-1)},
			wantFields: []string{"level_id"},
		},
		{
			name:       "zero service id",
			in:         DraftInput{TierID: 2, SelectedServices: []int64{1, 0, 3}},
			wantFields: []string{"selected_services"},
		},
		{
			name:       "notes too long",
			in:         DraftInput{TierID: 2, Notes: strings.Repeat("ы", 1001)},
			wantFields: []string{"notes"},
		},
		{
			name: "notes at limit",
			in:   DraftInput{TierID: 2, Notes: strings.Repeat("a", 1000)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateDraft(tt.in)
			if len(tt.wantFields) == 0 {
				assert.Empty(t, errs)
				return
			}
			assert.Len(t, errs, len(tt.wantFields))
			for _, f := range tt.wantFields {
				assert.NotEmpty(t, errs[f], "expected error for field %s", f)
			}
		})
	}
}

func validSubmission() SubmissionInput {
	return SubmissionInput{
		QuoteID:            3,
		CompanyName:        "Acme Studio",
		ContactName:        "Jane Doe",
		Email:              "jane@acme.example",
		Phone:              "+1 (555) 010-2030",
		ProjectDescription: "Redesign of the marketing site with a new blog",
		Timeline:           "1_3_months",
		BudgetConfirmed:    true,
	}
}

func TestValidateSubmission(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*SubmissionInput)
		wantFields []string
	}{
		{
			name:   "valid",
			mutate: func(in *SubmissionInput) {},
		},
		{
			name:   "phone optional",
			mutate: func(in *SubmissionInput) { in.Phone = "" },
		},
		{
			name:       "missing quote id",
			mutate:     func(in *SubmissionInput) { in.QuoteID = 0 },
			wantFields: []string{"quote_id"},
		},
		{
			name:       "blank company",
			mutate:     func(in *SubmissionInput) { in.CompanyName = "   " },
			wantFields: []string{"company_name"},
		},
		{
			name:       "bad email",
			mutate:     func(in *SubmissionInput) { in.Email = "not-an-email" },
			wantFields: []string{"email"},
		},
		{
			name:       "bad phone",
			mutate:     func(in *SubmissionInput) { in.Phone = "call me" },
			wantFields: []string{"phone"},
		},
		{
			name:       "description too short",
			mutate:     func(in *SubmissionInput) { in.ProjectDescription = "tiny" },
			wantFields: []string{"project_description"},
		},
		{
			name:       "description too long",
			mutate:     func(in *SubmissionInput) { in.ProjectDescription = strings.Repeat("x", 5001) },
			wantFields: []string{"project_description"},
		},
		{
			name:       "unknown timeline",
			mutate:     func(in *SubmissionInput) { in.Timeline = "someday" },
			wantFields: []string{"timeline"},
		},
		{
			name:       "budget not confirmed",
			mutate:     func(in *SubmissionInput) { in.BudgetConfirmed = false },
			wantFields: []string{"budget_confirmed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validSubmission()
			tt.mutate(&in)

			errs := ValidateSubmission(in)
			if len(tt.wantFields) == 0 {
				assert.Empty(t, errs)
				return
			}
			assert.Len(t, errs, len(tt.wantFields))
			for _, f := range tt.wantFields {
				assert.NotEmpty(t, errs[f], "expected error for field %s", f)
			}
		})
	}
}

func TestNormalizeDiscountCode(t *testing.T) {
	assert.Equal(t, "SUMMER-20", NormalizeDiscountCode("  summer-20 "))
	assert.Equal(t, "WELCOME_10", NormalizeDiscountCode("welcome_10"))
}

func TestValidateDiscountCode(t *testing.T) {
	tests := []struct {
		name       string
		quoteID    int64
		code       string
		wantFields []string
	}{
		{
			name:    "valid",
			quoteID: 3,
			code:    "SUMMER-20",
		},
		{
			name:       "too short",
			quoteID:    3,
			code:       "AB",
			wantFields: []string{"discount_code"},
		},
		{
			name:       "lowercase rejected without normalization",
			quoteID:    3,
			code:       "summer-20",
			wantFields: []string{"discount_code"},
		},
		{
			name:       "illegal characters",
			quoteID:    3,
			code:       "SUM MER!",
			wantFields: []string{"discount_code"},
		},
		{
			name:       "missing quote id",
			quoteID:    0,
			code:       "SUMMER-20",
			wantFields: []string{"quote_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateDiscountCode(tt.quoteID, tt.code)
			if len(tt.wantFields) == 0 {
				assert.Empty(t, errs)
				return
			}
			assert.Len(t, errs, len(tt.wantFields))
			for _, f := range tt.wantFields {
				assert.NotEmpty(t, errs[f], "expected error for field %s", f)
			}
		})
	}
}
