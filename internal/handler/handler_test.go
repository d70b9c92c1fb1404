package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/quoteflow-system/internal/middleware"
	"github.com/mmeshcher/quoteflow-system/internal/model"
	"github.com/mmeshcher/quoteflow-system/internal/repository"
	"github.com/mmeshcher/quoteflow-system/internal/service"
	"github.com/mmeshcher/quoteflow-system/internal/validation"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	saveDraftID    int64
	saveDraftErr   error
	saveDraftIn    validation.DraftInput
	saveDraftPrefs *model.ContactPreferences

	submitRes *service.SubmitResult
	submitErr error

	discountRes *repository.DiscountResult
	discountErr error

	activeInfo *model.ActiveQuoteInfo
	activeErr  error

	draftView *model.DraftView
	draftErr  error

	quotes   []model.QuoteSummary
	listErr  error
	listArgs struct {
		status        string
		limit, offset int
	}
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) SaveDraft(ctx context.Context, userID int64, in validation.DraftInput, prefs *model.ContactPreferences) (int64, error) {
	s.saveDraftIn = in
	s.saveDraftPrefs = prefs
	return s.saveDraftID, s.saveDraftErr
}

func (s *stubService) SubmitQuote(ctx context.Context, userID int64, in validation.SubmissionInput) (*service.SubmitResult, error) {
	return s.submitRes, s.submitErr
}

func (s *stubService) ApplyDiscount(ctx context.Context, userID, quoteID int64, code string) (*repository.DiscountResult, error) {
	return s.discountRes, s.discountErr
}

func (s *stubService) CheckActiveQuote(ctx context.Context, userID int64) (*model.ActiveQuoteInfo, error) {
	return s.activeInfo, s.activeErr
}

func (s *stubService) LoadDraft(ctx context.Context, userID int64) (*model.DraftView, error) {
	return s.draftView, s.draftErr
}

func (s *stubService) ListQuotes(ctx context.Context, userID int64, status string, limit, offset int) ([]model.QuoteSummary, error) {
	s.listArgs.status = status
	s.listArgs.limit = limit
	s.listArgs.offset = offset
	return s.quotes, s.listErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

type resultBody struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func decodeResult(t *testing.T, res *http.Response) resultBody {
	t.Helper()

	var body resultBody
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return body
}

// authorizedForm выполняет form-encoded запрос от имени пользователя 1 через auth middleware.
func authorizedForm(t *testing.T, h *Handler, handlerFunc http.HandlerFunc, target string, form url.Values) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, 1)
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(handlerFunc).ServeHTTP(rec, req)
	return rec.Result()
}

func authorizedGet(t *testing.T, h *Handler, handlerFunc http.HandlerFunc, target string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, 1)
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(handlerFunc).ServeHTTP(rec, req)
	return rec.Result()
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body := `{"login":"user","password":"pass"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("expected session cookie to be set")
	}
	if result := decodeResult(t, res); !result.Success {
		t.Fatalf("expected success result, got %+v", result)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body := `{"login":"user","password":"wrong"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user/login", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestSaveDraft_Success(t *testing.T) {
	svc := &stubService{saveDraftID: 7}
	h := newTestHandler(t, svc)

	form := url.Values{
		"tier_id":           {"2"},
		"level_id":          {"5"},
		"selected_services": {"1", "3"},
		"notes":             {"rush job"},
	}

	res := authorizedForm(t, h, h.SaveDraft, "/api/user/quote/draft", form)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	result := decodeResult(t, res)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	var data struct {
		QuoteID int64 `json:"quote_id"`
	}
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.QuoteID != 7 {
		t.Fatalf("quote_id = %d, want 7", data.QuoteID)
	}

	if svc.saveDraftIn.TierID != 2 || len(svc.saveDraftIn.SelectedServices) != 2 {
		t.Fatalf("unexpected parsed input: %+v", svc.saveDraftIn)
	}
}

func TestSaveDraft_WithoutCookieUnauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/quote/draft", strings.NewReader("tier_id=2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.SaveDraft)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if result := decodeResult(t, res); result.Success || result.Message != "Authentication required" {
		t.Fatalf("unexpected body: %+v", result)
	}
}

func TestSaveDraft_MalformedContactPreferences(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	form := url.Values{
		"tier_id":             {"2"},
		"contact_preferences": {"{not json"},
	}

	res := authorizedForm(t, h, h.SaveDraft, "/api/user/quote/draft", form)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}

	result := decodeResult(t, res)
	if len(result.Errors["contact_preferences"]) == 0 {
		t.Fatalf("expected field error for contact_preferences, got %+v", result)
	}
}

func TestSaveDraft_NullContactPreferencesTreatedAsAbsent(t *testing.T) {
	prev := &model.ContactPreferences{Method: "email"}
	svc := &stubService{saveDraftID: 7, saveDraftPrefs: prev}
	h := newTestHandler(t, svc)

	form := url.Values{
		"tier_id":             {"2"},
		"contact_preferences": {"null"},
	}

	res := authorizedForm(t, h, h.SaveDraft, "/api/user/quote/draft", form)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.saveDraftPrefs != nil {
		t.Fatalf("null payload must reach the service as absent preferences, got %+v", svc.saveDraftPrefs)
	}
}

func TestSaveDraft_CombinesRepeatedServiceKeys(t *testing.T) {
	svc := &stubService{saveDraftID: 7}
	h := newTestHandler(t, svc)

	form := url.Values{
		"tier_id":             {"2"},
		"selected_services":   {"1", "3"},
		"selected_services[]": {"5"},
	}

	res := authorizedForm(t, h, h.SaveDraft, "/api/user/quote/draft", form)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	got := svc.saveDraftIn.SelectedServices
	want := []int64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("selected services = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selected services = %v, want %v", got, want)
		}
	}
}

func TestSubmitQuote_ValidationErrorShape(t *testing.T) {
	svc := &stubService{
		submitErr: &service.ValidationError{Fields: validation.FieldErrors{
			"email": {"email must be a valid address"},
		}},
	}
	h := newTestHandler(t, svc)

	res := authorizedForm(t, h, h.SubmitQuote, "/api/user/quote/submit", url.Values{"quote_id": {"3"}})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}

	result := decodeResult(t, res)
	if result.Success || result.Message != "Validation failed" {
		t.Fatalf("unexpected body: %+v", result)
	}
	if len(result.Errors["email"]) == 0 {
		t.Fatalf("expected field error for email, got %+v", result.Errors)
	}
}

func TestSubmitQuote_Success(t *testing.T) {
	expires := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubService{
		submitRes: &service.SubmitResult{QuoteID: 3, QuoteNumber: "Q-2026-000042", ExpiresAt: expires},
	}
	h := newTestHandler(t, svc)

	res := authorizedForm(t, h, h.SubmitQuote, "/api/user/quote/submit", url.Values{"quote_id": {"3"}})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	result := decodeResult(t, res)
	var data struct {
		QuoteID     int64  `json:"quote_id"`
		QuoteNumber string `json:"quote_number"`
		ExpiresAt   string `json:"expires_at"`
	}
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.QuoteNumber != "Q-2026-000042" {
		t.Fatalf("quote_number = %q, want Q-2026-000042", data.QuoteNumber)
	}
	if data.ExpiresAt != expires.Format(time.RFC3339) {
		t.Fatalf("expires_at = %q, want %q", data.ExpiresAt, expires.Format(time.RFC3339))
	}
}

func TestSubmitQuote_NotFoundConflation(t *testing.T) {
	svc := &stubService{submitErr: repository.ErrQuoteNotFound}
	h := newTestHandler(t, svc)

	res := authorizedForm(t, h, h.SubmitQuote, "/api/user/quote/submit", url.Values{"quote_id": {"3"}})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	result := decodeResult(t, res)
	if result.Message != "Quote not found or not in draft status" {
		t.Fatalf("message = %q, want the conflated not-found message", result.Message)
	}
}

func TestApplyDiscount_StorageRejectionVerbatim(t *testing.T) {
	svc := &stubService{
		discountRes: &repository.DiscountResult{Success: false, Message: "discount code already applied"},
	}
	h := newTestHandler(t, svc)

	form := url.Values{"quote_id": {"3"}, "discount_code": {"SUMMER-20"}}
	res := authorizedForm(t, h, h.ApplyDiscount, "/api/user/quote/discount", form)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}

	result := decodeResult(t, res)
	if result.Message != "discount code already applied" {
		t.Fatalf("message = %q, want the storage message verbatim", result.Message)
	}
}

func TestApplyDiscount_Success(t *testing.T) {
	svc := &stubService{
		discountRes: &repository.DiscountResult{Success: true, Message: "discount applied", Amount: 2500},
	}
	h := newTestHandler(t, svc)

	form := url.Values{"quote_id": {"3"}, "discount_code": {"SUMMER-20"}}
	res := authorizedForm(t, h, h.ApplyDiscount, "/api/user/quote/discount", form)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	result := decodeResult(t, res)
	var data struct {
		DiscountAmount float64 `json:"discount_amount"`
	}
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.DiscountAmount != 25 {
		t.Fatalf("discount_amount = %v, want 25", data.DiscountAmount)
	}
}

func TestCheckActiveQuote_DraftResponse(t *testing.T) {
	quoteID := int64(4)
	svc := &stubService{
		activeInfo: &model.ActiveQuoteInfo{
			Type:         model.ActiveQuoteTypeDraft,
			QuoteID:      &quoteID,
			CanCreateNew: true,
			CanContinue:  true,
		},
	}
	h := newTestHandler(t, svc)

	res := authorizedGet(t, h, h.CheckActiveQuote, "/api/user/quote/active")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	result := decodeResult(t, res)
	var data struct {
		Type         string `json:"type"`
		CanCreateNew bool   `json:"can_create_new"`
		CanContinue  bool   `json:"can_continue"`
	}
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Type != "draft" || !data.CanCreateNew || !data.CanContinue {
		t.Fatalf("unexpected payload: %+v", data)
	}
}

func TestLoadDraft_NullData(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := authorizedGet(t, h, h.LoadDraft, "/api/user/quote/draft")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	result := decodeResult(t, res)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Data) != 0 && string(result.Data) != "null" {
		t.Fatalf("expected empty data for missing draft, got %s", result.Data)
	}
}

func TestListQuotes_JSONResponse(t *testing.T) {
	number := "Q-2026-000042"
	now := time.Now().UTC()
	svc := &stubService{
		quotes: []model.QuoteSummary{
			{ID: 3, QuoteNumber: &number, Status: model.QuoteStatusSubmitted, TotalPrice: 150000, CreatedAt: now},
		},
	}
	h := newTestHandler(t, svc)

	res := authorizedGet(t, h, h.ListQuotes, "/api/user/quotes?status=submitted&limit=10&offset=20")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	if svc.listArgs.status != "submitted" || svc.listArgs.limit != 10 || svc.listArgs.offset != 20 {
		t.Fatalf("unexpected list args: %+v", svc.listArgs)
	}

	result := decodeResult(t, res)
	var data struct {
		Quotes []struct {
			ID          int64   `json:"id"`
			QuoteNumber *string `json:"quote_number"`
			Status      string  `json:"status"`
			TotalPrice  float64 `json:"total_price"`
		} `json:"quotes"`
	}
	if err := json.Unmarshal(result.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data.Quotes) != 1 || data.Quotes[0].TotalPrice != 1500 {
		t.Fatalf("unexpected quotes payload: %+v", data.Quotes)
	}
}
