// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/quoteflow-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrQuoteNotFound возвращается, если предложение не существует или принадлежит другому пользователю.
	ErrQuoteNotFound = errors.New("quote not found")
	// ErrNotDraft возвращается при попытке изменить предложение не в статусе черновика.
	ErrNotDraft = errors.New("quote is not in draft status")
	// ErrQuoteIncomplete возвращается при отправке черновика без тарифа или уровня.
	ErrQuoteIncomplete = errors.New("quote is missing tier or level")
	// ErrDraftConflict возвращается, если параллельная вставка уже создала черновик пользователя.
	ErrDraftConflict = errors.New("draft already exists for user")
)

// Ключ настройки срока действия предложения в таблице app_settings.
const expiryDaysSettingKey = "quote_expiry_days"

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock; переподключение pgxpool берёт на себя.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// DraftData содержит изменяемые поля черновика предложения.
type DraftData struct {
	TierID             int64
	LevelID            *int64
	SelectedServices   []int64
	Notes              string
	ContactPreferences *model.ContactPreferences
	Metadata           map[string]string
}

const quoteColumns = `id, user_id, status, tier_id, level_id, selected_services,
	 base_price, services_price, discount_amount, tax_amount, total_price,
	 notes, contact_preferences, metadata, pricing_stale, quote_number,
	 submitted_at, expires_at, reviewed_at, created_at, updated_at`

func scanQuote(row pgx.Row) (*model.Quote, error) {
	var q model.Quote
	err := row.Scan(
		&q.ID, &q.UserID, &q.Status, &q.TierID, &q.LevelID, &q.SelectedServices,
		&q.BasePrice, &q.ServicesPrice, &q.DiscountAmount, &q.TaxAmount, &q.TotalPrice,
		&q.Notes, &q.ContactPreferences, &q.Metadata, &q.PricingStale, &q.QuoteNumber,
		&q.SubmittedAt, &q.ExpiresAt, &q.ReviewedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// FindDraftByUser возвращает самый свежий черновик пользователя.
func (r *PostgresRepository) FindDraftByUser(ctx context.Context, userID int64) (*model.Quote, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+quoteColumns+`
		 FROM user_quotes
		 WHERE user_id = $1 AND status = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, string(model.QuoteStatusDraft),
	)

	q, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("find draft: %w", err)
	}

	return q, nil
}

// GetQuoteForUser возвращает предложение по идентификатору с проверкой владельца.
func (r *PostgresRepository) GetQuoteForUser(ctx context.Context, quoteID, userID int64) (*model.Quote, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+quoteColumns+`
		 FROM user_quotes
		 WHERE id = $1 AND user_id = $2`,
		quoteID, userID,
	)

	q, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("get quote: %w", err)
	}

	return q, nil
}

// CreateDraft создаёт черновик предложения. Частичный уникальный индекс
// превращает проигранную гонку вставки в ErrDraftConflict.
func (r *PostgresRepository) CreateDraft(ctx context.Context, userID int64, data DraftData) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO user_quotes
		     (user_id, status, tier_id, level_id, selected_services, notes, contact_preferences, metadata, pricing_stale)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		 RETURNING id`,
		userID, string(model.QuoteStatusDraft),
		data.TierID, data.LevelID, data.SelectedServices, data.Notes,
		data.ContactPreferences, data.Metadata,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, ErrDraftConflict
		}
		return 0, fmt.Errorf("insert draft: %w", err)
	}
	return id, nil
}

// UpdateDraft обновляет черновик на месте. Денежные поля не трогает,
// но помечает предложение ожидающим пересчёта стоимости.
func (r *PostgresRepository) UpdateDraft(ctx context.Context, quoteID, userID int64, data DraftData) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE user_quotes
		 SET tier_id = $3,
		     level_id = $4,
		     selected_services = $5,
		     notes = $6,
		     contact_preferences = $7,
		     pricing_stale = TRUE,
		     updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND status = $8`,
		quoteID, userID,
		data.TierID, data.LevelID, data.SelectedServices, data.Notes,
		data.ContactPreferences,
		string(model.QuoteStatusDraft),
	)
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// SubmitData содержит параметры перевода черновика в статус submitted.
type SubmitData struct {
	QuoteID     int64
	UserID      int64
	SubmittedAt time.Time
	ExpiresAt   time.Time
	Contact     map[string]string
}

// SubmitQuote переводит черновик в статус submitted в одной транзакции:
// проверка владельца и статуса, генерация номера, установка сроков.
func (r *PostgresRepository) SubmitQuote(ctx context.Context, data SubmitData) (string, error) {
	var quoteNumber string

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		var tierID, levelID *int64
		err = tx.QueryRow(ctx,
			`SELECT status, tier_id, level_id FROM user_quotes WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			data.QuoteID, data.UserID,
		).Scan(&status, &tierID, &levelID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrQuoteNotFound
			}
			return fmt.Errorf("lock quote: %w", err)
		}

		if status != string(model.QuoteStatusDraft) {
			return ErrNotDraft
		}
		if tierID == nil || levelID == nil {
			return ErrQuoteIncomplete
		}

		err = tx.QueryRow(ctx,
			`UPDATE user_quotes
			 SET status = $2,
			     quote_number = 'Q-' || to_char($3::timestamptz, 'YYYY') || '-' || lpad(nextval('quote_number_seq')::text, 6, '0'),
			     submitted_at = $3,
			     expires_at = $4,
			     metadata = metadata || $5,
			     updated_at = now()
			 WHERE id = $1
			 RETURNING quote_number`,
			data.QuoteID, string(model.QuoteStatusSubmitted),
			data.SubmittedAt, data.ExpiresAt, data.Contact,
		).Scan(&quoteNumber)
		if err != nil {
			return fmt.Errorf("submit quote: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return "", err
	}

	return quoteNumber, nil
}

// DiscountResult описывает результат хранимой процедуры применения скидки.
type DiscountResult struct {
	Success bool
	Message string
	Amount  int64
}

// ApplyDiscount атомарно проверяет и применяет код скидки на стороне БД.
func (r *PostgresRepository) ApplyDiscount(ctx context.Context, quoteID int64, code string) (*DiscountResult, error) {
	var res DiscountResult

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT success, message, amount FROM apply_discount_to_quote($1, $2)`,
			quoteID, code,
		).Scan(&res.Success, &res.Message, &res.Amount)
	})
	if err != nil {
		return nil, fmt.Errorf("apply discount: %w", err)
	}

	return &res, nil
}

// UpdateQuoteTotals записывает пересчитанные денежные поля и снимает
// отметку об устаревшей стоимости. Единственная точка записи этих полей.
func (r *PostgresRepository) UpdateQuoteTotals(ctx context.Context, quoteID int64, t model.Totals) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE user_quotes
		 SET base_price = $2,
		     services_price = $3,
		     discount_amount = $4,
		     tax_amount = $5,
		     total_price = $6,
		     pricing_stale = FALSE,
		     updated_at = now()
		 WHERE id = $1`,
		quoteID, t.BasePrice, t.ServicesPrice, t.DiscountAmount, t.TaxAmount, t.TotalPrice,
	)
	if err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// GetStaleQuotes возвращает предложения, ожидающие пересчёта стоимости.
func (r *PostgresRepository) GetStaleQuotes(ctx context.Context, limit int) ([]model.Quote, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+quoteColumns+`
		 FROM user_quotes
		 WHERE pricing_stale AND status IN ($1, $2)
		 ORDER BY updated_at
		 LIMIT $3`,
		string(model.QuoteStatusDraft), string(model.QuoteStatusSubmitted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale quotes: %w", err)
	}
	defer rows.Close()

	var res []model.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		res = append(res, *q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetDraftView возвращает черновик пользователя с названиями тарифа и уровня.
func (r *PostgresRepository) GetDraftView(ctx context.Context, userID int64) (*model.DraftView, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT q.id, q.user_id, q.status, q.tier_id, q.level_id, q.selected_services,
		        q.base_price, q.services_price, q.discount_amount, q.tax_amount, q.total_price,
		        q.notes, q.contact_preferences, q.metadata, q.pricing_stale, q.quote_number,
		        q.submitted_at, q.expires_at, q.reviewed_at, q.created_at, q.updated_at,
		        t.name, l.name
		 FROM user_quotes q
		 LEFT JOIN pricing_tiers t ON t.id = q.tier_id
		 LEFT JOIN pricing_levels l ON l.id = q.level_id
		 WHERE q.user_id = $1 AND q.status = $2
		 ORDER BY q.created_at DESC
		 LIMIT 1`,
		userID, string(model.QuoteStatusDraft),
	)

	var v model.DraftView
	err := row.Scan(
		&v.ID, &v.UserID, &v.Status, &v.TierID, &v.LevelID, &v.SelectedServices,
		&v.BasePrice, &v.ServicesPrice, &v.DiscountAmount, &v.TaxAmount, &v.TotalPrice,
		&v.Notes, &v.ContactPreferences, &v.Metadata, &v.PricingStale, &v.QuoteNumber,
		&v.SubmittedAt, &v.ExpiresAt, &v.ReviewedAt, &v.CreatedAt, &v.UpdatedAt,
		&v.TierName, &v.LevelName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("get draft view: %w", err)
	}

	return &v, nil
}

// FindSubmittedByUser возвращает последнее отправленное предложение пользователя.
func (r *PostgresRepository) FindSubmittedByUser(ctx context.Context, userID int64) (*model.Quote, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+quoteColumns+`
		 FROM user_quotes
		 WHERE user_id = $1 AND status = $2
		 ORDER BY submitted_at DESC
		 LIMIT 1`,
		userID, string(model.QuoteStatusSubmitted),
	)

	q, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("find submitted quote: %w", err)
	}

	return q, nil
}

// ListQuotesByUser возвращает страницу предложений пользователя с данными каталога.
// Пустой status означает все статусы.
func (r *PostgresRepository) ListQuotesByUser(ctx context.Context, userID int64, status string, limit, offset int) ([]model.QuoteSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT q.id, q.quote_number, q.status, q.total_price,
		        t.name, l.name,
		        q.created_at, q.submitted_at, q.expires_at
		 FROM user_quotes q
		 LEFT JOIN pricing_tiers t ON t.id = q.tier_id
		 LEFT JOIN pricing_levels l ON l.id = q.level_id
		 WHERE q.user_id = $1 AND ($2 = '' OR q.status = $2)
		 ORDER BY q.created_at DESC
		 LIMIT $3 OFFSET $4`,
		userID, status, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select quotes: %w", err)
	}
	defer rows.Close()

	var res []model.QuoteSummary
	for rows.Next() {
		var s model.QuoteSummary
		err := rows.Scan(
			&s.ID, &s.QuoteNumber, &s.Status, &s.TotalPrice,
			&s.TierName, &s.LevelName,
			&s.CreatedAt, &s.SubmittedAt, &s.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan quote summary: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetExpiryDays возвращает срок действия предложения из таблицы настроек.
// Нулевое значение означает, что настройка не задана.
func (r *PostgresRepository) GetExpiryDays(ctx context.Context) (int, error) {
	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM app_settings WHERE key = $1`,
		expiryDaysSettingKey,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get expiry setting: %w", err)
	}

	days, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse expiry setting %q: %w", value, err)
	}

	return days, nil
}

// ExpireOverdueQuotes переводит просроченные отправленные предложения в статус expired.
func (r *PostgresRepository) ExpireOverdueQuotes(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE user_quotes
		 SET status = $1, updated_at = now()
		 WHERE status = $2 AND expires_at IS NOT NULL AND expires_at < now()`,
		string(model.QuoteStatusExpired), string(model.QuoteStatusSubmitted),
	)
	if err != nil {
		return 0, fmt.Errorf("expire quotes: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
