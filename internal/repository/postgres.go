package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// retryDelays задаёт паузы между повторами транзакции при конфликте сериализации.
var retryDelays = []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в сериализуемой транзакции. При конфликте сериализации или
// взаимной блокировке транзакция повторяется целиком; после исчерпания повторов
// возвращается ErrConflict.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(Tx) error) error {
	err := withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{q: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if isRetryable(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) && !isConnectionError(err) {
			return err
		}

		if i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateAccount создаёт новый аккаунт.
func (r *PostgresRepository) CreateAccount(ctx context.Context, a *model.Account) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, login, password_hash, referral_code, referred_by, is_customer, is_author)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		a.ID, a.Login, a.PasswordHash, nullable(a.ReferralCode), nullable(a.ReferredBy), a.Roles.Customer, a.Roles.Author,
	).Scan(&a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "accounts_login_key") {
			return fmt.Errorf("%w: %s", ErrLoginExists, a.Login)
		}
		if isUniqueViolation(err, "accounts_referral_code_key") {
			return ErrReferralCodeExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

const accountColumns = `id, login, password_hash, wallet, referral_code, referred_by, is_customer, is_author, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a            model.Account
		walletCents  int64
		referralCode *string
		referredBy   *string
	)
	err := row.Scan(&a.ID, &a.Login, &a.PasswordHash, &walletCents, &referralCode, &referredBy,
		&a.Roles.Customer, &a.Roles.Author, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Wallet = fromCents(walletCents)
	if referralCode != nil {
		a.ReferralCode = *referralCode
	}
	if referredBy != nil {
		a.ReferredBy = *referredBy
	}
	return &a, nil
}

func getAccount(ctx context.Context, q querier, id string) (*model.Account, error) {
	return scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetAccount возвращает аккаунт по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, r.pool, id)
}

// GetAccountByLogin возвращает аккаунт по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE login = $1`, login))
}

// FindAccountByReferralCode возвращает аккаунт по точному совпадению реферального кода.
func (r *PostgresRepository) FindAccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code))
}

// UpdateAccountRoles заменяет роли аккаунта.
func (r *PostgresRepository) UpdateAccountRoles(ctx context.Context, id string, roles model.Roles) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET is_customer = $2, is_author = $3 WHERE id = $1`,
		id, roles.Customer, roles.Author,
	)
	if err != nil {
		return fmt.Errorf("update account roles: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdatePasswordHash заменяет хеш пароля аккаунта.
func (r *PostgresRepository) UpdatePasswordHash(ctx context.Context, id string, hash []byte) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CreateBook сохраняет новую книгу.
func (r *PostgresRepository) CreateBook(ctx context.Context, b *model.Book) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO books (id, author_id, title, description, pages, price, distribution, allowed_distributors, asset_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING sold_copies, created_at, updated_at`,
		b.ID, b.AuthorID, b.Title, b.Description, b.Pages, toCents(b.Price),
		string(b.Distribution.Kind), allowedList(b.Distribution), b.AssetURL,
	).Scan(&b.SoldCopies, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create book: %w", err)
	}
	return nil
}

// UpdateBook обновляет редактируемые автором поля книги. Счётчик продаж не изменяется.
func (r *PostgresRepository) UpdateBook(ctx context.Context, b *model.Book) error {
	err := r.pool.QueryRow(ctx,
		`UPDATE books
		 SET title = $2, description = $3, price = $4, distribution = $5, allowed_distributors = $6,
		     asset_url = $7, updated_at = now()
		 WHERE id = $1
		 RETURNING sold_copies, updated_at`,
		b.ID, b.Title, b.Description, toCents(b.Price), string(b.Distribution.Kind), allowedList(b.Distribution), b.AssetURL,
	).Scan(&b.SoldCopies, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBookNotFound
		}
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}

func allowedList(p model.DistributionPolicy) []string {
	if p.Kind != model.DistributionRestricted || p.Allowed == nil {
		return []string{}
	}
	return p.Allowed
}

const bookColumns = `id, author_id, title, description, pages, price, sold_copies, distribution, allowed_distributors, asset_url, created_at, updated_at`

func scanBook(row pgx.Row) (*model.Book, error) {
	var (
		b          model.Book
		priceCents int64
		kind       string
		allowed    []string
	)
	err := row.Scan(&b.ID, &b.AuthorID, &b.Title, &b.Description, &b.Pages, &priceCents, &b.SoldCopies,
		&kind, &allowed, &b.AssetURL, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	b.Price = fromCents(priceCents)
	policy, err := model.ParseDistributionPolicy(kind, allowed)
	if err != nil {
		return nil, fmt.Errorf("book %s: %w", b.ID, err)
	}
	b.Distribution = policy
	return &b, nil
}

func (r *PostgresRepository) queryBooks(ctx context.Context, sql string, args ...any) ([]model.Book, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return books, nil
}

// GetBook возвращает книгу по идентификатору.
func (r *PostgresRepository) GetBook(ctx context.Context, id string) (*model.Book, error) {
	return scanBook(r.pool.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
}

// ListBooks возвращает каталог, новые книги первыми.
func (r *PostgresRepository) ListBooks(ctx context.Context) ([]model.Book, error) {
	return r.queryBooks(ctx, `SELECT `+bookColumns+` FROM books ORDER BY created_at DESC`)
}

// ListBooksByAuthor возвращает книги автора.
func (r *PostgresRepository) ListBooksByAuthor(ctx context.Context, authorID string) ([]model.Book, error) {
	return r.queryBooks(ctx, `SELECT `+bookColumns+` FROM books WHERE author_id = $1 ORDER BY created_at DESC`, authorID)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// AddBookTask добавляет задание в конец списка заданий книги.
func (r *PostgresRepository) AddBookTask(ctx context.Context, t *model.BookTask) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO book_tasks (id, book_id, task) VALUES ($1, $2, $3) RETURNING created_at`,
		t.ID, t.BookID, t.Task,
	).Scan(&t.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrBookNotFound
		}
		return fmt.Errorf("insert book task: %w", err)
	}
	return nil
}

// ListBookTasks возвращает задания книги в порядке добавления вместе с ответами.
func (r *PostgresRepository) ListBookTasks(ctx context.Context, bookID string) ([]model.BookTask, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, book_id, task, created_at FROM book_tasks WHERE book_id = $1 ORDER BY seq`,
		bookID,
	)
	if err != nil {
		return nil, fmt.Errorf("select book tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.BookTask
	index := make(map[string]int)
	for rows.Next() {
		var t model.BookTask
		if err := rows.Scan(&t.ID, &t.BookID, &t.Task, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan book task: %w", err)
		}
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	answers, err := r.pool.Query(ctx,
		`SELECT a.task_id, a.account_id, a.answer, a.updated_at
		 FROM task_answers a
		 JOIN book_tasks t ON t.id = a.task_id
		 WHERE t.book_id = $1
		 ORDER BY a.updated_at, a.account_id`,
		bookID,
	)
	if err != nil {
		return nil, fmt.Errorf("select task answers: %w", err)
	}
	defer answers.Close()

	for answers.Next() {
		var (
			taskID string
			a      model.TaskAnswer
		)
		if err := answers.Scan(&taskID, &a.AccountID, &a.Answer, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task answer: %w", err)
		}
		if i, ok := index[taskID]; ok {
			tasks[i].Answers = append(tasks[i].Answers, a)
		}
	}
	if err := answers.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tasks, nil
}

// AddTaskAnswer сохраняет ответ читателя, заменяя его предыдущий ответ на это задание.
func (r *PostgresRepository) AddTaskAnswer(ctx context.Context, bookID, taskID string, a model.TaskAnswer) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO task_answers (task_id, account_id, answer)
		 SELECT id, $3, $4 FROM book_tasks WHERE id = $1 AND book_id = $2
		 ON CONFLICT (task_id, account_id) DO UPDATE SET answer = EXCLUDED.answer, updated_at = now()`,
		taskID, bookID, a.AccountID, a.Answer,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("upsert task answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// GetCart возвращает корзину аккаунта в порядке добавления.
func (r *PostgresRepository) GetCart(ctx context.Context, accountID string) ([]model.CartItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT book_id, author_id, title, pages, price, referral_code, referrer_id, added_at
		 FROM cart_items
		 WHERE account_id = $1
		 ORDER BY added_at, book_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart: %w", err)
	}
	defer rows.Close()

	var items []model.CartItem
	for rows.Next() {
		var (
			it         model.CartItem
			priceCents int64
		)
		if err := rows.Scan(&it.BookID, &it.AuthorID, &it.Title, &it.Pages, &priceCents,
			&it.ReferralCode, &it.ReferrerID, &it.AddedAt); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		it.Price = fromCents(priceCents)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// AddCartItem добавляет позицию в корзину.
func (r *PostgresRepository) AddCartItem(ctx context.Context, accountID string, it model.CartItem) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cart_items (account_id, book_id, author_id, title, pages, price, referral_code, referrer_id, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		accountID, it.BookID, it.AuthorID, it.Title, it.Pages, toCents(it.Price), it.ReferralCode, it.ReferrerID, it.AddedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrAlreadyInCart
		}
		return fmt.Errorf("insert cart item: %w", err)
	}
	return nil
}

// RemoveCartItem удаляет книгу из корзины и сообщает, была ли она там.
func (r *PostgresRepository) RemoveCartItem(ctx context.Context, accountID, bookID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cart_items WHERE account_id = $1 AND book_id = $2`, accountID, bookID)
	if err != nil {
		return false, fmt.Errorf("delete cart item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPurchasedItems возвращает библиотеку покупателя.
func (r *PostgresRepository) GetPurchasedItems(ctx context.Context, accountID string) ([]model.PurchasedItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT book_id, title, pages, current_page, purchased_at
		 FROM purchased_items
		 WHERE account_id = $1
		 ORDER BY id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchased items: %w", err)
	}
	defer rows.Close()

	var items []model.PurchasedItem
	for rows.Next() {
		var it model.PurchasedItem
		if err := rows.Scan(&it.BookID, &it.Title, &it.Pages, &it.CurrentPage, &it.PurchasedAt); err != nil {
			return nil, fmt.Errorf("scan purchased item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// UpdateReadingProgress сохраняет текущую страницу купленной книги.
func (r *PostgresRepository) UpdateReadingProgress(ctx context.Context, accountID, bookID string, page int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE purchased_items SET current_page = $3 WHERE account_id = $1 AND book_id = $2`,
		accountID, bookID, page,
	)
	if err != nil {
		return fmt.Errorf("update reading progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPurchased
	}
	return nil
}

// AddBookmark добавляет закладку. Возвращает false, если закладка уже была.
func (r *PostgresRepository) AddBookmark(ctx context.Context, accountID string, bm model.Bookmark) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO bookmarks (account_id, book_id, title, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, book_id) DO NOTHING`,
		accountID, bm.BookID, bm.Title, bm.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert bookmark: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetBookmarks возвращает закладки аккаунта.
func (r *PostgresRepository) GetBookmarks(ctx context.Context, accountID string) ([]model.Bookmark, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT book_id, title, created_at FROM bookmarks WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select bookmarks: %w", err)
	}
	defer rows.Close()

	var res []model.Bookmark
	for rows.Next() {
		var bm model.Bookmark
		if err := rows.Scan(&bm.BookID, &bm.Title, &bm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		res = append(res, bm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetSales возвращает журнал продаж автора.
func (r *PostgresRepository) GetSales(ctx context.Context, authorID string) ([]model.Sale, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, author_id, book_id, buyer_id, title, price, sold_at, attributes
		 FROM sales
		 WHERE author_id = $1
		 ORDER BY sold_at DESC`,
		authorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sales: %w", err)
	}
	defer rows.Close()

	var res []model.Sale
	for rows.Next() {
		var (
			s          model.Sale
			priceCents int64
			attrs      []byte
		)
		if err := rows.Scan(&s.ID, &s.AuthorID, &s.BookID, &s.BuyerID, &s.Title, &priceCents, &s.SoldAt, &attrs); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		if err := json.Unmarshal(attrs, &s.Attributes); err != nil {
			return nil, fmt.Errorf("decode sale attributes: %w", err)
		}
		s.Price = fromCents(priceCents)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetDeposits возвращает историю пополнений кошелька.
func (r *PostgresRepository) GetDeposits(ctx context.Context, accountID string) ([]model.Deposit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT reference, amount, created_at FROM deposits WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select deposits: %w", err)
	}
	defer rows.Close()

	var res []model.Deposit
	for rows.Next() {
		var (
			d           model.Deposit
			amountCents int64
		)
		if err := rows.Scan(&d.Reference, &amountCents, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		d.Amount = fromCents(amountCents)
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreatePaymentIntent сохраняет ожидаемый платёж со снимком корзины.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, p *model.PaymentIntent) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return fmt.Errorf("encode intent items: %w", err)
	}
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return fmt.Errorf("encode intent attributes: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO payment_intents (reference, buyer_id, kind, amount, items, attributes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		p.Reference, p.BuyerID, string(p.Kind), toCents(p.Amount), items, attrs, string(p.Status),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrIntentExists
		}
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

const intentColumns = `reference, buyer_id, kind, amount, items, attributes, status, created_at, updated_at`

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var (
		p           model.PaymentIntent
		kind        string
		status      string
		amountCents int64
		items       []byte
		attrs       []byte
	)
	err := row.Scan(&p.Reference, &p.BuyerID, &kind, &amountCents, &items, &attrs, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("scan payment intent: %w", err)
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return nil, fmt.Errorf("decode intent items: %w", err)
	}
	if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
		return nil, fmt.Errorf("decode intent attributes: %w", err)
	}
	p.Kind = model.IntentKind(kind)
	p.Status = model.IntentStatus(status)
	p.Amount = fromCents(amountCents)
	return &p, nil
}

// GetPaymentIntent возвращает ожидаемый платёж по ссылке.
func (r *PostgresRepository) GetPaymentIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	return scanIntent(r.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference))
}

// ListPendingIntents возвращает ожидающие платежи, созданные раньше before.
func (r *PostgresRepository) ListPendingIntents(ctx context.Context, before time.Time, limit int) ([]model.PaymentIntent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+intentColumns+`
		 FROM payment_intents
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.IntentStatusPending), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending intents: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// HasPendingIntent сообщает, есть ли у покупателя ожидающий платёж заданного вида, созданный после since.
func (r *PostgresRepository) HasPendingIntent(ctx context.Context, buyerID string, kind model.IntentKind, since time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM payment_intents
			WHERE buyer_id = $1 AND kind = $2 AND status = $3 AND created_at > $4
		)`,
		buyerID, string(kind), string(model.IntentStatusPending), since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending intents: %w", err)
	}
	return exists, nil
}

// pgTx реализует Tx поверх транзакции pgx.
type pgTx struct {
	q querier
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.q, id)
}

func (t *pgTx) CreditWallet(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance int64
	err := t.q.QueryRow(ctx,
		`UPDATE accounts SET wallet = wallet + $2 WHERE id = $1 RETURNING wallet`,
		accountID, toCents(amount),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("credit wallet: %w", err)
	}
	return fromCents(balance), nil
}

func (t *pgTx) DebitWallet(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance int64
	err := t.q.QueryRow(ctx,
		`UPDATE accounts SET wallet = wallet - $2 WHERE id = $1 AND wallet >= $2 RETURNING wallet`,
		accountID, toCents(amount),
	).Scan(&balance)
	if err == nil {
		return fromCents(balance), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("debit wallet: %w", err)
	}

	// Строка не обновлена: либо аккаунта нет, либо не хватает средств.
	if _, err := getAccount(ctx, t.q, accountID); err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, ErrInsufficientBalance
}

func (t *pgTx) IncrementSoldCopies(ctx context.Context, bookID string) error {
	tag, err := t.q.Exec(ctx, `UPDATE books SET sold_copies = sold_copies + 1 WHERE id = $1`, bookID)
	if err != nil {
		return fmt.Errorf("increment sold copies: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

func (t *pgTx) AppendPurchasedItem(ctx context.Context, accountID string, it model.PurchasedItem) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO purchased_items (account_id, book_id, title, pages, current_page, purchased_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		accountID, it.BookID, it.Title, it.Pages, it.CurrentPage, it.PurchasedAt,
	)
	if err != nil {
		return fmt.Errorf("insert purchased item: %w", err)
	}
	return nil
}

func (t *pgTx) AppendSale(ctx context.Context, s model.Sale) error {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return fmt.Errorf("encode sale attributes: %w", err)
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO sales (id, author_id, book_id, buyer_id, title, price, sold_at, attributes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.AuthorID, s.BookID, s.BuyerID, s.Title, toCents(s.Price), s.SoldAt, attrs,
	)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveCartItems(ctx context.Context, accountID string, bookIDs []string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM cart_items WHERE account_id = $1 AND book_id = ANY($2)`, accountID, bookIDs)
	if err != nil {
		return fmt.Errorf("remove cart items: %w", err)
	}
	return nil
}

func (t *pgTx) GetSettlement(ctx context.Context, reference string) (*model.SettlementResult, error) {
	var raw []byte
	err := t.q.QueryRow(ctx, `SELECT result FROM settlements WHERE reference = $1`, reference).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("select settlement: %w", err)
	}

	var res model.SettlementResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	return &res, nil
}

func (t *pgTx) SaveSettlement(ctx context.Context, res *model.SettlementResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO settlements (reference, buyer_id, result, created_at) VALUES ($1, $2, $3, $4)`,
		res.Reference, res.BuyerID, raw, res.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (t *pgTx) AddDeposit(ctx context.Context, accountID string, d model.Deposit) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO deposits (reference, account_id, amount, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (reference) DO NOTHING`,
		d.Reference, accountID, toCents(d.Amount), d.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert deposit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetPaymentIntent(ctx context.Context, reference string) (*model.PaymentIntent, error) {
	return scanIntent(t.q.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference))
}

func (t *pgTx) SetPaymentIntentStatus(ctx context.Context, reference string, status model.IntentStatus) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE payment_intents SET status = $2, updated_at = now() WHERE reference = $1`,
		reference, string(status),
	)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}
