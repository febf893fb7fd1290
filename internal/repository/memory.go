package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
)

// memState содержит данные in-memory хранилища. Транзакция работает с копией
// состояния и подменяет оригинал только при успешном завершении.
type memState struct {
	accounts    map[string]model.Account
	books       map[string]model.Book
	tasks       map[string][]model.BookTask
	carts       map[string][]model.CartItem
	purchased   map[string][]model.PurchasedItem
	sales       map[string][]model.Sale
	bookmarks   map[string][]model.Bookmark
	deposits    map[string][]model.Deposit
	depositRefs map[string]string
	intents     map[string]model.PaymentIntent
	settlements map[string]model.SettlementResult
}

func newMemState() *memState {
	return &memState{
		accounts:    make(map[string]model.Account),
		books:       make(map[string]model.Book),
		tasks:       make(map[string][]model.BookTask),
		carts:       make(map[string][]model.CartItem),
		purchased:   make(map[string][]model.PurchasedItem),
		sales:       make(map[string][]model.Sale),
		bookmarks:   make(map[string][]model.Bookmark),
		deposits:    make(map[string][]model.Deposit),
		depositRefs: make(map[string]string),
		intents:     make(map[string]model.PaymentIntent),
		settlements: make(map[string]model.SettlementResult),
	}
}

func cloneLists[T any](m map[string][]T) map[string][]T {
	res := make(map[string][]T, len(m))
	for k, v := range m {
		res[k] = slices.Clone(v)
	}
	return res
}

func (s *memState) clone() *memState {
	return &memState{
		accounts:    maps.Clone(s.accounts),
		books:       maps.Clone(s.books),
		tasks:       cloneLists(s.tasks),
		carts:       cloneLists(s.carts),
		purchased:   cloneLists(s.purchased),
		sales:       cloneLists(s.sales),
		bookmarks:   cloneLists(s.bookmarks),
		deposits:    cloneLists(s.deposits),
		depositRefs: maps.Clone(s.depositRefs),
		intents:     maps.Clone(s.intents),
		settlements: maps.Clone(s.settlements),
	}
}

// MemoryRepository хранит данные в памяти процесса. Используется, когда адрес БД
// не задан, и в тестах. Транзакции выполняются строго последовательно.
type MemoryRepository struct {
	mu sync.RWMutex
	st *memState
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{st: newMemState()}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// InTx выполняет fn над копией состояния и применяет её целиком при успехе.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	staged := r.st.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	r.st = staged
	return nil
}

func (r *MemoryRepository) read(fn func(st *memState)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.st)
}

func (r *MemoryRepository) write(fn func(st *memState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.st)
}

// CreateAccount создаёт новый аккаунт.
func (r *MemoryRepository) CreateAccount(_ context.Context, a *model.Account) error {
	return r.write(func(st *memState) error {
		for _, other := range st.accounts {
			if other.Login == a.Login {
				return ErrLoginExists
			}
			if a.ReferralCode != "" && other.ReferralCode == a.ReferralCode {
				return ErrReferralCodeExists
			}
		}
		if a.ReferredBy != "" {
			if _, ok := st.accounts[a.ReferredBy]; !ok {
				return ErrAccountNotFound
			}
		}
		a.CreatedAt = time.Now()
		st.accounts[a.ID] = *a
		return nil
	})
}

// GetAccount возвращает аккаунт по идентификатору.
func (r *MemoryRepository) GetAccount(_ context.Context, id string) (*model.Account, error) {
	var (
		a  model.Account
		ok bool
	)
	r.read(func(st *memState) { a, ok = st.accounts[id] })
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) findAccount(match func(model.Account) bool) (*model.Account, error) {
	var found *model.Account
	r.read(func(st *memState) {
		for _, a := range st.accounts {
			if match(a) {
				found = &a
				return
			}
		}
	})
	if found == nil {
		return nil, ErrAccountNotFound
	}
	return found, nil
}

// GetAccountByLogin возвращает аккаунт по логину.
func (r *MemoryRepository) GetAccountByLogin(_ context.Context, login string) (*model.Account, error) {
	return r.findAccount(func(a model.Account) bool { return a.Login == login })
}

// FindAccountByReferralCode возвращает аккаунт по точному совпадению реферального кода.
func (r *MemoryRepository) FindAccountByReferralCode(_ context.Context, code string) (*model.Account, error) {
	if code == "" {
		return nil, ErrAccountNotFound
	}
	return r.findAccount(func(a model.Account) bool { return a.ReferralCode == code })
}

// SetWallet задаёт баланс кошелька напрямую. Предназначен для начального наполнения.
func (r *MemoryRepository) SetWallet(_ context.Context, accountID string, balance decimal.Decimal) error {
	return r.write(func(st *memState) error {
		a, ok := st.accounts[accountID]
		if !ok {
			return ErrAccountNotFound
		}
		a.Wallet = balance
		st.accounts[accountID] = a
		return nil
	})
}

// UpdateAccountRoles заменяет роли аккаунта.
func (r *MemoryRepository) UpdateAccountRoles(_ context.Context, id string, roles model.Roles) error {
	return r.write(func(st *memState) error {
		a, ok := st.accounts[id]
		if !ok {
			return ErrAccountNotFound
		}
		a.Roles = roles
		st.accounts[id] = a
		return nil
	})
}

// UpdatePasswordHash заменяет хеш пароля аккаунта.
func (r *MemoryRepository) UpdatePasswordHash(_ context.Context, id string, hash []byte) error {
	return r.write(func(st *memState) error {
		a, ok := st.accounts[id]
		if !ok {
			return ErrAccountNotFound
		}
		a.PasswordHash = slices.Clone(hash)
		st.accounts[id] = a
		return nil
	})
}

func cloneBook(b model.Book) model.Book {
	b.Distribution.Allowed = slices.Clone(b.Distribution.Allowed)
	return b
}

// CreateBook сохраняет новую книгу.
func (r *MemoryRepository) CreateBook(_ context.Context, b *model.Book) error {
	return r.write(func(st *memState) error {
		now := time.Now()
		b.CreatedAt, b.UpdatedAt = now, now
		b.SoldCopies = 0
		st.books[b.ID] = cloneBook(*b)
		return nil
	})
}

// UpdateBook обновляет редактируемые автором поля книги. Счётчик продаж не изменяется.
func (r *MemoryRepository) UpdateBook(_ context.Context, b *model.Book) error {
	return r.write(func(st *memState) error {
		cur, ok := st.books[b.ID]
		if !ok {
			return ErrBookNotFound
		}
		cur.Title = b.Title
		cur.Description = b.Description
		cur.Price = b.Price
		cur.Distribution = b.Distribution
		cur.AssetURL = b.AssetURL
		cur.UpdatedAt = time.Now()
		st.books[b.ID] = cloneBook(cur)
		b.SoldCopies, b.UpdatedAt = cur.SoldCopies, cur.UpdatedAt
		return nil
	})
}

// GetBook возвращает книгу по идентификатору.
func (r *MemoryRepository) GetBook(_ context.Context, id string) (*model.Book, error) {
	var (
		b  model.Book
		ok bool
	)
	r.read(func(st *memState) { b, ok = st.books[id] })
	if !ok {
		return nil, ErrBookNotFound
	}
	b = cloneBook(b)
	return &b, nil
}

func (r *MemoryRepository) listBooks(match func(model.Book) bool) []model.Book {
	var res []model.Book
	r.read(func(st *memState) {
		for _, b := range st.books {
			if match(b) {
				res = append(res, cloneBook(b))
			}
		}
	})
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res
}

// ListBooks возвращает каталог, новые книги первыми.
func (r *MemoryRepository) ListBooks(_ context.Context) ([]model.Book, error) {
	return r.listBooks(func(model.Book) bool { return true }), nil
}

// ListBooksByAuthor возвращает книги автора.
func (r *MemoryRepository) ListBooksByAuthor(_ context.Context, authorID string) ([]model.Book, error) {
	return r.listBooks(func(b model.Book) bool { return b.AuthorID == authorID }), nil
}

func cloneTask(t model.BookTask) model.BookTask {
	t.Answers = slices.Clone(t.Answers)
	return t
}

// AddBookTask добавляет задание в конец списка заданий книги.
func (r *MemoryRepository) AddBookTask(_ context.Context, t *model.BookTask) error {
	return r.write(func(st *memState) error {
		if _, ok := st.books[t.BookID]; !ok {
			return ErrBookNotFound
		}
		t.CreatedAt = time.Now()
		st.tasks[t.BookID] = append(st.tasks[t.BookID], cloneTask(*t))
		return nil
	})
}

// ListBookTasks возвращает задания книги в порядке добавления вместе с ответами.
func (r *MemoryRepository) ListBookTasks(_ context.Context, bookID string) ([]model.BookTask, error) {
	var res []model.BookTask
	r.read(func(st *memState) {
		for _, t := range st.tasks[bookID] {
			res = append(res, cloneTask(t))
		}
	})
	return res, nil
}

// AddTaskAnswer сохраняет ответ читателя, заменяя его предыдущий ответ на это задание.
func (r *MemoryRepository) AddTaskAnswer(_ context.Context, bookID, taskID string, a model.TaskAnswer) error {
	return r.write(func(st *memState) error {
		tasks := st.tasks[bookID]
		i := slices.IndexFunc(tasks, func(t model.BookTask) bool { return t.ID == taskID })
		if i < 0 {
			return ErrTaskNotFound
		}

		a.UpdatedAt = time.Now()
		t := cloneTask(tasks[i])
		if j := slices.IndexFunc(t.Answers, func(x model.TaskAnswer) bool { return x.AccountID == a.AccountID }); j >= 0 {
			t.Answers[j] = a
		} else {
			t.Answers = append(t.Answers, a)
		}

		tasks = slices.Clone(tasks)
		tasks[i] = t
		st.tasks[bookID] = tasks
		return nil
	})
}

// GetCart возвращает корзину аккаунта в порядке добавления.
func (r *MemoryRepository) GetCart(_ context.Context, accountID string) ([]model.CartItem, error) {
	var items []model.CartItem
	r.read(func(st *memState) { items = slices.Clone(st.carts[accountID]) })
	return items, nil
}

// AddCartItem добавляет позицию в корзину.
func (r *MemoryRepository) AddCartItem(_ context.Context, accountID string, it model.CartItem) error {
	return r.write(func(st *memState) error {
		if _, ok := st.accounts[accountID]; !ok {
			return ErrAccountNotFound
		}
		for _, existing := range st.carts[accountID] {
			if existing.BookID == it.BookID {
				return ErrAlreadyInCart
			}
		}
		st.carts[accountID] = append(st.carts[accountID], it)
		return nil
	})
}

// RemoveCartItem удаляет книгу из корзины и сообщает, была ли она там.
func (r *MemoryRepository) RemoveCartItem(_ context.Context, accountID, bookID string) (bool, error) {
	var removed bool
	err := r.write(func(st *memState) error {
		items := st.carts[accountID]
		kept := slices.DeleteFunc(slices.Clone(items), func(it model.CartItem) bool { return it.BookID == bookID })
		removed = len(kept) != len(items)
		st.carts[accountID] = kept
		return nil
	})
	return removed, err
}

// GetPurchasedItems возвращает библиотеку покупателя.
func (r *MemoryRepository) GetPurchasedItems(_ context.Context, accountID string) ([]model.PurchasedItem, error) {
	var items []model.PurchasedItem
	r.read(func(st *memState) { items = slices.Clone(st.purchased[accountID]) })
	return items, nil
}

// UpdateReadingProgress сохраняет текущую страницу купленной книги.
func (r *MemoryRepository) UpdateReadingProgress(_ context.Context, accountID, bookID string, page int) error {
	return r.write(func(st *memState) error {
		items := slices.Clone(st.purchased[accountID])
		updated := false
		for i := range items {
			if items[i].BookID == bookID {
				items[i].CurrentPage = page
				updated = true
			}
		}
		if !updated {
			return ErrNotPurchased
		}
		st.purchased[accountID] = items
		return nil
	})
}

// AddBookmark добавляет закладку. Возвращает false, если закладка уже была.
func (r *MemoryRepository) AddBookmark(_ context.Context, accountID string, bm model.Bookmark) (bool, error) {
	var added bool
	err := r.write(func(st *memState) error {
		for _, existing := range st.bookmarks[accountID] {
			if existing.BookID == bm.BookID {
				return nil
			}
		}
		st.bookmarks[accountID] = append(st.bookmarks[accountID], bm)
		added = true
		return nil
	})
	return added, err
}

// GetBookmarks возвращает закладки аккаунта.
func (r *MemoryRepository) GetBookmarks(_ context.Context, accountID string) ([]model.Bookmark, error) {
	var res []model.Bookmark
	r.read(func(st *memState) { res = slices.Clone(st.bookmarks[accountID]) })
	slices.Reverse(res)
	return res, nil
}

// GetSales возвращает журнал продаж автора, последние продажи первыми.
func (r *MemoryRepository) GetSales(_ context.Context, authorID string) ([]model.Sale, error) {
	var res []model.Sale
	r.read(func(st *memState) { res = slices.Clone(st.sales[authorID]) })
	slices.Reverse(res)
	return res, nil
}

// GetDeposits возвращает историю пополнений кошелька.
func (r *MemoryRepository) GetDeposits(_ context.Context, accountID string) ([]model.Deposit, error) {
	var res []model.Deposit
	r.read(func(st *memState) { res = slices.Clone(st.deposits[accountID]) })
	slices.Reverse(res)
	return res, nil
}

// CreatePaymentIntent сохраняет ожидаемый платёж со снимком корзины.
func (r *MemoryRepository) CreatePaymentIntent(_ context.Context, p *model.PaymentIntent) error {
	return r.write(func(st *memState) error {
		if _, ok := st.intents[p.Reference]; ok {
			return ErrIntentExists
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		p.UpdatedAt = p.CreatedAt
		stored := *p
		stored.Items = slices.Clone(p.Items)
		st.intents[p.Reference] = stored
		return nil
	})
}

// GetPaymentIntent возвращает ожидаемый платёж по ссылке.
func (r *MemoryRepository) GetPaymentIntent(_ context.Context, reference string) (*model.PaymentIntent, error) {
	var (
		p  model.PaymentIntent
		ok bool
	)
	r.read(func(st *memState) { p, ok = st.intents[reference] })
	if !ok {
		return nil, ErrIntentNotFound
	}
	p.Items = slices.Clone(p.Items)
	return &p, nil
}

// ListPendingIntents возвращает ожидающие платежи, созданные раньше before.
func (r *MemoryRepository) ListPendingIntents(_ context.Context, before time.Time, limit int) ([]model.PaymentIntent, error) {
	var res []model.PaymentIntent
	r.read(func(st *memState) {
		for _, p := range st.intents {
			if p.Status == model.IntentStatusPending && p.CreatedAt.Before(before) {
				p.Items = slices.Clone(p.Items)
				res = append(res, p)
			}
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// HasPendingIntent сообщает, есть ли у покупателя ожидающий платёж заданного вида, созданный после since.
func (r *MemoryRepository) HasPendingIntent(_ context.Context, buyerID string, kind model.IntentKind, since time.Time) (bool, error) {
	var found bool
	r.read(func(st *memState) {
		for _, p := range st.intents {
			if p.BuyerID == buyerID && p.Kind == kind && p.Status == model.IntentStatusPending && p.CreatedAt.After(since) {
				found = true
				return
			}
		}
	})
	return found, nil
}

// memTx реализует Tx над копией состояния.
type memTx struct {
	st *memState
}

func (t *memTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (t *memTx) CreditWallet(_ context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	a.Wallet = a.Wallet.Add(amount)
	t.st.accounts[accountID] = a
	return a.Wallet, nil
}

func (t *memTx) DebitWallet(_ context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	if a.Wallet.LessThan(amount) {
		return decimal.Zero, ErrInsufficientBalance
	}
	a.Wallet = a.Wallet.Sub(amount)
	t.st.accounts[accountID] = a
	return a.Wallet, nil
}

func (t *memTx) IncrementSoldCopies(_ context.Context, bookID string) error {
	b, ok := t.st.books[bookID]
	if !ok {
		return ErrBookNotFound
	}
	b.SoldCopies++
	t.st.books[bookID] = b
	return nil
}

func (t *memTx) AppendPurchasedItem(_ context.Context, accountID string, it model.PurchasedItem) error {
	if _, ok := t.st.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	t.st.purchased[accountID] = append(t.st.purchased[accountID], it)
	return nil
}

func (t *memTx) AppendSale(_ context.Context, s model.Sale) error {
	t.st.sales[s.AuthorID] = append(t.st.sales[s.AuthorID], s)
	return nil
}

func (t *memTx) RemoveCartItems(_ context.Context, accountID string, bookIDs []string) error {
	t.st.carts[accountID] = slices.DeleteFunc(t.st.carts[accountID], func(it model.CartItem) bool {
		return slices.Contains(bookIDs, it.BookID)
	})
	return nil
}

func (t *memTx) GetSettlement(_ context.Context, reference string) (*model.SettlementResult, error) {
	res, ok := t.st.settlements[reference]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	res.Credits = slices.Clone(res.Credits)
	res.Warnings = slices.Clone(res.Warnings)
	return &res, nil
}

func (t *memTx) SaveSettlement(_ context.Context, res *model.SettlementResult) error {
	stored := *res
	stored.Credits = slices.Clone(res.Credits)
	stored.Warnings = slices.Clone(res.Warnings)
	t.st.settlements[res.Reference] = stored
	return nil
}

func (t *memTx) AddDeposit(_ context.Context, accountID string, d model.Deposit) (bool, error) {
	if _, ok := t.st.depositRefs[d.Reference]; ok {
		return false, nil
	}
	t.st.depositRefs[d.Reference] = accountID
	t.st.deposits[accountID] = append(t.st.deposits[accountID], d)
	return true, nil
}

func (t *memTx) GetPaymentIntent(_ context.Context, reference string) (*model.PaymentIntent, error) {
	p, ok := t.st.intents[reference]
	if !ok {
		return nil, ErrIntentNotFound
	}
	p.Items = slices.Clone(p.Items)
	return &p, nil
}

func (t *memTx) SetPaymentIntentStatus(_ context.Context, reference string, status model.IntentStatus) error {
	p, ok := t.st.intents[reference]
	if !ok {
		return ErrIntentNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	t.st.intents[reference] = p
	return nil
}
