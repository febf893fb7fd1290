package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/metrics"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/validation"
)

var (
	// ErrInvalidRequest возвращается для некорректного запроса до любых изменений.
	ErrInvalidRequest = errors.New("invalid settlement request")
	// ErrAmountMismatch возвращается, если оплаченная сумма не совпадает с суммой позиций.
	ErrAmountMismatch = errors.New("paid amount does not match items total")
	// ErrReferenceTaken возвращается, если платёжная ссылка уже проведена для другого покупателя.
	ErrReferenceTaken = errors.New("payment reference already used by another buyer")
)

// Store описывает транзакционное хранилище, над которым работает Engine.
type Store interface {
	InTx(ctx context.Context, fn func(repository.Tx) error) error
}

// Request описывает подтверждённую оплату.
type Request struct {
	// Reference служит ключом идемпотентности.
	Reference  string
	BuyerID    string
	Items      []model.CartItem
	Attributes model.BuyerAttributes
	// ExpectedTotal, если задан, должен совпасть с суммой цен позиций.
	ExpectedTotal *decimal.Decimal
	// SettleIntent помечает ожидаемый платёж с той же ссылкой как проведённый в той же транзакции.
	SettleIntent bool
}

// DepositResult содержит итог пополнения кошелька.
type DepositResult struct {
	Reference string          `json:"reference"`
	Balance   decimal.Decimal `json:"balance"`
	Duplicate bool            `json:"duplicate"`
}

// Engine проводит оплаты. Все изменения одной оплаты выполняются в одной
// транзакции хранилища, повторный вызов с той же ссылкой ничего не меняет.
type Engine struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine создаёт Engine.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Settle проводит оплату, подтверждённую платёжным шлюзом.
func (e *Engine) Settle(ctx context.Context, req Request) (*model.SettlementResult, error) {
	return e.run(ctx, req, model.PaymentMethodGateway)
}

// PayWithWallet списывает сумму позиций с кошелька покупателя и проводит оплату.
// При нехватке средств возвращает repository.ErrInsufficientBalance без изменений.
func (e *Engine) PayWithWallet(ctx context.Context, req Request) (*model.SettlementResult, error) {
	return e.run(ctx, req, model.PaymentMethodWallet)
}

func validate(req Request) error {
	if strings.TrimSpace(req.Reference) == "" {
		return fmt.Errorf("%w: empty payment reference", ErrInvalidRequest)
	}
	if req.BuyerID == "" {
		return fmt.Errorf("%w: empty buyer id", ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	for i, it := range req.Items {
		if it.BookID == "" {
			return fmt.Errorf("%w: item %d has no book id", ErrInvalidRequest, i)
		}
		if it.Price.IsNegative() {
			return fmt.Errorf("%w: item %d has negative price", ErrInvalidRequest, i)
		}
		if !validation.IsValidPrice(it.Price) {
			return fmt.Errorf("%w: item %d price has more than two decimal places", ErrInvalidRequest, i)
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, req Request, method model.PaymentMethod) (*model.SettlementResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	total := model.CartTotal(req.Items)
	if req.ExpectedTotal != nil && !req.ExpectedTotal.Equal(total) {
		return nil, fmt.Errorf("%w: paid %s, items total %s", ErrAmountMismatch, req.ExpectedTotal, total)
	}

	start := time.Now()
	var res *model.SettlementResult

	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		prev, err := tx.GetSettlement(ctx, req.Reference)
		switch {
		case err == nil:
			if prev.BuyerID != req.BuyerID {
				return fmt.Errorf("%w: %s", ErrReferenceTaken, req.Reference)
			}
			// Ссылка уже проведена, ожидаемый платёж с ней больше не ждёт оплаты.
			if req.SettleIntent {
				if err := tx.SetPaymentIntentStatus(ctx, req.Reference, model.IntentStatusSettled); err != nil {
					return err
				}
			}
			prev.Duplicate = true
			res = prev
			return nil
		case !errors.Is(err, repository.ErrSettlementNotFound):
			return err
		}

		res, err = e.apply(ctx, tx, req, method, total)
		return err
	})

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Duplicate:
		outcome = "duplicate"
	}
	metrics.ObserveSettlement(string(method), outcome, time.Since(start))

	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		e.logger.Info("duplicate settlement ignored",
			zap.String("reference", req.Reference), zap.String("buyer", req.BuyerID))
		return res, nil
	}

	for _, c := range res.Credits {
		metrics.AddCredit(string(c.Role), c.Amount.InexactFloat64())
	}
	for _, w := range res.Warnings {
		e.logger.Warn("revenue distribution anomaly",
			zap.String("reference", req.Reference), zap.String("detail", w))
	}

	return res, nil
}

// apply выполняет все изменения оплаты внутри транзакции. Может быть вызвана
// повторно при конфликте, поэтому собирает результат заново.
func (e *Engine) apply(ctx context.Context, tx repository.Tx, req Request, method model.PaymentMethod, total decimal.Decimal) (*model.SettlementResult, error) {
	now := e.now().UTC()
	res := &model.SettlementResult{
		Reference: req.Reference,
		BuyerID:   req.BuyerID,
		Method:    method,
		Total:     total,
		Items:     len(req.Items),
		Credits:   []model.Credit{},
		SettledAt: now,
	}

	if _, err := tx.GetAccount(ctx, req.BuyerID); err != nil {
		return nil, fmt.Errorf("buyer %s: %w", req.BuyerID, err)
	}

	if method == model.PaymentMethodWallet {
		if _, err := tx.DebitWallet(ctx, req.BuyerID, total); err != nil {
			return nil, fmt.Errorf("debit buyer wallet: %w", err)
		}
	}

	bookIDs := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		bookIDs = append(bookIDs, it.BookID)

		err := tx.AppendPurchasedItem(ctx, req.BuyerID, model.PurchasedItem{
			BookID:      it.BookID,
			Title:       it.Title,
			Pages:       it.Pages,
			PurchasedAt: now,
		})
		if err != nil {
			return nil, err
		}

		if err := tx.IncrementSoldCopies(ctx, it.BookID); err != nil {
			if !errors.Is(err, repository.ErrBookNotFound) {
				return nil, err
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("book %s not found: sold copies not incremented", it.BookID))
			metrics.IncSkippedShare("book_not_found")
		}

		if err := e.distribute(ctx, tx, req, it, now, res); err != nil {
			return nil, err
		}
	}

	if err := tx.RemoveCartItems(ctx, req.BuyerID, bookIDs); err != nil {
		return nil, err
	}

	buyer, err := tx.GetAccount(ctx, req.BuyerID)
	if err != nil {
		return nil, err
	}
	res.BuyerBalance = buyer.Wallet

	if req.SettleIntent {
		if err := tx.SetPaymentIntentStatus(ctx, req.Reference, model.IntentStatusSettled); err != nil {
			return nil, err
		}
	}

	if err := tx.SaveSettlement(ctx, res); err != nil {
		return nil, err
	}

	return res, nil
}

// distribute зачисляет доли выручки одной позиции и пишет запись в журнал продаж автора.
// Отсутствующие аккаунты не прерывают оплату: соответствующая доля пропускается
// с предупреждением.
func (e *Engine) distribute(ctx context.Context, tx repository.Tx, req Request, it model.CartItem, now time.Time, res *model.SettlementResult) error {
	author, err := e.lookup(ctx, tx, it.AuthorID)
	if err != nil {
		return err
	}
	if author == nil {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("author %q of book %s not found: revenue shares and sales record skipped", it.AuthorID, it.BookID))
		metrics.IncSkippedShare("author_not_found")
		return nil
	}

	distributorID := it.ReferrerID
	if distributorID == author.ID {
		distributorID = ""
	}
	if distributorID != "" {
		distributor, err := e.lookup(ctx, tx, distributorID)
		if err != nil {
			return err
		}
		if distributor == nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("distributor %s of book %s not found: author paid without distributor", distributorID, it.BookID))
			metrics.IncSkippedShare("distributor_not_found")
			distributorID = ""
		}
	}

	referrerID := author.ReferredBy
	if referrerID != "" {
		referrer, err := e.lookup(ctx, tx, referrerID)
		if err != nil {
			return err
		}
		if referrer == nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("referrer %s of author %s not found: referrer share skipped", referrerID, author.ID))
			metrics.IncSkippedShare("author_referrer_not_found")
			referrerID = ""
		}
	}

	shares := Split(it.Price, distributorID != "", referrerID != "")

	if err := e.credit(ctx, tx, res, author.ID, it.BookID, model.ShareRoleAuthor, shares.Author); err != nil {
		return err
	}
	if distributorID != "" {
		if err := e.credit(ctx, tx, res, distributorID, it.BookID, model.ShareRoleDistributor, shares.Distributor); err != nil {
			return err
		}
	}
	if referrerID != "" {
		if err := e.credit(ctx, tx, res, referrerID, it.BookID, model.ShareRoleAuthorReferrer, shares.AuthorReferrer); err != nil {
			return err
		}
	}

	return tx.AppendSale(ctx, model.Sale{
		ID:         uuid.NewString(),
		AuthorID:   author.ID,
		BookID:     it.BookID,
		BuyerID:    req.BuyerID,
		Title:      it.Title,
		Price:      it.Price,
		SoldAt:     now,
		Attributes: req.Attributes,
	})
}

// lookup возвращает nil без ошибки, если аккаунт не существует.
func (e *Engine) lookup(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	if id == "" {
		return nil, nil
	}
	a, err := tx.GetAccount(ctx, id)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, nil
	}
	return a, err
}

func (e *Engine) credit(ctx context.Context, tx repository.Tx, res *model.SettlementResult, accountID, bookID string, role model.ShareRole, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if _, err := tx.CreditWallet(ctx, accountID, amount); err != nil {
		return fmt.Errorf("credit %s %s: %w", strings.ToLower(string(role)), accountID, err)
	}
	res.Credits = append(res.Credits, model.Credit{
		AccountID: accountID,
		BookID:    bookID,
		Role:      role,
		Amount:    amount,
	})
	return nil
}

// Deposit зачисляет пополнение кошелька. Повторный вызов с той же ссылкой
// возвращает текущий баланс и Duplicate = true.
func (e *Engine) Deposit(ctx context.Context, accountID, reference string, amount decimal.Decimal, settleIntent bool) (*DepositResult, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: empty payment reference", ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidRequest)
	}

	res := &DepositResult{Reference: reference}

	err := e.store.InTx(ctx, func(tx repository.Tx) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}

		added, err := tx.AddDeposit(ctx, accountID, model.Deposit{
			Reference: reference,
			Amount:    amount,
			CreatedAt: e.now().UTC(),
		})
		if err != nil {
			return err
		}
		if !added {
			res.Duplicate = true
			res.Balance = account.Wallet
			if settleIntent {
				return tx.SetPaymentIntentStatus(ctx, reference, model.IntentStatusSettled)
			}
			return nil
		}

		balance, err := tx.CreditWallet(ctx, accountID, amount)
		if err != nil {
			return err
		}
		res.Duplicate = false
		res.Balance = balance

		if settleIntent {
			return tx.SetPaymentIntentStatus(ctx, reference, model.IntentStatusSettled)
		}
		return nil
	})
	if err != nil {
		metrics.IncDeposit("error")
		return nil, err
	}

	if res.Duplicate {
		metrics.IncDeposit("duplicate")
	} else {
		metrics.IncDeposit("ok")
	}
	return res, nil
}
