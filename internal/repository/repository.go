// Package repository содержит хранилища каталога и аккаунтов: PostgreSQL и in-memory.
package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
)

var (
	// ErrLoginExists возвращается при попытке создать аккаунт с занятым логином.
	ErrLoginExists = errors.New("login already exists")
	// ErrReferralCodeExists возвращается при коллизии реферального кода.
	ErrReferralCodeExists = errors.New("referral code already exists")
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrBookNotFound возвращается, если книга не найдена.
	ErrBookNotFound = errors.New("book not found")
	// ErrAlreadyInCart возвращается при повторном добавлении книги в корзину.
	ErrAlreadyInCart = errors.New("book already in cart")
	// ErrNotPurchased возвращается при обновлении прогресса чтения некупленной книги.
	ErrNotPurchased = errors.New("book not purchased")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс кошелька.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrSettlementNotFound возвращается, если платёжная ссылка ещё не обработана.
	ErrSettlementNotFound = errors.New("settlement not found")
	// ErrTaskNotFound возвращается, если задание не найдено у книги.
	ErrTaskNotFound = errors.New("book task not found")
	// ErrIntentNotFound возвращается, если ожидаемый платёж не найден.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrIntentExists возвращается при повторном создании платежа с той же ссылкой.
	ErrIntentExists = errors.New("payment intent already exists")
	// ErrConflict возвращается, когда транзакция не прошла после всех повторов.
	ErrConflict = errors.New("concurrent update conflict")
)

// Tx описывает операции, выполняемые внутри одной транзакции хранилища.
// Функция, переданная в InTx, может быть вызвана повторно при конфликте.
type Tx interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	// CreditWallet атомарно увеличивает баланс и возвращает новое значение.
	CreditWallet(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)
	// DebitWallet атомарно уменьшает баланс, только если его хватает.
	DebitWallet(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)
	IncrementSoldCopies(ctx context.Context, bookID string) error
	AppendPurchasedItem(ctx context.Context, accountID string, item model.PurchasedItem) error
	AppendSale(ctx context.Context, sale model.Sale) error
	// RemoveCartItems убирает из корзины оплаченные книги.
	RemoveCartItems(ctx context.Context, accountID string, bookIDs []string) error
	GetSettlement(ctx context.Context, reference string) (*model.SettlementResult, error)
	SaveSettlement(ctx context.Context, res *model.SettlementResult) error
	// AddDeposit возвращает false, если пополнение с этой ссылкой уже записано.
	AddDeposit(ctx context.Context, accountID string, d model.Deposit) (bool, error)
	GetPaymentIntent(ctx context.Context, reference string) (*model.PaymentIntent, error)
	SetPaymentIntentStatus(ctx context.Context, reference string, status model.IntentStatus) error
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
