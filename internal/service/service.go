// Package service реализует бизнес-логику книжного магазина.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/referral"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/settlement"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInput возвращается при некорректных входных данных.
	ErrInvalidInput = errors.New("invalid input")
	// ErrForbidden возвращается, если аккаунт не может выполнить операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrEmptyCart возвращается при попытке оплатить пустую корзину.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCheckoutPending возвращается при оплате кошельком, пока не завершена оплата через шлюз.
	ErrCheckoutPending = errors.New("gateway checkout pending")
	// ErrPaymentPending возвращается, если шлюз ещё не подтвердил платёж.
	ErrPaymentPending = errors.New("payment not confirmed yet")
	// ErrPaymentFailed возвращается, если платёж отклонён или отменён.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrGatewayUnavailable возвращается, если шлюз не ответил.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrPaymentUnverified возвращается, если платёж нечем проверить: шлюз не
	// настроен, а проведение непроверенных оплат не разрешено.
	ErrPaymentUnverified = errors.New("payment cannot be verified")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(repository.Tx) error) error

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	FindAccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
	UpdateAccountRoles(ctx context.Context, id string, roles model.Roles) error
	UpdatePasswordHash(ctx context.Context, id string, hash []byte) error

	CreateBook(ctx context.Context, b *model.Book) error
	UpdateBook(ctx context.Context, b *model.Book) error
	GetBook(ctx context.Context, id string) (*model.Book, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
	ListBooksByAuthor(ctx context.Context, authorID string) ([]model.Book, error)
	AddBookTask(ctx context.Context, t *model.BookTask) error
	ListBookTasks(ctx context.Context, bookID string) ([]model.BookTask, error)
	AddTaskAnswer(ctx context.Context, bookID, taskID string, a model.TaskAnswer) error

	GetCart(ctx context.Context, accountID string) ([]model.CartItem, error)
	AddCartItem(ctx context.Context, accountID string, it model.CartItem) error
	RemoveCartItem(ctx context.Context, accountID, bookID string) (bool, error)

	GetPurchasedItems(ctx context.Context, accountID string) ([]model.PurchasedItem, error)
	UpdateReadingProgress(ctx context.Context, accountID, bookID string, page int) error
	AddBookmark(ctx context.Context, accountID string, bm model.Bookmark) (bool, error)
	GetBookmarks(ctx context.Context, accountID string) ([]model.Bookmark, error)
	GetSales(ctx context.Context, authorID string) ([]model.Sale, error)
	GetDeposits(ctx context.Context, accountID string) ([]model.Deposit, error)

	CreatePaymentIntent(ctx context.Context, p *model.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, reference string) (*model.PaymentIntent, error)
	ListPendingIntents(ctx context.Context, before time.Time, limit int) ([]model.PaymentIntent, error)
	HasPendingIntent(ctx context.Context, buyerID string, kind model.IntentKind, since time.Time) (bool, error)
}

// Gateway проверяет транзакции платёжного шлюза.
type Gateway interface {
	Configured() bool
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Transaction, int, time.Duration, error)
}

// Service содержит бизнес-логику книжного магазина.
type Service struct {
	repo          Repository
	engine        *settlement.Engine
	resolver      *referral.Resolver
	gateway       Gateway
	webhookSecret string
	// allowUnverified разрешает проводить оплату корзины без шлюза. Только для разработки.
	allowUnverified bool
	logger          *zap.Logger
	now             func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithUnverifiedPayments разрешает подтверждать оплату корзины без проверки в
// шлюзе, если шлюз не настроен. Пополнения кошелька без шлюза не проводятся никогда.
func WithUnverifiedPayments(allow bool) Option {
	return func(s *Service) {
		s.allowUnverified = allow
	}
}

// NewService создаёт сервис поверх хранилища и клиента платёжного шлюза.
// webhookSecret используется для проверки подписи уведомлений шлюза.
func NewService(repo Repository, gw Gateway, webhookSecret string, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:          repo,
		engine:        settlement.NewEngine(repo, logger),
		resolver:      referral.NewResolver(repo),
		gateway:       gw,
		webhookSecret: webhookSecret,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) gatewayConfigured() bool {
	return s.gateway != nil && s.gateway.Configured()
}
