// Package handler содержит HTTP-обработчики API книжного магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/middleware"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/referral"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/service"
	"github.com/mmeshcher/bookshelf/internal/settlement"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, reg service.Registration) (*model.Account, error)
	AuthenticateUser(ctx context.Context, login, password string) (string, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetWallet(ctx context.Context, accountID string) (*service.Wallet, error)
	BecomeAuthor(ctx context.Context, accountID string) (*model.Account, error)
	ChangePassword(ctx context.Context, accountID, current, next string) error

	PublishBook(ctx context.Context, authorID string, in service.BookInput) (*model.Book, error)
	UpdateBook(ctx context.Context, authorID, bookID string, in service.BookInput) (*model.Book, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
	GetBook(ctx context.Context, bookID string) (*model.Book, error)
	ListAuthorBooks(ctx context.Context, authorID string) ([]model.Book, error)
	GetSales(ctx context.Context, authorID string) ([]model.Sale, error)
	CheckReferral(ctx context.Context, bookID, code string) (referral.Resolution, error)
	AddBookTask(ctx context.Context, authorID, bookID, task string) (*model.BookTask, error)
	ListBookTasks(ctx context.Context, accountID, bookID string) ([]model.BookTask, error)
	AnswerBookTask(ctx context.Context, accountID, bookID, taskID, answer string) error

	AddToCart(ctx context.Context, accountID, bookID, code string) (*model.CartItem, error)
	RemoveFromCart(ctx context.Context, accountID, bookID string) (bool, error)
	GetCart(ctx context.Context, accountID string) ([]model.CartItem, decimal.Decimal, error)

	GetLibrary(ctx context.Context, accountID string) ([]model.PurchasedItem, error)
	UpdateReadingProgress(ctx context.Context, accountID, bookID string, page int) error
	AddBookmark(ctx context.Context, accountID, bookID string) (bool, error)
	GetBookmarks(ctx context.Context, accountID string) ([]model.Bookmark, error)

	StartCheckout(ctx context.Context, buyerID string, attrs model.BuyerAttributes) (*model.PaymentIntent, error)
	StartDeposit(ctx context.Context, accountID string, amount decimal.Decimal) (*model.PaymentIntent, error)
	ConfirmPayment(ctx context.Context, buyerID, reference string) (*service.Confirmation, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) error
	PayWithWallet(ctx context.Context, buyerID, reference string, attrs model.BuyerAttributes) (*model.SettlementResult, error)
	Settle(ctx context.Context, cmd service.SettlementCommand) (*model.SettlementResult, error)
}

// Handler реализует HTTP-обработчики API книжного магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	rateLimiter    *middleware.RateLimiter
	internalToken  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, limiter *middleware.RateLimiter, internalToken string) *Handler {
	if limiter == nil {
		limiter = middleware.NewRateLimiter(0, 0, logger)
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		rateLimiter:    limiter,
		internalToken:  internalToken,
	}
}

// statusFor сопоставляет ошибку бизнес-логики HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrPaymentPending):
		return http.StatusAccepted
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, settlement.ErrAmountMismatch),
		errors.Is(err, referral.ErrInvalidCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, service.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrBookNotFound),
		errors.Is(err, repository.ErrIntentNotFound),
		errors.Is(err, repository.ErrTaskNotFound),
		errors.Is(err, repository.ErrNotPurchased):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrLoginExists),
		errors.Is(err, repository.ErrAlreadyInCart),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, repository.ErrIntentExists),
		errors.Is(err, settlement.ErrReferenceTaken),
		errors.Is(err, service.ErrCheckoutPending):
		return http.StatusConflict
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrPaymentUnverified):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(code), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func badRequest(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

type credentialsRequest struct {
	Login        string `json:"login"`
	Password     string `json:"password"`
	ReferralCode string `json:"referral_code,omitempty"`
	Author       bool   `json:"author,omitempty"`
}

type accountResponse struct {
	ID           string          `json:"id"`
	Login        string          `json:"login"`
	Wallet       decimal.Decimal `json:"wallet"`
	ReferralCode string          `json:"referral_code"`
	ReferredBy   string          `json:"referred_by,omitempty"`
	Roles        model.Roles     `json:"roles"`
}

func toAccountResponse(a *model.Account) accountResponse {
	return accountResponse{
		ID:           a.ID,
		Login:        a.Login,
		Wallet:       a.Wallet,
		ReferralCode: a.ReferralCode,
		ReferredBy:   a.ReferredBy,
		Roles:        a.Roles,
	}
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	if req.Login == "" || req.Password == "" {
		badRequest(w)
		return
	}

	account, err := h.service.RegisterUser(r.Context(), service.Registration{
		Login:        req.Login,
		Password:     req.Password,
		ReferralCode: req.ReferralCode,
		Author:       req.Author,
	})
	if err != nil {
		h.fail(w, err, "register user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, account.ID)
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	if req.Login == "" || req.Password == "" {
		badRequest(w)
		return
	}

	accountID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.fail(w, err, "login user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

// GetProfile возвращает аккаунт текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "get profile error", zap.String("account", accountID))
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// BecomeAuthor добавляет текущему пользователю роль автора.
func (h *Handler) BecomeAuthor(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	account, err := h.service.BecomeAuthor(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "become author error", zap.String("account", accountID))
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword меняет пароль текущего пользователя.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil || req.NewPassword == "" {
		badRequest(w)
		return
	}

	if err := h.service.ChangePassword(r.Context(), accountID, req.CurrentPassword, req.NewPassword); err != nil {
		h.fail(w, err, "change password error", zap.String("account", accountID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type depositResponse struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt string          `json:"created_at"`
}

type walletResponse struct {
	Balance  decimal.Decimal   `json:"balance"`
	Deposits []depositResponse `json:"deposits"`
}

// GetWallet возвращает баланс кошелька и историю пополнений.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "get wallet error", zap.String("account", accountID))
		return
	}

	resp := walletResponse{Balance: wallet.Balance, Deposits: make([]depositResponse, 0, len(wallet.Deposits))}
	for _, d := range wallet.Deposits {
		resp.Deposits = append(resp.Deposits, depositResponse{
			Reference: d.Reference,
			Amount:    d.Amount,
			CreatedAt: formatTime(d.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
