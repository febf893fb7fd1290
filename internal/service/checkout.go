package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/referral"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/settlement"
	"github.com/mmeshcher/bookshelf/internal/validation"
)

// pendingCheckoutWindow задаёт, сколько ожидающий платёж через шлюз блокирует оплату кошельком.
const pendingCheckoutWindow = 15 * time.Minute

// Confirmation содержит итог подтверждения платежа через шлюз.
type Confirmation struct {
	Reference  string
	Kind       model.IntentKind
	Settlement *model.SettlementResult
	Deposit    *settlement.DepositResult
}

// LineItem описывает позицию внутреннего запроса на проведение оплаты.
type LineItem struct {
	BookID       string
	Price        decimal.Decimal
	ReferrerID   string
	ReferralCode string
}

// SettlementCommand описывает внутренний запрос на проведение оплаты, подтверждённой вне сервиса.
type SettlementCommand struct {
	Reference  string
	BuyerID    string
	Items      []LineItem
	Attributes model.BuyerAttributes
	// Amount, если задан, должен совпасть с суммой позиций.
	Amount *decimal.Decimal
}

// StartCheckout фиксирует корзину покупателя в ожидаемом платеже и возвращает
// ссылку и сумму для платёжного виджета.
func (s *Service) StartCheckout(ctx context.Context, buyerID string, attrs model.BuyerAttributes) (*model.PaymentIntent, error) {
	items, err := s.repo.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	intent := &model.PaymentIntent{
		Reference:  uuid.NewString(),
		BuyerID:    buyerID,
		Kind:       model.IntentKindPurchase,
		Amount:     model.CartTotal(items),
		Items:      items,
		Attributes: attrs,
		Status:     model.IntentStatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, err
	}

	s.logger.Info("checkout started",
		zap.String("reference", intent.Reference), zap.String("buyer", buyerID), zap.String("amount", intent.Amount.String()))
	return intent, nil
}

// StartDeposit создаёт ожидаемый платёж на пополнение кошелька.
func (s *Service) StartDeposit(ctx context.Context, accountID string, amount decimal.Decimal) (*model.PaymentIntent, error) {
	if !amount.IsPositive() || !validation.IsValidPrice(amount) {
		return nil, fmt.Errorf("%w: invalid deposit amount %s", ErrInvalidInput, amount)
	}
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	intent := &model.PaymentIntent{
		Reference: uuid.NewString(),
		BuyerID:   accountID,
		Kind:      model.IntentKindDeposit,
		Amount:    amount,
		Status:    model.IntentStatusPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// ConfirmPayment проверяет платёж в шлюзе и проводит его. buyerID ограничивает
// подтверждение платежами этого покупателя; пустой buyerID используется
// уведомлениями шлюза и фоновой сверкой. Повторное подтверждение проведённого
// платежа возвращает сохранённый результат.
func (s *Service) ConfirmPayment(ctx context.Context, buyerID, reference string) (*Confirmation, error) {
	intent, err := s.repo.GetPaymentIntent(ctx, reference)
	if err != nil {
		return nil, err
	}
	if buyerID != "" && intent.BuyerID != buyerID {
		return nil, repository.ErrIntentNotFound
	}

	conf, _, err := s.confirm(ctx, intent)
	return conf, err
}

// confirm возвращает паузу, рекомендованную шлюзом, если он ограничил частоту запросов.
func (s *Service) confirm(ctx context.Context, intent *model.PaymentIntent) (*Confirmation, time.Duration, error) {
	switch intent.Status {
	case model.IntentStatusFailed:
		return nil, 0, ErrPaymentFailed
	case model.IntentStatusSettled:
		conf, err := s.apply(ctx, intent, intent.Amount)
		return conf, 0, err
	}

	paid := intent.Amount
	if s.gatewayConfigured() {
		tr, code, retryAfter, err := s.gateway.VerifyTransaction(ctx, intent.Reference)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		if code == http.StatusTooManyRequests {
			return nil, retryAfter, ErrPaymentPending
		}
		if tr == nil {
			return nil, 0, ErrPaymentPending
		}
		if tr.Final() {
			s.fail(ctx, intent.Reference, "gateway status "+tr.Status)
			return nil, 0, ErrPaymentFailed
		}
		if !tr.Succeeded() {
			return nil, 0, ErrPaymentPending
		}
		paid = tr.Value()
	} else {
		if intent.Kind != model.IntentKindPurchase || !s.allowUnverified {
			s.logger.Warn("payment gateway not configured, payment left pending",
				zap.String("reference", intent.Reference), zap.String("kind", string(intent.Kind)))
			return nil, 0, ErrPaymentUnverified
		}
		s.logger.Warn("payment gateway not configured, settling unverified payment",
			zap.String("reference", intent.Reference))
	}

	conf, err := s.apply(ctx, intent, paid)
	if errors.Is(err, settlement.ErrAmountMismatch) {
		s.fail(ctx, intent.Reference, err.Error())
	}
	return conf, 0, err
}

func (s *Service) apply(ctx context.Context, intent *model.PaymentIntent, paid decimal.Decimal) (*Confirmation, error) {
	conf := &Confirmation{Reference: intent.Reference, Kind: intent.Kind}

	switch intent.Kind {
	case model.IntentKindPurchase:
		res, err := s.engine.Settle(ctx, settlement.Request{
			Reference:     intent.Reference,
			BuyerID:       intent.BuyerID,
			Items:         intent.Items,
			Attributes:    intent.Attributes,
			ExpectedTotal: &paid,
			SettleIntent:  true,
		})
		if err != nil {
			return nil, err
		}
		conf.Settlement = res

	case model.IntentKindDeposit:
		if !paid.Equal(intent.Amount) {
			return nil, fmt.Errorf("%w: paid %s, expected %s", settlement.ErrAmountMismatch, paid, intent.Amount)
		}
		res, err := s.engine.Deposit(ctx, intent.BuyerID, intent.Reference, intent.Amount, true)
		if err != nil {
			return nil, err
		}
		conf.Deposit = res

	default:
		return nil, fmt.Errorf("%w: unknown payment kind %q", ErrInvalidInput, intent.Kind)
	}

	return conf, nil
}

// fail помечает ожидающий платёж как неуспешный. Проведённый платёж не изменяется.
func (s *Service) fail(ctx context.Context, reference, reason string) {
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetPaymentIntent(ctx, reference)
		if err != nil {
			return err
		}
		if p.Status != model.IntentStatusPending {
			return nil
		}
		return tx.SetPaymentIntentStatus(ctx, reference, model.IntentStatusFailed)
	})
	if err != nil {
		s.logger.Error("failed to mark payment as failed", zap.String("reference", reference), zap.Error(err))
		return
	}
	s.logger.Info("payment failed", zap.String("reference", reference), zap.String("reason", reason))
}

// HandleWebhook проверяет подпись уведомления шлюза и подтверждает платёж
// при успешном списании. Прочие события игнорируются.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	ev, err := gateway.ParseEvent(s.webhookSecret, body, signature)
	if err != nil {
		return err
	}
	if ev.Event != gateway.EventChargeSuccess {
		s.logger.Debug("webhook event ignored", zap.String("event", ev.Event))
		return nil
	}

	_, err = s.ConfirmPayment(ctx, "", ev.Data.Reference)
	return err
}

// PayWithWallet оплачивает корзину с кошелька покупателя. reference служит
// ключом идемпотентности; пустой reference генерируется.
func (s *Service) PayWithWallet(ctx context.Context, buyerID, reference string, attrs model.BuyerAttributes) (*model.SettlementResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		reference = "wallet-" + uuid.NewString()
	}
	if !validation.IsValidPaymentReference(reference) {
		return nil, fmt.Errorf("%w: malformed payment reference", ErrInvalidInput)
	}

	items, err := s.repo.GetCart(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	pending, err := s.repo.HasPendingIntent(ctx, buyerID, model.IntentKindPurchase, s.now().Add(-pendingCheckoutWindow))
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrCheckoutPending
	}

	// Ссылка платежа через шлюз не может служить ключом оплаты кошельком:
	// иначе ожидаемый платёж навсегда остался бы в статусе PENDING.
	switch _, err := s.repo.GetPaymentIntent(ctx, reference); {
	case err == nil:
		return nil, fmt.Errorf("%w: reference belongs to a gateway payment", settlement.ErrReferenceTaken)
	case !errors.Is(err, repository.ErrIntentNotFound):
		return nil, err
	}

	return s.engine.PayWithWallet(ctx, settlement.Request{
		Reference:  reference,
		BuyerID:    buyerID,
		Items:      items,
		Attributes: attrs,
	})
}

// Settle проводит оплату, подтверждённую вне сервиса. Позиции дополняются
// данными каталога; код дистрибьютора проверяется так же, как в корзине.
func (s *Service) Settle(ctx context.Context, cmd SettlementCommand) (*model.SettlementResult, error) {
	if !validation.IsValidPaymentReference(cmd.Reference) {
		return nil, fmt.Errorf("%w: malformed payment reference", settlement.ErrInvalidRequest)
	}

	items := make([]model.CartItem, 0, len(cmd.Items))
	for _, li := range cmd.Items {
		it := model.CartItem{
			BookID:       li.BookID,
			Price:        li.Price,
			ReferralCode: li.ReferralCode,
			ReferrerID:   li.ReferrerID,
		}

		b, err := s.repo.GetBook(ctx, li.BookID)
		switch {
		case err == nil:
			it.AuthorID, it.Title, it.Pages = b.AuthorID, b.Title, b.Pages
			if it.ReferrerID != "" && (it.ReferrerID == b.AuthorID || !b.Distribution.Permits(it.ReferrerID)) {
				s.logger.Warn("distributor not permitted for book, share dropped",
					zap.String("reference", cmd.Reference),
					zap.String("book", b.ID),
					zap.String("referrer", it.ReferrerID),
					zap.String("distribution", string(b.Distribution.Kind)))
				it.ReferrerID = ""
			}
			if it.ReferrerID == "" && li.ReferralCode != "" {
				res, err := s.resolver.Resolve(ctx, b, li.ReferralCode)
				if err != nil && !errors.Is(err, referral.ErrInvalidCode) {
					return nil, err
				}
				it.ReferrerID = res.ReferrerID
			}
		case errors.Is(err, repository.ErrBookNotFound):
			// Книга удалена из каталога: покупка фиксируется, доли пропускаются движком.
		default:
			return nil, err
		}

		items = append(items, it)
	}

	return s.engine.Settle(ctx, settlement.Request{
		Reference:     cmd.Reference,
		BuyerID:       cmd.BuyerID,
		Items:         items,
		Attributes:    cmd.Attributes,
		ExpectedTotal: cmd.Amount,
	})
}
