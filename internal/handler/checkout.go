package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/service"
)

const maxWebhookBody = 1 << 20

type checkoutRequest struct {
	Reference  string                `json:"reference,omitempty"`
	Attributes model.BuyerAttributes `json:"buyer"`
}

type intentResponse struct {
	Reference string          `json:"reference"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	// AmountMinor нужна платёжному виджету: сумма в копейках.
	AmountMinor int64  `json:"amount_minor"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func toIntentResponse(p *model.PaymentIntent) intentResponse {
	return intentResponse{
		Reference:   p.Reference,
		Kind:        string(p.Kind),
		Amount:      p.Amount,
		AmountMinor: p.Amount.Shift(2).IntPart(),
		Status:      string(p.Status),
		CreatedAt:   formatTime(p.CreatedAt),
	}
}

// decodeOptional разбирает тело запроса, допуская пустое тело.
func decodeOptional(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// StartCheckout фиксирует корзину в ожидаемом платеже.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeOptional(r, &req); err != nil {
		badRequest(w)
		return
	}

	intent, err := h.service.StartCheckout(r.Context(), accountID, req.Attributes)
	if err != nil {
		h.fail(w, err, "start checkout error", zap.String("account", accountID))
		return
	}

	writeJSON(w, http.StatusCreated, toIntentResponse(intent))
}

// ConfirmPayment подтверждает платёж по ссылке после возврата покупателя из виджета.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	reference := chi.URLParam(r, "reference")
	conf, err := h.service.ConfirmPayment(r.Context(), accountID, reference)
	if err != nil {
		if errors.Is(err, service.ErrPaymentPending) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		h.fail(w, err, "confirm payment error", zap.String("account", accountID), zap.String("reference", reference))
		return
	}

	if conf.Settlement != nil {
		writeJSON(w, http.StatusOK, conf.Settlement)
		return
	}
	writeJSON(w, http.StatusOK, conf.Deposit)
}

// PayWithWallet оплачивает корзину с кошелька.
func (h *Handler) PayWithWallet(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeOptional(r, &req); err != nil {
		badRequest(w)
		return
	}

	result, err := h.service.PayWithWallet(r.Context(), accountID, req.Reference, req.Attributes)
	if err != nil {
		h.fail(w, err, "wallet payment error", zap.String("account", accountID))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// StartDeposit создаёт ожидаемый платёж на пополнение кошелька.
func (h *Handler) StartDeposit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	intent, err := h.service.StartDeposit(r.Context(), accountID, req.Amount)
	if err != nil {
		h.fail(w, err, "start deposit error", zap.String("account", accountID))
		return
	}

	writeJSON(w, http.StatusCreated, toIntentResponse(intent))
}

// PaymentWebhook принимает уведомления платёжного шлюза. Уведомление без
// валидной подписи отклоняется, остальные подтверждаются кодом 200, чтобы
// шлюз не повторял доставку. Повтор запрашивается при сбое на нашей стороне
// и пока шлюз ещё не подтвердил платёж.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	_ = r.Body.Close()
	if err != nil {
		badRequest(w)
		return
	}

	err = h.service.HandleWebhook(r.Context(), body, r.Header.Get(gateway.SignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrBadSignature), errors.Is(err, gateway.ErrNotConfigured):
		h.logger.Warn("webhook rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	case errors.Is(err, service.ErrGatewayUnavailable), errors.Is(err, repository.ErrConflict),
		errors.Is(err, service.ErrPaymentPending), errors.Is(err, service.ErrPaymentUnverified):
		h.logger.Warn("webhook processing deferred", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	case statusFor(err) == http.StatusInternalServerError:
		h.logger.Error("webhook processing error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	default:
		h.logger.Info("webhook not applied", zap.Error(err))
	}

	w.WriteHeader(http.StatusOK)
}

type settlementItemRequest struct {
	BookID       string          `json:"book_id"`
	Price        decimal.Decimal `json:"price"`
	ReferrerID   string          `json:"referrer_id,omitempty"`
	ReferralCode string          `json:"referral_code,omitempty"`
}

type settlementRequest struct {
	Reference  string                  `json:"reference"`
	BuyerID    string                  `json:"buyer_id"`
	Items      []settlementItemRequest `json:"items"`
	Attributes model.BuyerAttributes   `json:"buyer"`
	Amount     *decimal.Decimal        `json:"amount,omitempty"`
}

// InternalSettle проводит оплату, подтверждённую внешней системой.
func (h *Handler) InternalSettle(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	cmd := service.SettlementCommand{
		Reference:  req.Reference,
		BuyerID:    req.BuyerID,
		Items:      make([]service.LineItem, 0, len(req.Items)),
		Attributes: req.Attributes,
		Amount:     req.Amount,
	}
	for _, it := range req.Items {
		cmd.Items = append(cmd.Items, service.LineItem{
			BookID:       it.BookID,
			Price:        it.Price,
			ReferrerID:   it.ReferrerID,
			ReferralCode: it.ReferralCode,
		})
	}

	result, err := h.service.Settle(r.Context(), cmd)
	if err != nil {
		h.fail(w, err, "internal settlement error", zap.String("reference", req.Reference))
		return
	}

	writeJSON(w, http.StatusOK, result)
}
