package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod описывает способ оплаты покупки.
type PaymentMethod string

const (
	PaymentMethodGateway PaymentMethod = "GATEWAY"
	PaymentMethodWallet  PaymentMethod = "WALLET"
)

// ShareRole описывает получателя доли выручки.
type ShareRole string

const (
	ShareRoleAuthor         ShareRole = "AUTHOR"
	ShareRoleDistributor    ShareRole = "DISTRIBUTOR"
	ShareRoleAuthorReferrer ShareRole = "AUTHOR_REFERRER"
)

// Credit описывает зачисление доли выручки на кошелёк.
type Credit struct {
	AccountID string          `json:"account_id"`
	BookID    string          `json:"book_id"`
	Role      ShareRole       `json:"role"`
	Amount    decimal.Decimal `json:"amount"`
}

// SettlementResult содержит итог применения оплаты. Сохраняется по платёжной ссылке
// и возвращается повторно при дублирующем вызове.
type SettlementResult struct {
	Reference    string          `json:"reference"`
	BuyerID      string          `json:"buyer_id"`
	Method       PaymentMethod   `json:"method"`
	Total        decimal.Decimal `json:"total"`
	BuyerBalance decimal.Decimal `json:"buyer_balance"`
	Items        int             `json:"items"`
	Credits      []Credit        `json:"credits"`
	Warnings     []string        `json:"warnings,omitempty"`
	Duplicate    bool            `json:"duplicate"`
	SettledAt    time.Time       `json:"settled_at"`
}

// IntentKind описывает назначение платежа через шлюз.
type IntentKind string

const (
	IntentKindPurchase IntentKind = "PURCHASE"
	IntentKindDeposit  IntentKind = "DEPOSIT"
)

// IntentStatus описывает статус ожидаемого платежа.
type IntentStatus string

const (
	IntentStatusPending IntentStatus = "PENDING"
	IntentStatusSettled IntentStatus = "SETTLED"
	IntentStatusFailed  IntentStatus = "FAILED"
)

// PaymentIntent фиксирует ожидаемый платёж через шлюз: сумму и снимок корзины.
type PaymentIntent struct {
	Reference  string
	BuyerID    string
	Kind       IntentKind
	Amount     decimal.Decimal
	Items      []CartItem
	Attributes BuyerAttributes
	Status     IntentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
