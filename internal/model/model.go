// Package model содержит доменные сущности книжного магазина.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Roles описывает роли аккаунта. Роли не исключают друг друга.
type Roles struct {
	Customer bool `json:"customer"`
	Author   bool `json:"author"`
}

// Account представляет зарегистрированного пользователя: покупателя, автора или дистрибьютора.
type Account struct {
	ID           string
	Login        string
	PasswordHash []byte
	Wallet       decimal.Decimal
	ReferralCode string
	// ReferredBy задаётся один раз при регистрации.
	ReferredBy string
	Roles      Roles
	CreatedAt  time.Time
}

// Book описывает опубликованную книгу.
type Book struct {
	ID           string
	AuthorID     string
	Title        string
	Description  string
	Pages        int
	Price        decimal.Decimal
	SoldCopies   int64
	Distribution DistributionPolicy
	AssetURL     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BookTask описывает задание автора к книге. Ответы дают читатели, купившие книгу.
type BookTask struct {
	ID        string
	BookID    string
	Task      string
	CreatedAt time.Time
	Answers   []TaskAnswer
}

// TaskAnswer описывает ответ читателя на задание. У читателя один ответ на задание.
type TaskAnswer struct {
	AccountID string
	Answer    string
	UpdatedAt time.Time
}

// PurchasedItem описывает купленную книгу в библиотеке покупателя.
type PurchasedItem struct {
	BookID      string
	Title       string
	Pages       int
	CurrentPage int
	PurchasedAt time.Time
}

// BuyerAttributes содержит произвольные данные покупателя для журнала продаж автора.
type BuyerAttributes struct {
	Name         string `json:"name,omitempty"`
	School       string `json:"school,omitempty"`
	StudentType  string `json:"student_type,omitempty"`
	AcademicYear string `json:"academic_year,omitempty"`
	IDNumber     string `json:"id_number,omitempty"`
	Department   string `json:"department,omitempty"`
}

// Sale описывает запись журнала продаж автора.
type Sale struct {
	ID         string
	AuthorID   string
	BookID     string
	BuyerID    string
	Title      string
	Price      decimal.Decimal
	SoldAt     time.Time
	Attributes BuyerAttributes
}

// CartItem описывает позицию корзины со снимком книги на момент добавления.
type CartItem struct {
	BookID   string          `json:"book_id"`
	AuthorID string          `json:"author_id"`
	Title    string          `json:"title"`
	Pages    int             `json:"pages"`
	Price    decimal.Decimal `json:"price"`
	// ReferralCode хранится в том виде, в котором его ввёл покупатель.
	ReferralCode string `json:"referral_code,omitempty"`
	// ReferrerID заполнен, только если код найден и политика книги допускает этого дистрибьютора.
	ReferrerID string    `json:"referrer_id,omitempty"`
	AddedAt    time.Time `json:"added_at"`
}

// Bookmark описывает закладку на книгу каталога.
type Bookmark struct {
	BookID    string
	Title     string
	CreatedAt time.Time
}

// Deposit описывает пополнение кошелька через платёжный шлюз.
type Deposit struct {
	Reference string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// CartTotal возвращает сумму цен позиций корзины.
func CartTotal(items []CartItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price)
	}
	return total
}
