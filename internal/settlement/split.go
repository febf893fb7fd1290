// Package settlement проводит оплаченные покупки: библиотека покупателя, счётчики
// продаж, распределение выручки по кошелькам и журнал продаж автора.
package settlement

import "github.com/shopspring/decimal"

// Доли выручки от цены позиции. Остаток (не менее 10%) остаётся платформе.
var (
	DistributorRate           = decimal.RequireFromString("0.10")
	AuthorRateWithDistributor = decimal.RequireFromString("0.75")
	AuthorRate                = decimal.RequireFromString("0.85")
	AuthorReferrerRate        = decimal.RequireFromString("0.05")
)

// Shares содержит доли выручки одной позиции.
type Shares struct {
	Author         decimal.Decimal
	Distributor    decimal.Decimal
	AuthorReferrer decimal.Decimal
}

// Platform возвращает нераспределённый остаток цены.
func (s Shares) Platform(price decimal.Decimal) decimal.Decimal {
	return price.Sub(s.Author).Sub(s.Distributor).Sub(s.AuthorReferrer)
}

// Split делит цену позиции. Доля реферера автора без реферера не выплачивается
// и автору не переходит. Каждая доля округляется вниз до копейки.
func Split(price decimal.Decimal, withDistributor, authorReferred bool) Shares {
	var s Shares
	if withDistributor {
		s.Distributor = share(price, DistributorRate)
		s.Author = share(price, AuthorRateWithDistributor)
	} else {
		s.Author = share(price, AuthorRate)
	}
	if authorReferred {
		s.AuthorReferrer = share(price, AuthorReferrerRate)
	}
	return s
}

func share(price, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(rate).RoundFloor(2)
}
