// Package validation содержит функции валидации входных данных.
package validation

import (
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	maxReferenceLen    = 100
	maxReferralCodeLen = 64
	maxLoginLen        = 64
)

// IsValidPaymentReference проверяет платёжную ссылку: латиница, цифры и символы . _ - =.
func IsValidPaymentReference(ref string) bool {
	if ref == "" || len(ref) > maxReferenceLen {
		return false
	}

	for _, ch := range ref {
		switch {
		case ch < unicode.MaxASCII && (unicode.IsLetter(ch) || unicode.IsDigit(ch)):
		case ch == '.', ch == '_', ch == '-', ch == '=':
		default:
			return false
		}
	}

	return true
}

// IsValidReferralCode проверяет уже обрезанный реферальный код: без пробелов и управляющих символов.
func IsValidReferralCode(code string) bool {
	if code == "" || len(code) > maxReferralCodeLen {
		return false
	}

	for _, ch := range code {
		if unicode.IsSpace(ch) || !unicode.IsPrint(ch) {
			return false
		}
	}

	return true
}

// IsValidLogin проверяет логин пользователя.
func IsValidLogin(login string) bool {
	if login == "" || len(login) > maxLoginLen {
		return false
	}

	for _, ch := range login {
		if unicode.IsSpace(ch) || !unicode.IsPrint(ch) {
			return false
		}
	}

	return true
}

// IsValidPrice проверяет цену: неотрицательная, не более двух знаков после запятой.
func IsValidPrice(price decimal.Decimal) bool {
	if price.IsNegative() {
		return false
	}
	return price.Equal(price.Truncate(2))
}

// IsValidPage проверяет номер страницы в книге из pages страниц.
func IsValidPage(page, pages int) bool {
	return page >= 1 && page <= pages
}
