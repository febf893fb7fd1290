// Package referral определяет, положена ли дистрибьютору доля от продажи книги.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

// ErrInvalidCode возвращается, если реферальный код не принадлежит ни одному аккаунту.
var ErrInvalidCode = errors.New("invalid referral code")

// AccountFinder ищет аккаунт по реферальному коду.
type AccountFinder interface {
	FindAccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
}

// Resolution содержит результат проверки кода. Пустой ReferrerID означает, что доли дистрибьютора нет.
type Resolution struct {
	Code       string
	ReferrerID string
}

// HasReferrer сообщает, найден ли дистрибьютор.
func (r Resolution) HasReferrer() bool {
	return r.ReferrerID != ""
}

// Resolver проверяет реферальные коды против политики распространения книги.
// Не изменяет состояние и безопасен для конкурентного использования.
type Resolver struct {
	accounts AccountFinder
}

// NewResolver создаёт Resolver поверх хранилища аккаунтов.
func NewResolver(accounts AccountFinder) *Resolver {
	return &Resolver{accounts: accounts}
}

// Resolve возвращает дистрибьютора для книги по введённому коду.
//
// Код обрезается по краям и сравнивается с учётом регистра. Неизвестный код даёт
// ErrInvalidCode; код аккаунта, которому политика книги не разрешает
// распространение, даёт пустой результат без ошибки.
func (r *Resolver) Resolve(ctx context.Context, book *model.Book, code string) (Resolution, error) {
	code = strings.TrimSpace(code)
	res := Resolution{Code: code}

	if code == "" || book.Distribution.Kind == model.DistributionAuthorOnly {
		return res, nil
	}

	account, err := r.accounts.FindAccountByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return res, fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
		return res, fmt.Errorf("find referral code: %w", err)
	}

	// Автор не может получать долю дистрибьютора за собственную книгу.
	if account.ID == book.AuthorID {
		return res, nil
	}

	if !book.Distribution.Permits(account.ID) {
		return res, nil
	}

	res.ReferrerID = account.ID
	return res, nil
}
