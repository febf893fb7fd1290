package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/referral"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/validation"
)

const referralCodeAttempts = 5

// Registration содержит данные регистрации нового аккаунта.
type Registration struct {
	Login    string
	Password string
	// ReferralCode пригласившего аккаунта, необязателен.
	ReferralCode string
	Author       bool
}

// Wallet содержит баланс кошелька и историю пополнений.
type Wallet struct {
	Balance  decimal.Decimal
	Deposits []model.Deposit
}

// RegisterUser регистрирует новый аккаунт. Реферальный код пригласившего
// фиксируется один раз и далее не меняется.
func (s *Service) RegisterUser(ctx context.Context, reg Registration) (*model.Account, error) {
	if !validation.IsValidLogin(reg.Login) || reg.Password == "" {
		return nil, fmt.Errorf("%w: login and password required", ErrInvalidInput)
	}

	var referredBy string
	if code := strings.TrimSpace(reg.ReferralCode); code != "" {
		inviter, err := s.repo.FindAccountByReferralCode(ctx, code)
		if err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				return nil, fmt.Errorf("%w: %q", referral.ErrInvalidCode, code)
			}
			return nil, err
		}
		referredBy = inviter.ID
	}

	hashed, err := hashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		account := &model.Account{
			ID:           uuid.NewString(),
			Login:        reg.Login,
			PasswordHash: hashed,
			ReferralCode: newReferralCode(),
			ReferredBy:   referredBy,
			Roles:        model.Roles{Customer: true, Author: reg.Author},
		}

		err := s.repo.CreateAccount(ctx, account)
		if err == nil {
			s.logger.Info("account registered",
				zap.String("account", account.ID), zap.Bool("author", reg.Author), zap.Bool("referred", referredBy != ""))
			return account, nil
		}
		if !errors.Is(err, repository.ErrReferralCodeExists) || attempt+1 >= referralCodeAttempts {
			return nil, err
		}
	}
}

// AuthenticateUser проверяет логин и пароль и возвращает идентификатор аккаунта.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (string, error) {
	a, err := s.repo.GetAccountByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	return a.ID, nil
}

// BecomeAuthor добавляет аккаунту роль автора. Роль покупателя сохраняется.
// Повторный вызов ничего не меняет.
func (s *Service) BecomeAuthor(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Roles.Author && a.Roles.Customer {
		return a, nil
	}

	a.Roles = model.Roles{Customer: true, Author: true}
	if err := s.repo.UpdateAccountRoles(ctx, accountID, a.Roles); err != nil {
		return nil, err
	}

	s.logger.Info("account became author", zap.String("account", accountID))
	return a, nil
}

// ChangePassword меняет пароль после проверки текущего.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	if next == "" {
		return fmt.Errorf("%w: new password required", ErrInvalidInput)
	}

	a, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(current)) != nil {
		return ErrInvalidCredentials
	}

	hashed, err := hashPassword(next)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePasswordHash(ctx, accountID, hashed); err != nil {
		return err
	}

	s.logger.Info("password changed", zap.String("account", accountID))
	return nil
}

// GetAccount возвращает аккаунт по идентификатору.
func (s *Service) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// GetWallet возвращает баланс кошелька и историю пополнений.
func (s *Service) GetWallet(ctx context.Context, accountID string) (*Wallet, error) {
	a, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	deposits, err := s.repo.GetDeposits(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &Wallet{Balance: a.Wallet, Deposits: deposits}, nil
}

func hashPassword(password string) ([]byte, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return h, nil
}

func newReferralCode() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:10])
}
