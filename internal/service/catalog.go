package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/referral"
	"github.com/mmeshcher/bookshelf/internal/validation"
)

// BookInput содержит редактируемые автором поля книги.
type BookInput struct {
	Title        string
	Description  string
	Pages        int
	Price        decimal.Decimal
	Distribution string
	Allowed      []string
	AssetURL     string
}

func (in BookInput) policy() (model.DistributionPolicy, error) {
	p, err := model.ParseDistributionPolicy(strings.ToUpper(in.Distribution), in.Allowed)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return p, nil
}

func (in BookInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidInput)
	}
	if in.Pages < 1 {
		return fmt.Errorf("%w: pages must be positive", ErrInvalidInput)
	}
	if !validation.IsValidPrice(in.Price) {
		return fmt.Errorf("%w: invalid price %s", ErrInvalidInput, in.Price)
	}
	return nil
}

func (s *Service) requireAuthor(ctx context.Context, accountID string) error {
	a, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !a.Roles.Author {
		return fmt.Errorf("%w: account is not an author", ErrForbidden)
	}
	return nil
}

// PublishBook публикует книгу от имени автора.
func (s *Service) PublishBook(ctx context.Context, authorID string, in BookInput) (*model.Book, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	policy, err := in.policy()
	if err != nil {
		return nil, err
	}
	if err := s.requireAuthor(ctx, authorID); err != nil {
		return nil, err
	}

	b := &model.Book{
		ID:           uuid.NewString(),
		AuthorID:     authorID,
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Pages:        in.Pages,
		Price:        in.Price,
		Distribution: policy,
		AssetURL:     in.AssetURL,
	}
	if err := s.repo.CreateBook(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info("book published", zap.String("book", b.ID), zap.String("author", authorID))
	return b, nil
}

// UpdateBook изменяет книгу. Изменять можно только собственные книги.
// Количество страниц после публикации не меняется.
func (s *Service) UpdateBook(ctx context.Context, authorID, bookID string, in BookInput) (*model.Book, error) {
	b, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if b.AuthorID != authorID {
		return nil, fmt.Errorf("%w: book belongs to another author", ErrForbidden)
	}

	in.Pages = b.Pages
	if err := in.validate(); err != nil {
		return nil, err
	}
	policy, err := in.policy()
	if err != nil {
		return nil, err
	}

	b.Title = strings.TrimSpace(in.Title)
	b.Description = in.Description
	b.Price = in.Price
	b.Distribution = policy
	b.AssetURL = in.AssetURL

	if err := s.repo.UpdateBook(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBooks возвращает каталог.
func (s *Service) ListBooks(ctx context.Context) ([]model.Book, error) {
	return s.repo.ListBooks(ctx)
}

// GetBook возвращает книгу каталога.
func (s *Service) GetBook(ctx context.Context, bookID string) (*model.Book, error) {
	return s.repo.GetBook(ctx, bookID)
}

// ListAuthorBooks возвращает книги автора со счётчиками продаж.
func (s *Service) ListAuthorBooks(ctx context.Context, authorID string) ([]model.Book, error) {
	return s.repo.ListBooksByAuthor(ctx, authorID)
}

// GetSales возвращает журнал продаж автора.
func (s *Service) GetSales(ctx context.Context, authorID string) ([]model.Sale, error) {
	if err := s.requireAuthor(ctx, authorID); err != nil {
		return nil, err
	}
	return s.repo.GetSales(ctx, authorID)
}

// CheckReferral проверяет реферальный код для книги. В отличие от корзины,
// неизвестный код возвращает referral.ErrInvalidCode.
func (s *Service) CheckReferral(ctx context.Context, bookID, code string) (referral.Resolution, error) {
	b, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return referral.Resolution{}, err
	}
	return s.resolver.Resolve(ctx, b, code)
}

// AddToCart кладёт книгу в корзину со снимком цены и найденным дистрибьютором.
// Неизвестный реферальный код не мешает покупке: позиция сохраняется без дистрибьютора.
func (s *Service) AddToCart(ctx context.Context, accountID, bookID, code string) (*model.CartItem, error) {
	b, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	res, err := s.resolver.Resolve(ctx, b, code)
	if err != nil {
		if !errors.Is(err, referral.ErrInvalidCode) {
			return nil, err
		}
		s.logger.Warn("unknown referral code ignored",
			zap.String("account", accountID), zap.String("book", bookID), zap.String("code", res.Code))
	}

	it := model.CartItem{
		BookID:       b.ID,
		AuthorID:     b.AuthorID,
		Title:        b.Title,
		Pages:        b.Pages,
		Price:        b.Price,
		ReferralCode: res.Code,
		ReferrerID:   res.ReferrerID,
		AddedAt:      s.now().UTC(),
	}
	if err := s.repo.AddCartItem(ctx, accountID, it); err != nil {
		return nil, err
	}
	return &it, nil
}

// RemoveFromCart убирает книгу из корзины и сообщает, была ли она там.
func (s *Service) RemoveFromCart(ctx context.Context, accountID, bookID string) (bool, error) {
	return s.repo.RemoveCartItem(ctx, accountID, bookID)
}

// GetCart возвращает корзину и её сумму.
func (s *Service) GetCart(ctx context.Context, accountID string) ([]model.CartItem, decimal.Decimal, error) {
	items, err := s.repo.GetCart(ctx, accountID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return items, model.CartTotal(items), nil
}

// GetLibrary возвращает купленные книги.
func (s *Service) GetLibrary(ctx context.Context, accountID string) ([]model.PurchasedItem, error) {
	return s.repo.GetPurchasedItems(ctx, accountID)
}

// UpdateReadingProgress сохраняет страницу, на которой остановился читатель.
func (s *Service) UpdateReadingProgress(ctx context.Context, accountID, bookID string, page int) error {
	items, err := s.repo.GetPurchasedItems(ctx, accountID)
	if err != nil {
		return err
	}

	pages := -1
	for _, it := range items {
		if it.BookID == bookID {
			pages = it.Pages
			break
		}
	}
	if pages >= 0 && !validation.IsValidPage(page, pages) {
		return fmt.Errorf("%w: page %d out of range 1..%d", ErrInvalidInput, page, pages)
	}

	return s.repo.UpdateReadingProgress(ctx, accountID, bookID, page)
}

// AddBookmark добавляет закладку. Возвращает false, если закладка уже была.
func (s *Service) AddBookmark(ctx context.Context, accountID, bookID string) (bool, error) {
	b, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return false, err
	}
	return s.repo.AddBookmark(ctx, accountID, model.Bookmark{
		BookID:    b.ID,
		Title:     b.Title,
		CreatedAt: s.now().UTC(),
	})
}

// GetBookmarks возвращает закладки аккаунта.
func (s *Service) GetBookmarks(ctx context.Context, accountID string) ([]model.Bookmark, error) {
	return s.repo.GetBookmarks(ctx, accountID)
}
