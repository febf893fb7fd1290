package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

const maxTaskLen = 2000

func validText(s string) bool {
	return s != "" && utf8.RuneCountInString(s) <= maxTaskLen
}

// AddBookTask добавляет задание к книге автора.
func (s *Service) AddBookTask(ctx context.Context, authorID, bookID, task string) (*model.BookTask, error) {
	task = strings.TrimSpace(task)
	if !validText(task) {
		return nil, fmt.Errorf("%w: task text required", ErrInvalidInput)
	}

	b, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if b.AuthorID != authorID {
		return nil, fmt.Errorf("%w: book belongs to another author", ErrForbidden)
	}

	t := &model.BookTask{ID: uuid.NewString(), BookID: bookID, Task: task}
	if err := s.repo.AddBookTask(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info("book task added", zap.String("book", bookID), zap.String("task", t.ID))
	return t, nil
}

// ListBookTasks возвращает задания книги. Автор видит все ответы,
// остальные только свои.
func (s *Service) ListBookTasks(ctx context.Context, accountID, bookID string) ([]model.BookTask, error) {
	b, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	tasks, err := s.repo.ListBookTasks(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if b.AuthorID == accountID {
		return tasks, nil
	}

	for i := range tasks {
		tasks[i].Answers = slices.DeleteFunc(tasks[i].Answers, func(a model.TaskAnswer) bool {
			return a.AccountID != accountID
		})
	}
	return tasks, nil
}

// AnswerBookTask сохраняет ответ читателя на задание. Отвечать могут только
// купившие книгу; повторный ответ заменяет прежний.
func (s *Service) AnswerBookTask(ctx context.Context, accountID, bookID, taskID, answer string) error {
	answer = strings.TrimSpace(answer)
	if !validText(answer) {
		return fmt.Errorf("%w: answer text required", ErrInvalidInput)
	}

	items, err := s.repo.GetPurchasedItems(ctx, accountID)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(items, func(it model.PurchasedItem) bool { return it.BookID == bookID }) {
		return repository.ErrNotPurchased
	}

	return s.repo.AddTaskAnswer(ctx, bookID, taskID, model.TaskAnswer{AccountID: accountID, Answer: answer})
}
