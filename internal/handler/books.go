package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/service"
)

type bookRequest struct {
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Pages        int             `json:"pages"`
	Price        decimal.Decimal `json:"price"`
	Distribution string          `json:"distribution"`
	Allowed      []string        `json:"allowed_distributors"`
	AssetURL     string          `json:"asset_url"`
}

func (b bookRequest) input() service.BookInput {
	return service.BookInput{
		Title:        b.Title,
		Description:  b.Description,
		Pages:        b.Pages,
		Price:        b.Price,
		Distribution: b.Distribution,
		Allowed:      b.Allowed,
		AssetURL:     b.AssetURL,
	}
}

type bookResponse struct {
	ID           string          `json:"id"`
	AuthorID     string          `json:"author_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Pages        int             `json:"pages"`
	Price        decimal.Decimal `json:"price"`
	SoldCopies   int64           `json:"sold_copies"`
	Distribution string          `json:"distribution"`
	Allowed      []string        `json:"allowed_distributors,omitempty"`
	AssetURL     string          `json:"asset_url,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

func toBookResponse(b *model.Book) bookResponse {
	return bookResponse{
		ID:           b.ID,
		AuthorID:     b.AuthorID,
		Title:        b.Title,
		Description:  b.Description,
		Pages:        b.Pages,
		Price:        b.Price,
		SoldCopies:   b.SoldCopies,
		Distribution: string(b.Distribution.Kind),
		Allowed:      b.Distribution.Allowed,
		AssetURL:     b.AssetURL,
		CreatedAt:    formatTime(b.CreatedAt),
	}
}

func toBookList(books []model.Book) []bookResponse {
	resp := make([]bookResponse, 0, len(books))
	for i := range books {
		resp = append(resp, toBookResponse(&books[i]))
	}
	return resp
}

// ListBooks возвращает каталог.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		h.fail(w, err, "list books error")
		return
	}

	writeJSON(w, http.StatusOK, toBookList(books))
}

// GetBook возвращает книгу каталога.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "id")

	book, err := h.service.GetBook(r.Context(), bookID)
	if err != nil {
		h.fail(w, err, "get book error", zap.String("book", bookID))
		return
	}

	writeJSON(w, http.StatusOK, toBookResponse(book))
}

type referralResponse struct {
	Code        string `json:"code"`
	Valid       bool   `json:"valid"`
	HasReferrer bool   `json:"has_referrer"`
}

// CheckReferral проверяет реферальный код для книги.
func (h *Handler) CheckReferral(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "id")

	res, err := h.service.CheckReferral(r.Context(), bookID, r.URL.Query().Get("code"))
	if err != nil {
		h.fail(w, err, "check referral error", zap.String("book", bookID))
		return
	}

	writeJSON(w, http.StatusOK, referralResponse{Code: res.Code, Valid: true, HasReferrer: res.HasReferrer()})
}

// PublishBook публикует книгу текущего автора.
func (h *Handler) PublishBook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req bookRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	book, err := h.service.PublishBook(r.Context(), accountID, req.input())
	if err != nil {
		h.fail(w, err, "publish book error", zap.String("account", accountID))
		return
	}

	writeJSON(w, http.StatusCreated, toBookResponse(book))
}

// UpdateBook изменяет книгу текущего автора.
func (h *Handler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req bookRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	bookID := chi.URLParam(r, "id")
	book, err := h.service.UpdateBook(r.Context(), accountID, bookID, req.input())
	if err != nil {
		h.fail(w, err, "update book error", zap.String("account", accountID), zap.String("book", bookID))
		return
	}

	writeJSON(w, http.StatusOK, toBookResponse(book))
}

// ListAuthorBooks возвращает книги текущего автора.
func (h *Handler) ListAuthorBooks(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	books, err := h.service.ListAuthorBooks(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "list author books error", zap.String("account", accountID))
		return
	}

	if len(books) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, toBookList(books))
}

type saleResponse struct {
	BookID     string                `json:"book_id"`
	Title      string                `json:"title"`
	BuyerID    string                `json:"buyer_id"`
	Price      decimal.Decimal       `json:"price"`
	SoldAt     string                `json:"sold_at"`
	Attributes model.BuyerAttributes `json:"buyer"`
}

// GetSales возвращает журнал продаж текущего автора.
func (h *Handler) GetSales(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	sales, err := h.service.GetSales(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "get sales error", zap.String("account", accountID))
		return
	}

	if len(sales) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]saleResponse, 0, len(sales))
	for _, s := range sales {
		resp = append(resp, saleResponse{
			BookID:     s.BookID,
			Title:      s.Title,
			BuyerID:    s.BuyerID,
			Price:      s.Price,
			SoldAt:     formatTime(s.SoldAt),
			Attributes: s.Attributes,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type taskRequest struct {
	Task string `json:"task"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type taskAnswerResponse struct {
	AccountID string `json:"account_id"`
	Answer    string `json:"answer"`
	UpdatedAt string `json:"updated_at"`
}

type taskResponse struct {
	ID        string               `json:"id"`
	Task      string               `json:"task"`
	CreatedAt string               `json:"created_at"`
	Answers   []taskAnswerResponse `json:"answers"`
}

func toTaskResponse(t *model.BookTask) taskResponse {
	resp := taskResponse{
		ID:        t.ID,
		Task:      t.Task,
		CreatedAt: formatTime(t.CreatedAt),
		Answers:   make([]taskAnswerResponse, 0, len(t.Answers)),
	}
	for _, a := range t.Answers {
		resp.Answers = append(resp.Answers, taskAnswerResponse{
			AccountID: a.AccountID,
			Answer:    a.Answer,
			UpdatedAt: formatTime(a.UpdatedAt),
		})
	}
	return resp
}

// AddBookTask добавляет задание к книге текущего автора.
func (h *Handler) AddBookTask(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	bookID := chi.URLParam(r, "id")
	task, err := h.service.AddBookTask(r.Context(), accountID, bookID, req.Task)
	if err != nil {
		h.fail(w, err, "add book task error", zap.String("account", accountID), zap.String("book", bookID))
		return
	}

	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

// ListBookTasks возвращает задания книги.
func (h *Handler) ListBookTasks(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	bookID := chi.URLParam(r, "id")
	tasks, err := h.service.ListBookTasks(r.Context(), accountID, bookID)
	if err != nil {
		h.fail(w, err, "list book tasks error", zap.String("account", accountID), zap.String("book", bookID))
		return
	}

	if len(tasks) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		resp = append(resp, toTaskResponse(&tasks[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AnswerBookTask сохраняет ответ текущего пользователя на задание.
func (h *Handler) AnswerBookTask(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	bookID, taskID := chi.URLParam(r, "id"), chi.URLParam(r, "taskID")
	if err := h.service.AnswerBookTask(r.Context(), accountID, bookID, taskID, req.Answer); err != nil {
		h.fail(w, err, "answer book task error", zap.String("account", accountID), zap.String("task", taskID))
		return
	}

	w.WriteHeader(http.StatusOK)
}
