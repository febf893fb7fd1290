package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
)

type cartRequest struct {
	BookID       string `json:"book_id"`
	ReferralCode string `json:"referral_code"`
}

type cartResponse struct {
	Items []model.CartItem `json:"items"`
	Total decimal.Decimal  `json:"total"`
}

// GetCart возвращает корзину текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	items, total, err := h.service.GetCart(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "get cart error", zap.String("account", accountID))
		return
	}
	if items == nil {
		items = []model.CartItem{}
	}

	writeJSON(w, http.StatusOK, cartResponse{Items: items, Total: total})
}

// AddToCart кладёт книгу в корзину текущего пользователя.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req cartRequest
	if err := decodeJSON(r, &req); err != nil || req.BookID == "" {
		badRequest(w)
		return
	}

	item, err := h.service.AddToCart(r.Context(), accountID, req.BookID, req.ReferralCode)
	if err != nil {
		h.fail(w, err, "add to cart error", zap.String("account", accountID), zap.String("book", req.BookID))
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// RemoveFromCart убирает книгу из корзины.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	bookID := chi.URLParam(r, "bookID")
	removed, err := h.service.RemoveFromCart(r.Context(), accountID, bookID)
	if err != nil {
		h.fail(w, err, "remove from cart error", zap.String("account", accountID), zap.String("book", bookID))
		return
	}
	if !removed {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type libraryItemResponse struct {
	BookID      string `json:"book_id"`
	Title       string `json:"title"`
	Pages       int    `json:"pages"`
	CurrentPage int    `json:"current_page"`
	PurchasedAt string `json:"purchased_at"`
}

// GetLibrary возвращает купленные книги.
func (h *Handler) GetLibrary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	items, err := h.service.GetLibrary(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "get library error", zap.String("account", accountID))
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]libraryItemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, libraryItemResponse{
			BookID:      it.BookID,
			Title:       it.Title,
			Pages:       it.Pages,
			CurrentPage: it.CurrentPage,
			PurchasedAt: formatTime(it.PurchasedAt),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type progressRequest struct {
	Page int `json:"page"`
}

// UpdateReadingProgress сохраняет страницу, на которой остановился читатель.
func (h *Handler) UpdateReadingProgress(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w)
		return
	}

	bookID := chi.URLParam(r, "bookID")
	if err := h.service.UpdateReadingProgress(r.Context(), accountID, bookID, req.Page); err != nil {
		h.fail(w, err, "update progress error", zap.String("account", accountID), zap.String("book", bookID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type bookmarkResponse struct {
	BookID    string `json:"book_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// GetBookmarks возвращает закладки.
func (h *Handler) GetBookmarks(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	marks, err := h.service.GetBookmarks(r.Context(), accountID)
	if err != nil {
		h.fail(w, err, "get bookmarks error", zap.String("account", accountID))
		return
	}

	if len(marks) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bookmarkResponse, 0, len(marks))
	for _, m := range marks {
		resp = append(resp, bookmarkResponse{BookID: m.BookID, Title: m.Title, CreatedAt: formatTime(m.CreatedAt)})
	}

	writeJSON(w, http.StatusOK, resp)
}

// AddBookmark добавляет закладку. Повторное добавление возвращает 200.
func (h *Handler) AddBookmark(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	bookID := chi.URLParam(r, "bookID")
	added, err := h.service.AddBookmark(r.Context(), accountID, bookID)
	if err != nil {
		h.fail(w, err, "add bookmark error", zap.String("account", accountID), zap.String("book", bookID))
		return
	}

	if !added {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
