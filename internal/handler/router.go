package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/bookshelf/internal/metrics"
	custommiddleware "github.com/mmeshcher/bookshelf/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware книжного магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(metrics.Middleware)

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Get("/books", h.ListBooks)
		r.Get("/books/{id}", h.GetBook)
		r.Get("/books/{id}/referral", h.CheckReferral)

		r.Post("/payments/webhook", h.PaymentWebhook)

		r.With(custommiddleware.InternalToken(h.internalToken)).
			Post("/internal/settlements", h.InternalSettle)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user", h.GetProfile)
			r.Post("/user/author", h.BecomeAuthor)
			r.Put("/user/password", h.ChangePassword)

			r.Post("/author/books", h.PublishBook)
			r.Put("/author/books/{id}", h.UpdateBook)
			r.Get("/author/books", h.ListAuthorBooks)
			r.Get("/author/sales", h.GetSales)
			r.Post("/author/books/{id}/tasks", h.AddBookTask)

			r.Get("/books/{id}/tasks", h.ListBookTasks)
			r.Put("/books/{id}/tasks/{taskID}/answer", h.AnswerBookTask)

			r.Get("/cart", h.GetCart)
			r.Post("/cart", h.AddToCart)
			r.Delete("/cart/{bookID}", h.RemoveFromCart)

			r.Get("/library", h.GetLibrary)
			r.Put("/library/{bookID}/progress", h.UpdateReadingProgress)

			r.Get("/bookmarks", h.GetBookmarks)
			r.Post("/bookmarks/{bookID}", h.AddBookmark)

			r.Get("/wallet", h.GetWallet)

			r.Group(func(r chi.Router) {
				r.Use(h.rateLimiter.Handler)

				r.Post("/checkout", h.StartCheckout)
				r.Post("/checkout/wallet", h.PayWithWallet)
				r.Post("/checkout/{reference}/confirm", h.ConfirmPayment)
				r.Post("/wallet/deposits", h.StartDeposit)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
