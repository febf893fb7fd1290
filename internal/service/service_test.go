package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/referral"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/settlement"
)

type stubGateway struct {
	mu         sync.Mutex
	tx         map[string]*gateway.Transaction
	code       int
	retryAfter time.Duration
	err        error
}

func newStubGateway() *stubGateway {
	return &stubGateway{tx: make(map[string]*gateway.Transaction)}
}

func (g *stubGateway) Configured() bool { return true }

func (g *stubGateway) VerifyTransaction(_ context.Context, reference string) (*gateway.Transaction, int, time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, 0, 0, g.err
	}
	if g.code == http.StatusTooManyRequests {
		return nil, g.code, g.retryAfter, nil
	}
	tr, ok := g.tx[reference]
	if !ok {
		return nil, http.StatusNotFound, 0, nil
	}
	return tr, http.StatusOK, 0, nil
}

func (g *stubGateway) set(reference, status string, amountMinor int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tx[reference] = &gateway.Transaction{Reference: reference, Status: status, Amount: amountMinor}
}

type env struct {
	t    *testing.T
	ctx  context.Context
	repo *repository.MemoryRepository
	gw   *stubGateway
	svc  *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := repository.NewMemoryRepository()
	gw := newStubGateway()
	return &env{
		t:    t,
		ctx:  context.Background(),
		repo: repo,
		gw:   gw,
		svc:  NewService(repo, gw, "whsec", zap.NewNop()),
	}
}

func (e *env) register(login string, author bool, code string) *model.Account {
	e.t.Helper()
	a, err := e.svc.RegisterUser(e.ctx, Registration{Login: login, Password: "pw", Author: author, ReferralCode: code})
	require.NoError(e.t, err)
	return a
}

func (e *env) publish(authorID, price string, policy string, allowed ...string) *model.Book {
	e.t.Helper()
	b, err := e.svc.PublishBook(e.ctx, authorID, BookInput{
		Title:        "Book",
		Pages:        50,
		Price:        decimal.RequireFromString(price),
		Distribution: policy,
		Allowed:      allowed,
	})
	require.NoError(e.t, err)
	return b
}

func (e *env) wallet(id string) decimal.Decimal {
	e.t.Helper()
	a, err := e.repo.GetAccount(e.ctx, id)
	require.NoError(e.t, err)
	return a.Wallet
}

func TestRegisterAndAuthenticate(t *testing.T) {
	e := newEnv(t)
	inviter := e.register("inviter", true, "")
	require.NotEmpty(t, inviter.ReferralCode)

	author := e.register("author", true, "  "+inviter.ReferralCode+" ")
	assert.Equal(t, inviter.ID, author.ReferredBy)

	id, err := e.svc.AuthenticateUser(e.ctx, "author", "pw")
	require.NoError(t, err)
	assert.Equal(t, author.ID, id)

	_, err = e.svc.AuthenticateUser(e.ctx, "author", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = e.svc.AuthenticateUser(e.ctx, "nobody", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = e.svc.RegisterUser(e.ctx, Registration{Login: "author", Password: "pw"})
	assert.ErrorIs(t, err, repository.ErrLoginExists)

	_, err = e.svc.RegisterUser(e.ctx, Registration{Login: "x", Password: "pw", ReferralCode: "NOPE"})
	assert.ErrorIs(t, err, referral.ErrInvalidCode)

	_, err = e.svc.RegisterUser(e.ctx, Registration{Login: "", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHashPasswordSalted(t *testing.T) {
	a, err := hashPassword("pass")
	require.NoError(t, err)
	b, err := hashPassword("pass")
	require.NoError(t, err)

	if string(a) == string(b) {
		t.Fatalf("hashes of the same password must differ")
	}
}

func TestPublishAndUpdateBook(t *testing.T) {
	e := newEnv(t)
	reader := e.register("reader", false, "")
	author := e.register("author", true, "")
	other := e.register("other", true, "")

	_, err := e.svc.PublishBook(e.ctx, reader.ID, BookInput{Title: "T", Pages: 1, Price: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = e.svc.PublishBook(e.ctx, author.ID, BookInput{Title: "T", Pages: 1, Price: decimal.RequireFromString("1.001")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.svc.PublishBook(e.ctx, author.ID, BookInput{Title: "T", Pages: 1, Price: decimal.NewFromInt(1), Distribution: "secret"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	b := e.publish(author.ID, "10", "restricted", other.ID)
	assert.Equal(t, model.DistributionRestricted, b.Distribution.Kind)

	_, err = e.svc.UpdateBook(e.ctx, other.ID, b.ID, BookInput{Title: "Mine", Price: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := e.svc.UpdateBook(e.ctx, author.ID, b.ID, BookInput{Title: "New", Price: decimal.NewFromInt(12), Distribution: "AUTHOR_ONLY"})
	require.NoError(t, err)
	assert.Equal(t, "New", updated.Title)
	assert.Equal(t, 50, updated.Pages)
	assert.Equal(t, model.DistributionAuthorOnly, updated.Distribution.Kind)

	books, err := e.svc.ListAuthorBooks(e.ctx, author.ID)
	require.NoError(t, err)
	assert.Len(t, books, 1)
}

func TestAddToCart_ReferralResolution(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	d1 := e.register("d1", false, "")
	d2 := e.register("d2", false, "")

	restricted := e.publish(author.ID, "10", "RESTRICTED", d1.ID)

	it, err := e.svc.AddToCart(e.ctx, buyer.ID, restricted.ID, d1.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, it.ReferrerID)

	_, err = e.svc.RemoveFromCart(e.ctx, buyer.ID, restricted.ID)
	require.NoError(t, err)

	it, err = e.svc.AddToCart(e.ctx, buyer.ID, restricted.ID, d2.ReferralCode)
	require.NoError(t, err)
	assert.Empty(t, it.ReferrerID)

	open := e.publish(author.ID, "5", "")
	it, err = e.svc.AddToCart(e.ctx, buyer.ID, open.ID, "UNKNOWN")
	require.NoError(t, err, "unknown code must not block the cart")
	assert.Empty(t, it.ReferrerID)
	assert.Equal(t, "UNKNOWN", it.ReferralCode)

	_, err = e.svc.CheckReferral(e.ctx, open.ID, "UNKNOWN")
	assert.ErrorIs(t, err, referral.ErrInvalidCode)

	items, total, err := e.svc.GetCart(e.ctx, buyer.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.True(t, total.Equal(decimal.NewFromInt(15)))
}

func TestCheckout_ConfirmedByGateway(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	dist := e.register("dist", false, "")
	b := e.publish(author.ID, "1000", "OPEN")

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, dist.ReferralCode)
	require.NoError(t, err)

	intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{Name: "Ada"})
	require.NoError(t, err)
	assert.True(t, intent.Amount.Equal(decimal.NewFromInt(1000)))

	_, err = e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
	require.ErrorIs(t, err, ErrPaymentPending)
	assert.True(t, e.wallet(author.ID).IsZero())

	e.gw.set(intent.Reference, gateway.StatusSuccess, 100000)

	conf, err := e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
	require.NoError(t, err)
	require.NotNil(t, conf.Settlement)
	assert.False(t, conf.Settlement.Duplicate)

	assert.True(t, e.wallet(author.ID).Equal(decimal.NewFromInt(750)))
	assert.True(t, e.wallet(dist.ID).Equal(decimal.NewFromInt(100)))

	stored, err := e.repo.GetPaymentIntent(e.ctx, intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusSettled, stored.Status)

	cart, _, err := e.svc.GetCart(e.ctx, buyer.ID)
	require.NoError(t, err)
	assert.Empty(t, cart)

	sales, err := e.svc.GetSales(e.ctx, author.ID)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "Ada", sales[0].Attributes.Name)

	again, err := e.svc.ConfirmPayment(e.ctx, "", intent.Reference)
	require.NoError(t, err)
	assert.True(t, again.Settlement.Duplicate)
	assert.True(t, e.wallet(author.ID).Equal(decimal.NewFromInt(750)))
}

func TestCheckout_AmountMismatchFailsIntent(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "1000", "")

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
	require.NoError(t, err)
	intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
	require.NoError(t, err)

	e.gw.set(intent.Reference, gateway.StatusSuccess, 100)

	_, err = e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
	require.Error(t, err)
	assert.True(t, e.wallet(author.ID).IsZero())

	stored, err := e.repo.GetPaymentIntent(e.ctx, intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusFailed, stored.Status)

	_, err = e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
	assert.ErrorIs(t, err, ErrPaymentFailed)
}

func TestCheckout_CancelledPaymentMutatesNothing(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "10", "")

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
	require.NoError(t, err)
	intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
	require.NoError(t, err)

	e.gw.set(intent.Reference, gateway.StatusAbandoned, 1000)

	_, err = e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
	require.ErrorIs(t, err, ErrPaymentFailed)

	library, err := e.svc.GetLibrary(e.ctx, buyer.ID)
	require.NoError(t, err)
	assert.Empty(t, library)

	cart, _, err := e.svc.GetCart(e.ctx, buyer.ID)
	require.NoError(t, err)
	assert.Len(t, cart, 1)
}

func TestConfirmPayment_OtherBuyer(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	other := e.register("other", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "10", "")

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
	require.NoError(t, err)
	intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
	require.NoError(t, err)

	_, err = e.svc.ConfirmPayment(e.ctx, other.ID, intent.Reference)
	assert.ErrorIs(t, err, repository.ErrIntentNotFound)
}

func TestStartCheckout_EmptyCart(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")

	_, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestPayWithWallet(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "300", "")
	require.NoError(t, e.repo.SetWallet(e.ctx, buyer.ID, decimal.NewFromInt(250)))

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
	require.NoError(t, err)

	_, err = e.svc.PayWithWallet(e.ctx, buyer.ID, "", model.BuyerAttributes{})
	require.ErrorIs(t, err, repository.ErrInsufficientBalance)
	assert.True(t, e.wallet(buyer.ID).Equal(decimal.NewFromInt(250)))

	require.NoError(t, e.repo.SetWallet(e.ctx, buyer.ID, decimal.NewFromInt(400)))

	res, err := e.svc.PayWithWallet(e.ctx, buyer.ID, "order-1", model.BuyerAttributes{})
	require.NoError(t, err)
	assert.True(t, res.BuyerBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, e.wallet(author.ID).Equal(decimal.NewFromInt(255)))

	_, err = e.svc.PayWithWallet(e.ctx, buyer.ID, "order-2", model.BuyerAttributes{})
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestPayWithWallet_BlockedByPendingCheckout(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "10", "")
	require.NoError(t, e.repo.SetWallet(e.ctx, buyer.ID, decimal.NewFromInt(100)))

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
	require.NoError(t, err)
	_, err = e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
	require.NoError(t, err)

	_, err = e.svc.PayWithWallet(e.ctx, buyer.ID, "", model.BuyerAttributes{})
	assert.ErrorIs(t, err, ErrCheckoutPending)
	assert.True(t, e.wallet(buyer.ID).Equal(decimal.NewFromInt(100)))
}

func TestDeposit(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")

	_, err := e.svc.StartDeposit(e.ctx, buyer.ID, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidInput)

	intent, err := e.svc.StartDeposit(e.ctx, buyer.ID, decimal.RequireFromString("25.50"))
	require.NoError(t, err)

	e.gw.set(intent.Reference, gateway.StatusSuccess, 2550)

	conf, err := e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
	require.NoError(t, err)
	require.NotNil(t, conf.Deposit)
	assert.True(t, conf.Deposit.Balance.Equal(decimal.RequireFromString("25.50")))

	conf, err = e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
	require.NoError(t, err)
	assert.True(t, conf.Deposit.Duplicate)

	w, err := e.svc.GetWallet(e.ctx, buyer.ID)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("25.50")))
	assert.Len(t, w.Deposits, 1)
}

func TestHandleWebhook(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")

	intent, err := e.svc.StartDeposit(e.ctx, buyer.ID, decimal.NewFromInt(10))
	require.NoError(t, err)
	e.gw.set(intent.Reference, gateway.StatusSuccess, 1000)

	body := []byte(`{"event":"charge.success","data":{"reference":"` + intent.Reference + `","status":"success","amount":1000}}`)

	err = e.svc.HandleWebhook(e.ctx, body, "bad")
	assert.ErrorIs(t, err, gateway.ErrBadSignature)
	assert.True(t, e.wallet(buyer.ID).IsZero())

	require.NoError(t, e.svc.HandleWebhook(e.ctx, body, gateway.Sign("whsec", body)))
	assert.True(t, e.wallet(buyer.ID).Equal(decimal.NewFromInt(10)))

	require.NoError(t, e.svc.HandleWebhook(e.ctx, body, gateway.Sign("whsec", body)))
	assert.True(t, e.wallet(buyer.ID).Equal(decimal.NewFromInt(10)))

	other := []byte(`{"event":"transfer.success","data":{"reference":"x"}}`)
	require.NoError(t, e.svc.HandleWebhook(e.ctx, other, gateway.Sign("whsec", other)))
}

func TestSettle_InternalCommand(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	dist := e.register("dist", false, "")
	b := e.publish(author.ID, "1000", "")

	amount := decimal.NewFromInt(1000)
	res, err := e.svc.Settle(e.ctx, SettlementCommand{
		Reference: "rpc-1",
		BuyerID:   buyer.ID,
		Items:     []LineItem{{BookID: b.ID, Price: b.Price, ReferralCode: dist.ReferralCode}},
		Amount:    &amount,
	})
	require.NoError(t, err)
	assert.Len(t, res.Credits, 2)
	assert.True(t, e.wallet(dist.ID).Equal(decimal.NewFromInt(100)))

	_, err = e.svc.Settle(e.ctx, SettlementCommand{Reference: "bad ref", BuyerID: buyer.ID})
	assert.ErrorIs(t, err, settlement.ErrInvalidRequest)
}

func TestSettle_ExplicitReferrerMustBePermitted(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	dist := e.register("dist", false, "")
	partner := e.register("partner", false, "")
	closed := e.publish(author.ID, "1000", string(model.DistributionAuthorOnly))
	restricted := e.publish(author.ID, "1000", string(model.DistributionRestricted), partner.ID)

	amount := decimal.NewFromInt(2000)
	res, err := e.svc.Settle(e.ctx, SettlementCommand{
		Reference: "rpc-1",
		BuyerID:   buyer.ID,
		Items: []LineItem{
			{BookID: closed.ID, Price: closed.Price, ReferrerID: dist.ID},
			{BookID: restricted.ID, Price: restricted.Price, ReferrerID: dist.ID},
		},
		Amount: &amount,
	})
	require.NoError(t, err)
	for _, c := range res.Credits {
		assert.NotEqual(t, model.ShareRoleDistributor, c.Role)
	}
	assert.True(t, e.wallet(dist.ID).IsZero())
	assert.True(t, e.wallet(author.ID).Equal(decimal.NewFromInt(1700)))
}

func TestSettle_ExplicitReferrerEqualToAuthorDropped(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "1000", "")

	_, err := e.svc.Settle(e.ctx, SettlementCommand{
		Reference: "rpc-1",
		BuyerID:   buyer.ID,
		Items:     []LineItem{{BookID: b.ID, Price: b.Price, ReferrerID: author.ID}},
	})
	require.NoError(t, err)
	assert.True(t, e.wallet(author.ID).Equal(decimal.NewFromInt(850)))
}

func TestPayWithWallet_GatewayReferenceRejected(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "10", "")
	require.NoError(t, e.repo.SetWallet(e.ctx, buyer.ID, decimal.NewFromInt(100)))

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
	require.NoError(t, err)
	intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
	require.NoError(t, err)

	start := time.Now()
	e.svc.now = func() time.Time { return start.Add(pendingCheckoutWindow + time.Minute) }

	_, err = e.svc.PayWithWallet(e.ctx, buyer.ID, intent.Reference, model.BuyerAttributes{})
	require.ErrorIs(t, err, settlement.ErrReferenceTaken)
	assert.True(t, e.wallet(buyer.ID).Equal(decimal.NewFromInt(100)))

	pending, err := e.repo.GetPaymentIntent(e.ctx, intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusPending, pending.Status)

	_, err = e.svc.PayWithWallet(e.ctx, buyer.ID, "", model.BuyerAttributes{})
	require.NoError(t, err)
	assert.True(t, e.wallet(buyer.ID).Equal(decimal.NewFromInt(90)))
}

func TestConfirmPayment_NoGateway(t *testing.T) {
	setup := func(t *testing.T, opts ...Option) (*env, *model.Account, *model.Book) {
		t.Helper()
		e := newEnv(t)
		e.svc = NewService(e.repo, nil, "", zap.NewNop(), opts...)
		buyer := e.register("buyer", false, "")
		author := e.register("author", true, "")
		b := e.publish(author.ID, "10", "")
		return e, buyer, b
	}

	t.Run("deposit is never settled unverified", func(t *testing.T) {
		e, buyer, _ := setup(t, WithUnverifiedPayments(true))

		intent, err := e.svc.StartDeposit(e.ctx, buyer.ID, decimal.NewFromInt(1000000))
		require.NoError(t, err)

		_, err = e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
		require.ErrorIs(t, err, ErrPaymentUnverified)
		assert.True(t, e.wallet(buyer.ID).IsZero())

		stored, err := e.repo.GetPaymentIntent(e.ctx, intent.Reference)
		require.NoError(t, err)
		assert.Equal(t, model.IntentStatusPending, stored.Status)
	})

	t.Run("purchase refused by default", func(t *testing.T) {
		e, buyer, b := setup(t)

		_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
		require.NoError(t, err)
		intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
		require.NoError(t, err)

		_, err = e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
		require.ErrorIs(t, err, ErrPaymentUnverified)

		library, err := e.svc.GetLibrary(e.ctx, buyer.ID)
		require.NoError(t, err)
		assert.Empty(t, library)
	})

	t.Run("purchase settled when allowed", func(t *testing.T) {
		e, buyer, b := setup(t, WithUnverifiedPayments(true))

		_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
		require.NoError(t, err)
		intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
		require.NoError(t, err)

		conf, err := e.svc.ConfirmPayment(e.ctx, buyer.ID, intent.Reference)
		require.NoError(t, err)
		require.NotNil(t, conf.Settlement)

		library, err := e.svc.GetLibrary(e.ctx, buyer.ID)
		require.NoError(t, err)
		assert.Len(t, library, 1)
	})
}

func TestUpdateReadingProgress(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "10", "")

	err := e.svc.UpdateReadingProgress(e.ctx, buyer.ID, b.ID, 1)
	assert.ErrorIs(t, err, repository.ErrNotPurchased)

	_, err = e.svc.Settle(e.ctx, SettlementCommand{
		Reference: "rpc-1",
		BuyerID:   buyer.ID,
		Items:     []LineItem{{BookID: b.ID, Price: b.Price}},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.UpdateReadingProgress(e.ctx, buyer.ID, b.ID, 51), ErrInvalidInput)
	require.NoError(t, e.svc.UpdateReadingProgress(e.ctx, buyer.ID, b.ID, 12))

	library, err := e.svc.GetLibrary(e.ctx, buyer.ID)
	require.NoError(t, err)
	require.Len(t, library, 1)
	assert.Equal(t, 12, library[0].CurrentPage)
}

func TestBookmarks(t *testing.T) {
	e := newEnv(t)
	reader := e.register("reader", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "10", "")

	added, err := e.svc.AddBookmark(e.ctx, reader.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = e.svc.AddBookmark(e.ctx, reader.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = e.svc.AddBookmark(e.ctx, reader.ID, "missing")
	assert.ErrorIs(t, err, repository.ErrBookNotFound)

	marks, err := e.svc.GetBookmarks(e.ctx, reader.ID)
	require.NoError(t, err)
	assert.Len(t, marks, 1)
}

func TestProcessPendingBatch(t *testing.T) {
	e := newEnv(t)
	buyer := e.register("buyer", false, "")
	author := e.register("author", true, "")
	b := e.publish(author.ID, "10", "")

	_, err := e.svc.AddToCart(e.ctx, buyer.ID, b.ID, "")
	require.NoError(t, err)
	intent, err := e.svc.StartCheckout(e.ctx, buyer.ID, model.BuyerAttributes{})
	require.NoError(t, err)

	stale, err := e.svc.StartDeposit(e.ctx, buyer.ID, decimal.NewFromInt(5))
	require.NoError(t, err)

	e.gw.set(intent.Reference, gateway.StatusSuccess, 1000)

	start := time.Now()
	e.svc.now = func() time.Time { return start.Add(intentTTL + time.Hour) }
	e.svc.processPendingBatch(e.ctx)

	assert.True(t, e.wallet(author.ID).Equal(decimal.RequireFromString("8.5")))

	settled, err := e.repo.GetPaymentIntent(e.ctx, intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusSettled, settled.Status)

	abandoned, err := e.repo.GetPaymentIntent(e.ctx, stale.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusFailed, abandoned.Status)
}

func TestStartPaymentReconciliation_NoGateway(t *testing.T) {
	svc := NewService(repository.NewMemoryRepository(), nil, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartPaymentReconciliation(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartPaymentReconciliation did not return without gateway")
	}
}

func TestBecomeAuthor(t *testing.T) {
	e := newEnv(t)
	reader := e.register("reader", false, "")

	_, err := e.svc.PublishBook(e.ctx, reader.ID, BookInput{Title: "Draft", Pages: 10, Price: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, ErrForbidden)

	a, err := e.svc.BecomeAuthor(e.ctx, reader.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Roles{Customer: true, Author: true}, a.Roles)

	again, err := e.svc.BecomeAuthor(e.ctx, reader.ID)
	require.NoError(t, err)
	assert.True(t, again.Roles.Author)

	b := e.publish(reader.ID, "5", "")
	assert.Equal(t, reader.ID, b.AuthorID)

	_, err = e.svc.BecomeAuthor(e.ctx, "ghost")
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestChangePassword(t *testing.T) {
	e := newEnv(t)
	user := e.register("user", false, "")

	err := e.svc.ChangePassword(e.ctx, user.ID, "wrong", "next")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	err = e.svc.ChangePassword(e.ctx, user.ID, "pw", "")
	require.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, e.svc.ChangePassword(e.ctx, user.ID, "pw", "next"))

	_, err = e.svc.AuthenticateUser(e.ctx, "user", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	id, err := e.svc.AuthenticateUser(e.ctx, "user", "next")
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)
}

func TestBookTasks(t *testing.T) {
	e := newEnv(t)
	author := e.register("author", true, "")
	other := e.register("other", true, "")
	reader := e.register("reader", false, "")
	stranger := e.register("stranger", false, "")
	b := e.publish(author.ID, "10", "")

	_, err := e.svc.AddBookTask(e.ctx, author.ID, b.ID, "   ")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.svc.AddBookTask(e.ctx, other.ID, b.ID, "Summarise chapter one")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = e.svc.AddBookTask(e.ctx, author.ID, "missing", "Summarise chapter one")
	require.ErrorIs(t, err, repository.ErrBookNotFound)

	first, err := e.svc.AddBookTask(e.ctx, author.ID, b.ID, " Summarise chapter one ")
	require.NoError(t, err)
	assert.Equal(t, "Summarise chapter one", first.Task)
	second, err := e.svc.AddBookTask(e.ctx, author.ID, b.ID, "Name the main character")
	require.NoError(t, err)

	err = e.svc.AnswerBookTask(e.ctx, reader.ID, b.ID, first.ID, "A storm")
	require.ErrorIs(t, err, repository.ErrNotPurchased)

	for i, buyer := range []*model.Account{reader, stranger} {
		_, err = e.svc.Settle(e.ctx, SettlementCommand{
			Reference: fmt.Sprintf("rpc-%d", i),
			BuyerID:   buyer.ID,
			Items:     []LineItem{{BookID: b.ID, Price: b.Price}},
		})
		require.NoError(t, err)
	}

	require.NoError(t, e.svc.AnswerBookTask(e.ctx, reader.ID, b.ID, first.ID, "A storm"))
	require.NoError(t, e.svc.AnswerBookTask(e.ctx, reader.ID, b.ID, first.ID, "A storm at sea"))
	require.NoError(t, e.svc.AnswerBookTask(e.ctx, stranger.ID, b.ID, first.ID, "No idea"))

	err = e.svc.AnswerBookTask(e.ctx, reader.ID, b.ID, "missing", "x")
	require.ErrorIs(t, err, repository.ErrTaskNotFound)
	err = e.svc.AnswerBookTask(e.ctx, reader.ID, b.ID, second.ID, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	tasks, err := e.svc.ListBookTasks(e.ctx, author.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.ID, tasks[0].ID)
	assert.Len(t, tasks[0].Answers, 2)
	assert.Empty(t, tasks[1].Answers)

	tasks, err = e.svc.ListBookTasks(e.ctx, reader.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Len(t, tasks[0].Answers, 1)
	assert.Equal(t, "A storm at sea", tasks[0].Answers[0].Answer)
}
