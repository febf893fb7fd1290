package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name           string
		price          string
		distributor    bool
		authorReferred bool
		author         string
		dist           string
		referrer       string
	}{
		{name: "no distributor", price: "1000", author: "850", dist: "0", referrer: "0"},
		{name: "distributor", price: "1000", distributor: true, author: "750", dist: "100", referrer: "0"},
		{name: "author referred", price: "1000", authorReferred: true, author: "850", dist: "0", referrer: "50"},
		{name: "all shares", price: "1000", distributor: true, authorReferred: true, author: "750", dist: "100", referrer: "50"},
		{name: "free book", price: "0", distributor: true, authorReferred: true, author: "0", dist: "0", referrer: "0"},
		{name: "rounded down", price: "0.99", distributor: true, authorReferred: true, author: "0.74", dist: "0.09", referrer: "0.04"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := decimal.RequireFromString(tt.price)
			s := Split(price, tt.distributor, tt.authorReferred)

			assert.Truef(t, s.Author.Equal(decimal.RequireFromString(tt.author)), "author = %s, want %s", s.Author, tt.author)
			assert.Truef(t, s.Distributor.Equal(decimal.RequireFromString(tt.dist)), "distributor = %s, want %s", s.Distributor, tt.dist)
			assert.Truef(t, s.AuthorReferrer.Equal(decimal.RequireFromString(tt.referrer)), "referrer = %s, want %s", s.AuthorReferrer, tt.referrer)
			assert.False(t, s.Platform(price).IsNegative(), "shares exceed price")
		})
	}
}

func TestSplit_NeverExceedsPrice(t *testing.T) {
	for cents := int64(0); cents <= 5000; cents += 7 {
		price := decimal.New(cents, -2)
		for _, dist := range []bool{false, true} {
			for _, ref := range []bool{false, true} {
				s := Split(price, dist, ref)
				if s.Platform(price).LessThan(price.Mul(decimal.RequireFromString("0.10")).RoundFloor(2)) {
					t.Fatalf("price %s dist=%v ref=%v: platform margin %s below 10%%", price, dist, ref, s.Platform(price))
				}
				if !s.Author.IsPositive() && price.GreaterThanOrEqual(decimal.New(2, -2)) {
					t.Fatalf("price %s: author share missing", price)
				}
			}
		}
	}
}
