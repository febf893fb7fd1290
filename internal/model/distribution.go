package model

import (
	"fmt"
	"slices"
)

// DistributionKind определяет, кто может получать долю дистрибьютора.
type DistributionKind string

const (
	// DistributionOpen разрешает долю любому владельцу реферального кода.
	DistributionOpen DistributionKind = "OPEN"
	// DistributionAuthorOnly исключает долю дистрибьютора.
	DistributionAuthorOnly DistributionKind = "AUTHOR_ONLY"
	// DistributionRestricted разрешает долю только дистрибьюторам из списка Allowed.
	DistributionRestricted DistributionKind = "RESTRICTED"
)

// DistributionPolicy описывает политику распространения книги.
// Allowed имеет смысл только для DistributionRestricted.
type DistributionPolicy struct {
	Kind    DistributionKind
	Allowed []string
}

// OpenDistribution возвращает политику, разрешающую любой реферальный код.
func OpenDistribution() DistributionPolicy {
	return DistributionPolicy{Kind: DistributionOpen}
}

// AuthorOnlyDistribution возвращает политику без дистрибьюторов.
func AuthorOnlyDistribution() DistributionPolicy {
	return DistributionPolicy{Kind: DistributionAuthorOnly}
}

// RestrictedDistribution возвращает политику со списком разрешённых дистрибьюторов.
func RestrictedDistribution(allowed ...string) DistributionPolicy {
	return DistributionPolicy{Kind: DistributionRestricted, Allowed: slices.Clone(allowed)}
}

// ParseDistributionPolicy собирает политику из строкового вида и списка дистрибьюторов.
// Пустой вид трактуется как OPEN.
func ParseDistributionPolicy(kind string, allowed []string) (DistributionPolicy, error) {
	switch DistributionKind(kind) {
	case DistributionOpen, "":
		return OpenDistribution(), nil
	case DistributionAuthorOnly:
		return AuthorOnlyDistribution(), nil
	case DistributionRestricted:
		ids := make([]string, 0, len(allowed))
		for _, id := range allowed {
			if id != "" && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		return RestrictedDistribution(ids...), nil
	default:
		return DistributionPolicy{}, fmt.Errorf("unknown distribution policy %q", kind)
	}
}

// Permits сообщает, может ли аккаунт получать долю дистрибьютора.
func (p DistributionPolicy) Permits(accountID string) bool {
	switch p.Kind {
	case DistributionOpen:
		return true
	case DistributionRestricted:
		return slices.Contains(p.Allowed, accountID)
	default:
		return false
	}
}
