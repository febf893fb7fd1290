package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	reconcileInterval  = 1 * time.Second
	reconcileBatchSize = 100
	// reconcileDelay даёт браузеру и уведомлению шлюза подтвердить платёж первыми.
	reconcileDelay = 30 * time.Second
	// intentTTL задаёт, через сколько неподтверждённый платёж считается брошенным.
	intentTTL = 24 * time.Hour
)

// StartPaymentReconciliation запускает фоновую сверку ожидающих платежей со шлюзом.
// Без настроенного шлюза ничего не делает.
func (s *Service) StartPaymentReconciliation(ctx context.Context) {
	if !s.gatewayConfigured() {
		return
	}

	go func() {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPendingBatch(ctx context.Context) {
	now := s.now()

	intents, err := s.repo.ListPendingIntents(ctx, now.Add(-reconcileDelay), reconcileBatchSize)
	if err != nil {
		s.logger.Error("failed to list pending payments", zap.Error(err))
		return
	}

	for i := range intents {
		intent := &intents[i]

		_, retryAfter, err := s.confirm(ctx, intent)
		switch {
		case err == nil:
			s.logger.Info("pending payment reconciled",
				zap.String("reference", intent.Reference), zap.String("kind", string(intent.Kind)))

		case errors.Is(err, ErrPaymentPending):
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				continue
			}
			if now.Sub(intent.CreatedAt) > intentTTL {
				s.fail(ctx, intent.Reference, "abandoned")
			}

		case errors.Is(err, ErrPaymentFailed):

		default:
			s.logger.Warn("pending payment reconciliation failed",
				zap.String("reference", intent.Reference), zap.Error(err))
			if errors.Is(err, ErrGatewayUnavailable) {
				return
			}
		}
	}
}
