package users

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientCredits is returned when a debit would take the balance below zero.
	ErrInsufficientCredits = errors.New("users: insufficient credits")
	// ErrInvalidAmount rejects zero or negative ledger movements.
	ErrInvalidAmount = errors.New("users: amount must be positive")
)

// Debit atomically removes amount credits from the user's balance. The conditional update
// guarantees two concurrent debits cannot both pass against the same balance.
func (s *Service) Debit(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND credits >= ?", userID, amount).
		UpdateColumn("credits", gorm.Expr("credits - ?", amount))
	if result.Error != nil {
		s.logger.Error("credit debit failed", zap.String("user_id", userID), zap.Int("amount", amount), zap.Error(result.Error))
		return fmt.Errorf("debit credits: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, userID); err != nil {
			return err
		}
		return ErrInsufficientCredits
	}
	return nil
}

// Credit atomically adds amount credits to the user's balance (refunds, purchases).
func (s *Service) Credit(ctx context.Context, userID string, amount int) error {
	if err := GrantCredits(s.db.WithContext(ctx), userID, amount); err != nil {
		s.logger.Error("credit grant failed", zap.String("user_id", userID), zap.Int("amount", amount), zap.Error(err))
		return err
	}
	return nil
}

// Balance returns the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}

// RecordCreation increments the user's lifetime project counter.
func (s *Service) RecordCreation(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		UpdateColumn("total_creation", gorm.Expr("total_creation + 1")).Error
}

// GrantCredits increments the balance using the supplied handle, which may be a transaction.
func GrantCredits(tx *gorm.DB, userID string, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	result := tx.Model(&User{}).
		Where("id = ?", userID).
		UpdateColumn("credits", gorm.Expr("credits + ?", amount))
	if result.Error != nil {
		return fmt.Errorf("grant credits: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
