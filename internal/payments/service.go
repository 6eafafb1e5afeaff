// Package payments sells credit bundles through Stripe Checkout and grants the credits
// when the provider confirms payment.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Webhook outcomes recorded per event.
const (
	OutcomeGranted     = "granted"
	OutcomeAlreadyPaid = "already_paid"
	OutcomeIgnored     = "ignored"
	OutcomeDuplicate   = "duplicate"
)

const (
	metadataAppID         = "appId"
	metadataAppIDLower    = "appid"
	metadataTransactionID = "transactionId"
	defaultCurrency       = "usd"
)

var (
	ErrUnknownPlan          = errors.New("payments: unknown plan")
	ErrInvalidSignature     = errors.New("payments: invalid webhook signature")
	ErrInvalidPayload       = errors.New("payments: invalid webhook payload")
	ErrTransactionNotFound  = errors.New("payments: transaction not found")
	ErrCheckoutUnavailable  = errors.New("payments: checkout is not configured")
	errMissingDatabase      = errors.New("database handle is required")
	errMissingApplicationID = errors.New("application id is required")
)

// ServiceConfig wires the payment service.
type ServiceConfig struct {
	Database      *gorm.DB
	Gateway       Gateway
	WebhookSecret string
	AppID         string
	Currency      string
	SuccessURL    string
	CancelURL     string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service opens checkouts and processes provider webhooks.
type Service struct {
	db            *gorm.DB
	gateway       Gateway
	webhookSecret string
	appID         string
	currency      string
	successURL    string
	cancelURL     string
	clock         func() time.Time
	logger        *zap.Logger
}

// Checkout is the result of StartCheckout.
type Checkout struct {
	TransactionID string `json:"transactionId"`
	SessionID     string `json:"sessionId"`
	URL           string `json:"url"`
}

// WebhookResult summarizes how a webhook delivery was handled.
type WebhookResult struct {
	EventID       string
	EventType     string
	TransactionID string
	Outcome       string
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, errMissingApplicationID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &Service{
		db:            cfg.Database,
		gateway:       cfg.Gateway,
		webhookSecret: cfg.WebhookSecret,
		appID:         strings.TrimSpace(cfg.AppID),
		currency:      currency,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		clock:         clock,
		logger:        logger,
	}, nil
}

// StartCheckout records an unpaid transaction for planID and opens a checkout session.
func (s *Service) StartCheckout(ctx context.Context, userID, planID string) (Checkout, error) {
	plan, ok := LookupPlan(strings.ToLower(strings.TrimSpace(planID)))
	if !ok {
		return Checkout{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	if s.gateway == nil {
		return Checkout{}, ErrCheckoutUnavailable
	}
	transactionID, err := uuid.NewV7()
	if err != nil {
		return Checkout{}, err
	}
	now := s.clock().UTC()
	transaction := Transaction{
		ID:          transactionID.String(),
		UserID:      userID,
		PlanID:      plan.ID,
		Credits:     plan.Credits,
		AmountCents: plan.AmountCents,
		Currency:    s.currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&transaction).Error; err != nil {
		s.logger.Error("transaction insert failed", zap.String("user_id", userID), zap.Error(err))
		return Checkout{}, fmt.Errorf("create transaction: %w", err)
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		TransactionID: transaction.ID,
		Plan:          plan,
		Currency:      s.currency,
		SuccessURL:    s.successURL,
		CancelURL:     s.cancelURL,
		Metadata: map[string]string{
			metadataAppID:         s.appID,
			metadataTransactionID: transaction.ID,
		},
	})
	if err != nil {
		s.logger.Error("checkout session failed", zap.String("transaction_id", transaction.ID), zap.Error(err))
		return Checkout{}, err
	}
	err = s.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ?", transaction.ID).
		Updates(map[string]any{"checkout_session_id": session.ID, "updated_at": s.clock().UTC()}).Error
	if err != nil {
		return Checkout{}, fmt.Errorf("store checkout session: %w", err)
	}
	return Checkout{TransactionID: transaction.ID, SessionID: session.ID, URL: session.URL}, nil
}

// HandleWebhook verifies and applies one provider delivery. Replayed events and already
// paid transactions are acknowledged without granting again.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error) {
	event, signed, err := s.parseEvent(payload, signatureHeader)
	if err != nil {
		return WebhookResult{}, err
	}
	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	fresh, err := s.recordEvent(ctx, event, payload, signed)
	if err != nil {
		return result, err
	}
	if !fresh {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	transactionID, err := s.resolveTransactionID(ctx, event)
	if err != nil {
		s.finishEvent(ctx, event.ID, "", "", err)
		return result, err
	}
	result.TransactionID = transactionID
	if transactionID == "" {
		result.Outcome = OutcomeIgnored
		s.finishEvent(ctx, event.ID, "", OutcomeIgnored, nil)
		return result, nil
	}

	outcome, err := s.grant(ctx, transactionID)
	if errors.Is(err, ErrTransactionNotFound) {
		result.Outcome = OutcomeIgnored
		s.finishEvent(ctx, event.ID, transactionID, OutcomeIgnored, nil)
		return result, nil
	}
	if err != nil {
		s.finishEvent(ctx, event.ID, transactionID, "", err)
		return result, err
	}
	result.Outcome = outcome
	s.finishEvent(ctx, event.ID, transactionID, outcome, nil)
	return result, nil
}

// Transaction loads a transaction owned by userID.
func (s *Service) Transaction(ctx context.Context, userID, transactionID string) (Transaction, error) {
	var transaction Transaction
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", transactionID, userID).
		Take(&transaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Transaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

func (s *Service) parseEvent(payload []byte, signatureHeader string) (stripe.Event, bool, error) {
	if s.webhookSecret != "" {
		event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return stripe.Event{}, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return event, true, nil
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return stripe.Event{}, false, fmt.Errorf("%w: missing event id or type", ErrInvalidPayload)
	}
	return event, false, nil
}

// recordEvent stores the delivery and reports whether it still needs processing. Events
// whose earlier processing failed are processed again.
func (s *Service) recordEvent(ctx context.Context, event stripe.Event, payload []byte, signed bool) (bool, error) {
	record := WebhookEvent{
		EventID:        event.ID,
		EventType:      string(event.Type),
		Payload:        datatypesJSON(payload),
		SignatureValid: signed,
		CreatedAt:      s.clock().UTC(),
	}
	db := s.db.WithContext(ctx)
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		s.logger.Error("webhook event insert failed", zap.String("event_id", event.ID), zap.Error(result.Error))
		return false, fmt.Errorf("record webhook event: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	var existing WebhookEvent
	if err := db.Where("event_id = ?", event.ID).Take(&existing).Error; err != nil {
		return false, fmt.Errorf("load webhook event: %w", err)
	}
	if existing.ProcessedAt != nil {
		s.logger.Info("webhook event replayed", zap.String("event_id", event.ID))
		return false, nil
	}
	return true, nil
}

func (s *Service) finishEvent(ctx context.Context, eventID, transactionID, outcome string, processingErr error) {
	updates := map[string]any{"transaction_id": transactionID, "outcome": outcome}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	} else {
		updates["processed_at"] = s.clock().UTC()
		updates["processing_error"] = ""
	}
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(updates).Error
	if err != nil {
		s.logger.Error("webhook event update failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

// resolveTransactionID extracts the transaction id from events addressed to this
// application. An empty id means the event is not ours to act on.
func (s *Service) resolveTransactionID(ctx context.Context, event stripe.Event) (string, error) {
	if event.Data == nil {
		return "", nil
	}
	var metadata map[string]string
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
		}
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return "", nil
		}
		metadata = session.Metadata
	case stripe.EventTypePaymentIntentSucceeded:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return "", fmt.Errorf("%w: payment intent: %v", ErrInvalidPayload, err)
		}
		if s.gateway == nil || intent.ID == "" {
			return "", nil
		}
		session, err := s.gateway.CheckoutSessionForPaymentIntent(ctx, intent.ID)
		if errors.Is(err, ErrCheckoutSessionNotFound) {
			return "", nil
		}
		if err != nil {
			s.logger.Error("checkout session lookup failed", zap.String("payment_intent", intent.ID), zap.Error(err))
			return "", err
		}
		metadata = session.Metadata
	default:
		return "", nil
	}

	appID := metadata[metadataAppID]
	if appID == "" {
		appID = metadata[metadataAppIDLower]
	}
	if appID != s.appID {
		return "", nil
	}
	return strings.TrimSpace(metadata[metadataTransactionID]), nil
}

// grant marks the transaction paid and credits its owner in one database transaction.
func (s *Service) grant(ctx context.Context, transactionID string) (string, error) {
	outcome := OutcomeGranted
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transaction Transaction
		err := tx.Where("id = ?", transactionID).Take(&transaction).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		result := tx.Model(&Transaction{}).
			Where("id = ? AND is_paid = ?", transactionID, false).
			Updates(map[string]any{"is_paid": true, "paid_at": now, "updated_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			outcome = OutcomeAlreadyPaid
			return nil
		}
		return users.GrantCredits(tx, transaction.UserID, transaction.Credits)
	})
	if err != nil {
		if !errors.Is(err, ErrTransactionNotFound) {
			s.logger.Error("credit grant failed", zap.String("transaction_id", transactionID), zap.Error(err))
		}
		return "", err
	}
	if outcome == OutcomeGranted {
		s.logger.Info("credits granted", zap.String("transaction_id", transactionID))
	}
	return outcome, nil
}
